package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/devicefarm/pkg/cmd"
	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "devicefarm-api",
		Usage:                 "Manage flows, campaigns, devices and marketplace tasks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the device presence index (optional)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "task-timeout",
				Usage:   "How long a task may run before it is failed",
				Value:   jobs.DefaultTaskTimeout,
				Sources: cli.EnvVars("TASK_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "queue-timeout",
				Usage:   "How long a dispatched task may wait for its device",
				Value:   jobs.DefaultQueueTimeout,
				Sources: cli.EnvVars("QUEUE_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "active-window",
				Usage:   "How recent a stored heartbeat must be for a device to count as online",
				Value:   devices.DefaultActiveWindow,
				Sources: cli.EnvVars("DEVICE_ACTIVE_WINDOW"),
			},
			&cli.IntFlag{
				Name:    "market-max-retries",
				Usage:   "Retry budget of marketplace jobs",
				Sources: cli.EnvVars("MARKET_MAX_RETRIES"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger.InfoContext(ctx, "Initializing DeviceFarm API")

			core, err := cmd.NewCore(ctx, logger, cmd.CoreConfig{
				ServiceName:   "devicefarm-api",
				DatabaseURL:   command.String("database-url"),
				EventBus:      command.String("event-bus"),
				KafkaBrokers:  command.String("kafka-brokers"),
				RedisURL:      command.String("redis-url"),
				ActiveWindow:  command.Duration("active-window"),
				TaskTimeout:   command.Duration("task-timeout"),
				QueueTimeout:  command.Duration("queue-timeout"),
				MarketRetries: int(command.Int("market-max-retries")),
				Tracing:       command.Bool("tracing"),
			})
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			api := NewAPI(logger, core)

			err = api.Start(ctx, int(command.Int("port")))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

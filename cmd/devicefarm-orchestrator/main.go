package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/devicefarm/pkg/campaigns"
	"github.com/dukex/devicefarm/pkg/cmd"
	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "devicefarm-orchestrator",
		EnableShellCompletion: true,
		Usage:                 "Drive campaigns and marketplace jobs across the device pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "orchestrator-id",
				Aliases: []string{"id"},
				Usage:   "Custom orchestrator ID (auto-generated if not provided)",
				Sources: cli.EnvVars("ORCHESTRATOR_ID"),
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
				Name:    "sweep-interval",
				Usage:   "How often timed out tasks are reaped and active campaigns ticked",
				Value:   jobs.DefaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "schedule-interval",
				Usage:   "How often scheduled campaigns are checked",
				Value:   campaigns.DefaultSchedulePollInterval,
				Sources: cli.EnvVars("SCHEDULE_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "task-timeout",
				Usage:   "How long a task may run before it is failed",
				Value:   jobs.DefaultTaskTimeout,
				Sources: cli.EnvVars("TASK_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "queue-timeout",
				Usage:   "How long a dispatched task may wait for its device before it is dispatched again",
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
				Value:   0,
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

			orchestratorID := command.String("orchestrator-id")
			if orchestratorID == "" {
				orchestratorID = "orchestrator-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("devicefarm-orchestrator").With("orchestratorId", orchestratorID)

			logger.InfoContext(ctx, "Initializing DeviceFarm Orchestrator")

			core, err := cmd.NewCore(ctx, logger, cmd.CoreConfig{
				ServiceName:   "devicefarm-orchestrator",
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

			scheduler := campaigns.NewScheduler(core.Campaigns, core.Persistence, command.Duration("schedule-interval"), logger)

			orchestrator := NewOrchestrator(
				orchestratorID,
				core.EventBus,
				core.Machine,
				core.Registry,
				core.Campaigns,
				core.Market,
				scheduler,
				command.Duration("sweep-interval"),
				logger,
			)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = orchestrator.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start orchestrator", "error", err)

				return err
			}

			orchestrator.Wait(ctx)

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

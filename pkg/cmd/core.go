package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicefarm/pkg/campaigns"
	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/marketplace"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/records"
	"github.com/dukex/devicefarm/pkg/services"
	"go.opentelemetry.io/otel/trace"
)

// CoreConfig carries the settings shared by the devicefarm binaries.
type CoreConfig struct {
	ServiceName   string
	DatabaseURL   string
	EventBus      string
	KafkaBrokers  string
	RedisURL      string
	ActiveWindow  time.Duration
	TaskTimeout   time.Duration
	QueueTimeout  time.Duration
	MarketRetries int
	Tracing       bool
}

// Core is the wired set of services a devicefarm process runs on.
type Core struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Registry    *devices.Registry
	Machine     *jobs.Machine
	Selector    *records.Selector
	Flows       *services.Flow
	Campaigns   *campaigns.Service
	Market      *marketplace.Service

	closers []func() error
	logger  *slog.Logger
}

// NewCore opens storage, the event bus and the presence index and builds the
// services on top of them. Close releases everything that was opened.
func NewCore(ctx context.Context, logger *slog.Logger, config CoreConfig) (*Core, error) {
	core := &Core{logger: logger}

	store, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	core.Persistence = store
	core.closers = append(core.closers, func() error { return store.Close(context.Background()) })

	bus, err := NewEventBus(config.EventBus, config.KafkaBrokers, config.ServiceName, logger)
	if err != nil {
		core.Close()

		return nil, err
	}

	core.EventBus = bus
	core.closers = append(core.closers, bus.Close)

	registry, closePresence, err := NewRegistry(ctx, logger, store, config.RedisURL, config.ActiveWindow)
	if err != nil {
		core.Close()

		return nil, err
	}

	core.Registry = registry
	core.closers = append(core.closers, closePresence)

	tracer := otelhelper.NoopTracer()

	if config.Tracing {
		tracer, err = otelhelper.NewTracer(ctx, config.ServiceName)
		if err != nil {
			core.Close()

			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
	}

	core.wire(store, bus, tracer, config)

	return core, nil
}

func (c *Core) wire(store persistence.Persistence, bus eventbus.EventBus, tracer trace.Tracer, config CoreConfig) {
	c.Machine = jobs.NewMachine(store, bus, c.logger,
		jobs.WithTracer(tracer),
		jobs.WithTimeouts(config.TaskTimeout, config.QueueTimeout),
	)
	c.Selector = records.NewSelector(store, c.logger)
	c.Flows = services.NewFlow(store)
	c.Campaigns = campaigns.NewService(store, c.Machine, c.Registry, bus, c.logger, campaigns.WithTracer(tracer))
	c.Market = marketplace.NewService(store, c.Machine, c.logger,
		marketplace.WithTracer(tracer),
		marketplace.WithMaxRetries(config.MarketRetries),
	)
}

// Close releases the opened resources in reverse order.
func (c *Core) Close() {
	var errs []error

	for i := len(c.closers) - 1; i >= 0; i-- {
		err := c.closers[i]()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.logger.Error("Failed to close resources", "error", errors.Join(errs...))
	}
}

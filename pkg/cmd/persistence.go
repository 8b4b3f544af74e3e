// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/persistence/postgresql"
)

// NewPersistence opens the store named by databaseURL: postgres:// and
// postgresql:// URLs use PostgreSQL, file:// URLs and bare paths the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL persistence: %w", err)
		}

		return store, nil
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	default:
		return "file"
	}
}

// NewRegistry builds the device registry. When redisURL is set heartbeats also
// feed the Redis live-connection index, otherwise online status relies on
// stored heartbeats alone. The returned func releases the index connection.
func NewRegistry(
	ctx context.Context,
	logger *slog.Logger,
	store persistence.Persistence,
	redisURL string,
	window time.Duration,
) (*devices.Registry, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "redis not configured, online status uses stored heartbeats only")

		return devices.NewRegistry(store, nil, window, logger), func() error { return nil }, nil
	}

	presence, err := devices.NewRedisPresence(ctx, redisURL, devices.DefaultPresenceTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect presence index: %w", err)
	}

	return devices.NewRegistry(store, presence, window, logger), presence.Close, nil
}

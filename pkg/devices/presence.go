package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	// DefaultPresenceTTL is how long a heartbeat keeps a device online in the
	// live-connection index.
	DefaultPresenceTTL = 90 * time.Second

	// DefaultActiveWindow is the last-active fallback used when the index has
	// no entry for a device.
	DefaultActiveWindow = 5 * time.Minute

	presenceKeyPrefix = "devicefarm:presence:"
)

// Presence is the live-connection index fed by agent heartbeats.
type Presence interface {
	Touch(ctx context.Context, deviceID string) error
	// Online returns the subset of deviceIDs currently connected.
	Online(ctx context.Context, deviceIDs []string) (map[string]bool, error)
}

// RedisPresence keeps one expiring key per connected device.
type RedisPresence struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisPresence connects to the Redis server at url (redis://host:port/db).
func NewRedisPresence(ctx context.Context, url string, ttl time.Duration) (*RedisPresence, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisPresenceWithClient(client, ttl), nil
}

func NewRedisPresenceWithClient(client redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}

	return &RedisPresence{client: client, ttl: ttl}
}

func (p *RedisPresence) Touch(ctx context.Context, deviceID string) error {
	err := p.client.Set(ctx, presenceKeyPrefix+deviceID, time.Now().UTC().Unix(), p.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to record presence of device %s: %w", deviceID, err)
	}

	return nil
}

func (p *RedisPresence) Online(ctx context.Context, deviceIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return online, nil
	}

	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = presenceKeyPrefix + id
	}

	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read device presence: %w", err)
	}

	for i, value := range values {
		if value != nil {
			online[deviceIDs[i]] = true
		}
	}

	return online, nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}

// OnlineChecker decides whether devices are online from the live-connection
// index, falling back to LastActiveAt within a window.
type OnlineChecker struct {
	presence Presence
	window   time.Duration
	logger   *slog.Logger
}

// NewOnlineChecker builds a checker. A nil presence index relies on
// LastActiveAt alone.
func NewOnlineChecker(presence Presence, window time.Duration, logger *slog.Logger) *OnlineChecker {
	if window <= 0 {
		window = DefaultActiveWindow
	}

	return &OnlineChecker{presence: presence, window: window, logger: logger.With("module", "online_checker")}
}

// Snapshot evaluates every device once and returns a lookup for Request.Online.
// Index failures degrade to the LastActiveAt fallback.
func (c *OnlineChecker) Snapshot(ctx context.Context, devices []*models.Device, now time.Time) func(string) bool {
	connected := map[string]bool{}

	if c.presence != nil && len(devices) > 0 {
		ids := make([]string, len(devices))
		for i, device := range devices {
			ids[i] = device.ID
		}

		result, err := c.presence.Online(ctx, ids)
		if err != nil {
			c.logger.WarnContext(ctx, "presence index unavailable, using last activity", "error", err)
		} else {
			connected = result
		}
	}

	online := make(map[string]bool, len(devices))

	for _, device := range devices {
		online[device.ID] = connected[device.ID] ||
			(device.LastActiveAt != nil && now.Sub(*device.LastActiveAt) <= c.window)
	}

	return func(deviceID string) bool {
		return online[deviceID]
	}
}

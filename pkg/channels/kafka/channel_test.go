package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/devicefarm/pkg/channels/kafka"
	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, kafka.ParseBrokers(" a:9092, ,b:9092,"))
	assert.Empty(t, kafka.ParseBrokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	_, _, err := kafka.CreateChannel(logger, nil, "devicefarm-test")
	require.ErrorIs(t, err, kafka.ErrNoBrokers)
}

func createTopic(t *testing.T, brokers []string) {
	t.Helper()

	admin, err := sarama.NewClusterAdmin(brokers, sarama.NewConfig())
	require.NoError(t, err)

	defer func() { _ = admin.Close() }()

	err = admin.CreateTopic(events.Topic, &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, false)
	require.NoError(t, err)
}

func TestCreateChannel_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("kafka container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_CREATE_TOPICS": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	createTopic(t, brokers)

	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(slogger), brokers, "devicefarm-test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slogger)

	defer func() { _ = bus.Close() }()

	received := make(chan *events.JobTerminated, 1)

	require.NoError(t, bus.Handle(events.JobTerminatedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.JobTerminated)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "job-1", events.JobTerminated{
		BaseEvent: events.NewBaseEvent(events.JobTerminatedEvent, time.Now()),
		JobID:     "job-1",
		DeviceID:  "dev-1",
		Status:    "completed",
	}))

	select {
	case event := <-received:
		assert.Equal(t, "job-1", event.JobID)
		assert.Equal(t, "dev-1", event.DeviceID)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}

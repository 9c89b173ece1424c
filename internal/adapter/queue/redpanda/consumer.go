package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
)

// EnrollHandler processes one enrollment event. Handlers must be
// idempotent: the consumer redelivers on rebalance or commit failure.
type EnrollHandler interface {
	Enroll(ctx domain.Context, p domain.EnrollTaskPayload) error
}

// Consumer reads enrollment events in a consumer group and hands them to
// the batch manager. Records are keyed by (survey, interviewer), so all
// events for one collecting batch arrive on the same partition in order.
type Consumer struct {
	client  *kgo.Client
	handler EnrollHandler
	groupID string
	topic   string
}

// NewConsumer constructs a Consumer on the default topic.
func NewConsumer(brokers []string, groupID string, handler EnrollHandler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, TopicEnroll, handler)
}

// NewConsumerWithTopic constructs a Consumer on a custom topic.
func NewConsumerWithTopic(brokers []string, groupID, topic string, handler EnrollHandler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 1, 1); err != nil {
		slog.Warn("topic creation failed, continuing",
			slog.String("topic", topic), slog.Any("error", err))
	}
	tempClient.Close()

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}
	return &Consumer{client: client, handler: handler, groupID: groupID, topic: topic}, nil
}

// Start consumes until the context is cancelled. Offsets commit only after
// the handler returns, so a crash replays the event instead of losing it.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("enroll consumer started",
		slog.String("group_id", c.groupID), slog.String("topic", c.topic))
	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			slog.Info("enroll consumer shutting down")
			return err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("fetch error",
					slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			continue
		}

		var processed []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			c.processRecord(ctx, rec)
			processed = append(processed, rec)
		})
		if len(processed) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, processed...); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	var payload domain.EnrollTaskPayload
	if err := json.Unmarshal(rec.Value, &payload); err != nil {
		// Malformed records cannot be retried; log and move on.
		slog.Error("malformed enroll event",
			slog.Int64("offset", rec.Offset), slog.Any("error", err))
		observability.EnrollEventsTotal.WithLabelValues("malformed").Inc()
		return
	}

	start := time.Now()
	if err := c.handler.Enroll(ctx, payload); err != nil {
		slog.Error("enroll handling failed",
			slog.String("response_id", payload.ResponseID), slog.Any("error", err))
		observability.EnrollEventsTotal.WithLabelValues("failed").Inc()
		return
	}
	observability.EnrollEventsTotal.WithLabelValues("processed").Inc()
	slog.Info("enroll event processed",
		slog.String("response_id", payload.ResponseID),
		slog.Duration("took", time.Since(start)))
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

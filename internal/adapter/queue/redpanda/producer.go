// Package redpanda carries QC enrollment events from the completion
// ingestor to the batch-manager worker over Redpanda/Kafka.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
)

// TopicEnroll is the topic for QC enrollment events.
const TopicEnroll = "qc-enroll"

// Producer wraps a transactional Kafka producer and implements
// domain.EnrollQueue.
type Producer struct {
	client *kgo.Client
	topic  string
	// Serializes transactions across concurrent request handlers.
	txn chan struct{}
}

// NewProducer constructs a Producer against the given brokers.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, "surveyd-producer", TopicEnroll)
}

// NewProducerWithTopic constructs a Producer with a custom transactional ID
// and topic; tests use unique topics for isolation.
func NewProducerWithTopic(brokers []string, transactionalID, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("topic creation failed, continuing",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic, txn: make(chan struct{}, 1)}, nil
}

// EnqueueEnroll publishes the enrollment event. The (survey, interviewer)
// pair keys the record so one interviewer's completions stay ordered and a
// batch is only ever appended from one partition.
func (p *Producer) EnqueueEnroll(ctx domain.Context, payload domain.EnrollTaskPayload) (string, error) {
	select {
	case p.txn <- struct{}{}:
		defer func() { <-p.txn }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.abort(ctx)
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(payload.SurveyID + "/" + payload.InterviewerID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "response_id", Value: []byte(payload.ResponseID)},
			{Key: "survey_id", Value: []byte(payload.SurveyID)},
		},
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		p.abort(ctx)
		return "", fmt.Errorf("produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	observability.EnrollEventsTotal.WithLabelValues("published").Inc()
	slog.Info("enroll event published",
		slog.String("topic", p.topic), slog.String("response_id", payload.ResponseID))
	return payload.ResponseID, nil
}

func (p *Producer) abort(ctx context.Context) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("transaction abort failed", slog.Any("error", err))
	}
}

// Ping probes broker connectivity; used by the readiness endpoint.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

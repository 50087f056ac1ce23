// Package redpanda publishes outbox envelopes to Redpanda/Kafka with a
// transactional producer.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicEvents is the topic the relayer publishes envelopes to.
const TopicEvents = "workfabric-events"

// Publisher wraps a transactional Kafka producer. Transactions are serialized
// through a buffered channel; franz-go allows one open transaction per client.
type Publisher struct {
	client *kgo.Client
	txCh   chan struct{}
}

// NewPublisher connects to the brokers and ensures the events topic exists.
func NewPublisher(brokers []string) (*Publisher, error) {
	return NewPublisherWithTransactionalID(brokers, "workfabric-relayer")
}

// NewPublisherWithTransactionalID constructs a Publisher with a custom
// transactional id, letting tests run producers side by side.
func NewPublisherWithTransactionalID(brokers []string, transactionalID string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: no seed brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicEvents, 1, 1); err != nil {
		slog.Warn("topic ensure failed, assuming it exists",
			slog.String("topic", TopicEvents), slog.Any("error", err))
	}
	return &Publisher{client: client, txCh: make(chan struct{}, 1)}, nil
}

// Publish produces one record transactionally. key orders events per domain
// entity within the topic.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	select {
	case p.txCh <- struct{}{}:
		defer func() { <-p.txCh }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.Publish: begin: %w", err)
	}
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	promise := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, promise.Promise())
	if err := promise.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.Publish: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.Publish: commit: %w", err)
	}
	return nil
}

// Close shuts the producer down.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

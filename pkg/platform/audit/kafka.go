package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka publishes audit events to a Kafka topic, keyed by source identifier
// so one source's trail stays ordered within a partition. Produce is
// asynchronous; delivery failures are logged and counted, never returned.
type Kafka struct {
	client *kgo.Client
	logger *slog.Logger
}

// KafkaOption configures the Kafka publisher.
type KafkaOption func(*Kafka)

// WithLogger sets a logger for delivery-failure reporting.
func WithLogger(logger *slog.Logger) KafkaOption {
	return func(p *Kafka) {
		p.logger = logger
	}
}

// NewKafka constructs a Kafka audit publisher.
func NewKafka(brokers []string, topic string, opts ...KafkaOption) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	p := &Kafka{client: client}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Emit serializes the event and hands it to the async producer. The calling
// request does not wait for the broker.
func (p *Kafka) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logFailure(ctx, event, err)
		return
	}

	record := &kgo.Record{
		Key:   []byte(event.SourceID),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logFailure(ctx, event, err)
		}
	})
}

// Close flushes buffered records and releases the client.
func (p *Kafka) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		p.client.Close()
		return err
	}
	p.client.Close()
	return nil
}

func (p *Kafka) logFailure(ctx context.Context, event Event, err error) {
	if p.logger != nil {
		p.logger.WarnContext(ctx, "audit event delivery failed",
			"action", event.Action, "source_id", event.SourceID, "error", err)
	}
}

package audit

import (
	"context"
	"log/slog"
	"time"
)

// Log writes audit events to the structured logger. Used standalone in
// deployments without Kafka, or alongside the Kafka publisher via Multi.
type Log struct {
	logger *slog.Logger
}

// NewLog constructs a log-backed audit publisher.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Emit writes the event as one audit-tagged log line.
func (p *Log) Emit(ctx context.Context, event Event) {
	if p.logger == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []any{
		"log_type", "audit",
		"event", string(event.Action),
		"source_id", event.SourceID,
	}
	if event.Severity != "" {
		attrs = append(attrs, "severity", event.Severity)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.Endpoint != "" {
		attrs = append(attrs, "endpoint", event.Endpoint)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	p.logger.InfoContext(ctx, string(event.Action), attrs...)
}

// Nop discards every event. Useful default for tests.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Emit forwards the event to every publisher in order.
func (m Multi) Emit(ctx context.Context, event Event) {
	for _, p := range m {
		p.Emit(ctx, event)
	}
}

// Package audit defines the structured event trail the protection layer
// emits. Emission is fire-and-forget: no publisher failure may ever affect a
// request decision, so Emit returns nothing and publishers swallow and log
// their own errors.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened. Closed set so downstream consumers can
// route without string guessing.
type Action string

const (
	ActionRateLimited   Action = "rate_limit_exceeded"
	ActionBlockedDenied Action = "blocked_request_denied"
	ActionAutoBlocked   Action = "auto_block_triggered"
	ActionManualBlock   Action = "manual_block"
	ActionManualUnblock Action = "manual_unblock"
	ActionThreatEvents  Action = "threat_events_recorded"
	ActionStoreDegraded Action = "store_degraded"
	ActionAuthFailure   Action = "auth_failure_recorded"
)

// Event is one audit record. Transport-agnostic so publishers can fan out to
// Kafka, logs, or anything else. The full detail lives here and only here;
// callers never leak it back to the requester.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    Action            `json:"action"`
	SourceID  string            `json:"source_id,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Publisher is the audit sink contract. Emit must not block the caller's
// decision path beyond serialization and must never surface an error.
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

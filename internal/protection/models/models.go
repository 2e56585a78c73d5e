package models

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how strongly a threat event should count against a source.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is one of the supported enum values.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight returns the base score contribution of an event at this severity,
// before time decay is applied.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	}
	return 0
}

// DefaultBlockDuration returns how long a source stays blocked when no
// explicit duration is supplied.
func (s Severity) DefaultBlockDuration() time.Duration {
	switch s {
	case SeverityLow:
		return 5 * time.Minute
	case SeverityMedium:
		return 30 * time.Minute
	case SeverityHigh:
		return time.Hour
	case SeverityCritical:
		return 24 * time.Hour
	}
	return 30 * time.Minute
}

// String returns the string representation.
func (s Severity) String() string {
	return string(s)
}

// EventType identifies the detector rule that produced a threat event.
type EventType string

const (
	EventMaliciousPattern EventType = "malicious_pattern_detected"
	EventSuspiciousAgent  EventType = "suspicious_user_agent"
	EventAdminProbe       EventType = "admin_endpoint_access"
	EventErrorResponse    EventType = "error_response"
	EventRapidRequests    EventType = "rapid_requests"
	EventBruteForceLogin  EventType = "brute_force_login"
)

// IsValid checks if the event type is one of the supported enum values.
func (t EventType) IsValid() bool {
	switch t {
	case EventMaliciousPattern, EventSuspiciousAgent, EventAdminProbe,
		EventErrorResponse, EventRapidRequests, EventBruteForceLogin:
		return true
	}
	return false
}

// String returns the string representation.
func (t EventType) String() string {
	return string(t)
}

// ThreatEvent is one discrete signal attributed to a source at a point in time.
// Events are immutable once created.
type ThreatEvent struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
}

// NewThreatEvent creates a ThreatEvent with domain invariant validation.
func NewThreatEvent(sourceID string, eventType EventType, severity Severity, at time.Time, details string) (*ThreatEvent, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id cannot be empty")
	}
	if !eventType.IsValid() {
		return nil, fmt.Errorf("invalid event type %q", eventType)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	return &ThreatEvent{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Type:      eventType,
		Severity:  severity,
		Timestamp: at,
		Details:   details,
	}, nil
}

// WeightAt returns the event's decayed score contribution at the given time.
// Weight falls off linearly over 24 hours with a residual floor of 10% so old
// events keep a trace without dominating the score.
func (e *ThreatEvent) WeightAt(now time.Time) float64 {
	ageHours := now.Sub(e.Timestamp).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	decay := 1 - ageHours/24
	if decay < 0.1 {
		decay = 0.1
	}
	return e.Severity.Weight() * decay
}

// ReputationSchemaVersion is bumped whenever the persisted SourceReputation
// layout changes incompatibly. Payloads with a different version are discarded
// and rebuilt rather than migrated in place.
const ReputationSchemaVersion = 1

// MaxRetainedEvents bounds the per-source event history. Oldest events are
// trimmed first; by the time the list is full they contribute only the decay
// floor anyway.
const MaxRetainedEvents = 200

// SourceReputation aggregates a source's threat-event history into a decaying
// 0-100 score. Persisted as versioned JSON with an inactivity TTL.
type SourceReputation struct {
	SchemaVersion int           `json:"schema_version"`
	SourceID      string        `json:"source_id"`
	ThreatScore   int           `json:"threat_score"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastActivity  time.Time     `json:"last_activity"`
	Events        []ThreatEvent `json:"events"`
}

// NewSourceReputation creates an empty reputation record for a source.
func NewSourceReputation(sourceID string, now time.Time) *SourceReputation {
	return &SourceReputation{
		SchemaVersion: ReputationSchemaVersion,
		SourceID:      sourceID,
		FirstSeen:     now,
		LastActivity:  now,
	}
}

// ScoreAt recomputes the threat score from the full retained event list at the
// given time. The result is clamped to [0, 100]. Recomputation is
// order-independent: every retained event contributes its decayed weight.
func (r *SourceReputation) ScoreAt(now time.Time) int {
	var sum float64
	for i := range r.Events {
		sum += r.Events[i].WeightAt(now)
	}
	if sum > 100 {
		sum = 100
	}
	if sum < 0 {
		sum = 0
	}
	return int(sum)
}

// Append adds events and trims the history to MaxRetainedEvents, dropping the
// oldest entries first.
func (r *SourceReputation) Append(events []ThreatEvent, now time.Time) {
	r.Events = append(r.Events, events...)
	if excess := len(r.Events) - MaxRetainedEvents; excess > 0 {
		r.Events = r.Events[excess:]
	}
	r.LastActivity = now
}

// EventsSince returns the retained events with timestamps at or after the cutoff.
func (r *SourceReputation) EventsSince(cutoff time.Time) []ThreatEvent {
	var out []ThreatEvent
	for i := range r.Events {
		if !r.Events[i].Timestamp.Before(cutoff) {
			out = append(out, r.Events[i])
		}
	}
	return out
}

// BlockSchemaVersion versions the persisted BlockRecord layout.
const BlockSchemaVersion = 1

// BlockRecord captures an active block for a source. At most one record is
// active per source; a new block overwrites any existing one.
type BlockRecord struct {
	SchemaVersion int           `json:"schema_version"`
	SourceID      string        `json:"source_id"`
	Reason        string        `json:"reason"`
	Severity      Severity      `json:"severity"`
	BlockedAt     time.Time     `json:"blocked_at"`
	Duration      time.Duration `json:"duration"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// NewBlockRecord creates a BlockRecord with domain invariant validation.
// A zero duration selects the severity's default.
func NewBlockRecord(sourceID, reason string, severity Severity, duration time.Duration, now time.Time) (*BlockRecord, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id cannot be empty")
	}
	if reason == "" {
		return nil, fmt.Errorf("reason cannot be empty")
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	if duration < 0 {
		return nil, fmt.Errorf("duration cannot be negative")
	}
	if duration == 0 {
		duration = severity.DefaultBlockDuration()
	}
	return &BlockRecord{
		SchemaVersion: BlockSchemaVersion,
		SourceID:      sourceID,
		Reason:        reason,
		Severity:      severity,
		BlockedAt:     now,
		Duration:      duration,
		ExpiresAt:     now.Add(duration),
	}, nil
}

// DecisionReason is the caller-visible verdict category. Internal scoring
// detail never leaks through it.
type DecisionReason string

const (
	ReasonOK          DecisionReason = "ok"
	ReasonBlocked     DecisionReason = "blocked"
	ReasonAutoBlocked DecisionReason = "auto_blocked"
	ReasonRateLimited DecisionReason = "rate_limited"
)

// WindowGranularity identifies which rate window a limit applies to.
type WindowGranularity string

const (
	WindowMinute WindowGranularity = "minute"
	WindowHour   WindowGranularity = "hour"
)

// Length returns the nominal window duration.
func (w WindowGranularity) Length() time.Duration {
	if w == WindowHour {
		return time.Hour
	}
	return time.Minute
}

// RateLimitInfo reports the outcome of a rate limit check. On denial, Window
// and ResetIn describe the limiting window; on success MinuteRemaining and
// HourRemaining report the remaining quota per window.
type RateLimitInfo struct {
	Allowed         bool              `json:"allowed"`
	Limit           int               `json:"limit"`
	MinuteRemaining int               `json:"minute_remaining"`
	HourRemaining   int               `json:"hour_remaining"`
	Window          WindowGranularity `json:"window,omitempty"`
	ResetIn         time.Duration     `json:"reset_in,omitempty"`
	// Degraded is set when the counter store failed and the check fell open.
	Degraded bool `json:"-"`
}

// Decision is the orchestrator's per-request verdict. Produced fresh per
// request, never persisted.
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    DecisionReason `json:"reason"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
	Block     *BlockRecord   `json:"-"`
	// StoreDegraded marks a fail-open decision taken while the counter store
	// was unreachable. Audited, never exposed to the caller.
	StoreDegraded bool `json:"-"`
}

// RequestContext carries the request attributes the protection layer inspects.
// It is built by the HTTP middleware and owned by the caller. Status is zero
// until the downstream handler has run.
type RequestContext struct {
	SourceIP  string
	UserAgent string
	Method    string
	Path      string
	Query     url.Values
	Status    int
	// AuthAttempt marks requests against credential-accepting endpoints so a
	// 4xx response can be counted as a failed login.
	AuthAttempt bool
}

// SourceID derives the partition key for all per-source state.
func (rc *RequestContext) SourceID() string {
	return SourceIdentifier(rc.SourceIP, rc.UserAgent)
}

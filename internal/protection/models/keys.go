package models

import (
	"strings"
	"time"
)

// Store key namespaces. Every component owns one prefix so keys never collide
// across roles sharing the same counter store.
const (
	keyPrefixRateLimit    = "rate_limit"
	keyPrefixReputation   = "ip_reputation"
	keyPrefixBlock        = "blocked_ip"
	keyPrefixRequestCount = "request_count"
	keyPrefixFailedLogins = "failed_logins"
)

// SanitizeKeySegment escapes the key delimiter in user-derived segments so an
// identifier containing ':' cannot address an adjacent bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// RateLimitKey builds the counter key for a source's rate window bucket.
// Buckets are truncated timestamps, so the key rolls over naturally and the
// old bucket expires via its TTL.
func RateLimitKey(sourceID string, window WindowGranularity, now time.Time) string {
	return keyPrefixRateLimit + ":" + SanitizeKeySegment(sourceID) + ":" + string(window) + ":" + bucket(window, now)
}

// ReputationKey builds the key for a source's persisted reputation record.
func ReputationKey(sourceID string) string {
	return keyPrefixReputation + ":" + SanitizeKeySegment(sourceID)
}

// BlockKey builds the key for a source's active block record.
func BlockKey(sourceID string) string {
	return keyPrefixBlock + ":" + SanitizeKeySegment(sourceID)
}

// RequestCountKey builds the per-minute request counter key the anomaly
// detector reads. Kept separate from the rate-limit buckets so resetting one
// never skews the other.
func RequestCountKey(sourceID string, now time.Time) string {
	return keyPrefixRequestCount + ":" + SanitizeKeySegment(sourceID) + ":" + bucket(WindowMinute, now)
}

// FailedLoginsKey builds the rolling failed-authentication counter key.
func FailedLoginsKey(sourceID string) string {
	return keyPrefixFailedLogins + ":" + SanitizeKeySegment(sourceID)
}

func bucket(window WindowGranularity, now time.Time) string {
	if window == WindowHour {
		return now.UTC().Format("2006010215")
	}
	return now.UTC().Format("200601021504")
}

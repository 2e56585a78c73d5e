package models

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// uaHashLen is the number of hex characters of the user-agent hash kept in the
// source identifier. Eight characters keeps cardinality low while still
// separating distinct tools behind a shared NAT.
const uaHashLen = 8

// SourceIdentifier derives the stable per-source partition key from the client
// IP and a truncated hash of the user-agent string. Both inputs are sanitized
// so the result is safe to embed in store keys.
func SourceIdentifier(ip, userAgent string) string {
	if ip == "" {
		ip = "unknown"
	}
	sum := blake2b.Sum256([]byte(userAgent))
	return SanitizeKeySegment(ip) + "-" + hex.EncodeToString(sum[:])[:uaHashLen]
}

// Package hash provides the one-way identifier hashing used wherever a
// session id or peer address must be recorded without exposing the raw
// value (audit records, rate-limiter keys, artifact ownership).
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identifier computes the hex SHA-256 digest of an identifier. Audit
// records and limiter keys store only this form.
func Identifier(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ShortIdentifier returns the first 16 hex characters of the digest, used
// where a full digest would dominate a log line.
func ShortIdentifier(input string) string {
	return Identifier(input)[:16]
}

// Bytes computes the hex SHA-256 digest of a byte slice.
func Bytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

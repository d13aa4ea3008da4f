package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortHash returns a fixed 16-hex-char digest of s. Used for log-safe
// key redaction.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// ETag hashes payload bytes to the fixed-length tag stored in the wire
// envelope. Payloads must be canonically encoded for the tag to be
// reproducible across equivalent in-memory representations.
func ETag(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

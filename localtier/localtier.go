// Package localtier defines an optional in-process L0 byte cache that
// sits in front of the fast tier. It is read acceleration only: entries
// are short-lived copies of fast-tier envelopes, are never consulted for
// conditional (ETag) reads and are never tracked by the expiry index.
package localtier

import (
	"context"
	"time"
)

// Provider is a minimal in-process byte store with TTLs. Must be safe
// for concurrent use and byte-for-byte transparent.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. Returns ok=false when the
	// store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Package fasttier defines the low-latency key-value tier consumed by
// tiercache: plain KV with TTLs plus the sorted-set, scan and
// size-introspection operations the expiry index and batch jobs need.
//
// Implementations MUST be byte-for-byte transparent: Get must return
// exactly the same []byte that was previously passed to Set for a key.
// The keyspaces "cache/" and "cache-expiry/" are owned by tiercache;
// external code must not write values under these prefixes.
package fasttier

import (
	"context"
	"time"
)

// TTLResult reports remaining lifetime for one key in a batch lookup.
// OK is false when the key does not exist. TTL == 0 with OK == true
// means the key exists without an expiry.
type TTLResult struct {
	TTL time.Duration
	OK  bool
}

// ScoreResult reports a sorted-set member's score. OK is false when the
// member is not in the set.
type ScoreResult struct {
	Score float64
	OK    bool
}

// Store is the fast-tier contract. Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// MGet returns values aligned with keys; nil slots are misses.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// TTL returns the remaining lifetime of one key.
	TTL(ctx context.Context, key string) (TTLResult, error)

	// TTLBatch resolves many TTLs in one round trip (pipelined).
	TTLBatch(ctx context.Context, keys []string) ([]TTLResult, error)

	// Scan iterates keys matching a glob pattern in pages of roughly
	// batch, invoking fn per page. fn returning an error stops the scan.
	Scan(ctx context.Context, pattern string, batch int64, fn func(keys []string) error) error

	// MemoryUsage estimates the stored size of one key in bytes.
	// ok=false when the key is missing or the store cannot introspect.
	MemoryUsage(ctx context.Context, key string) (int64, bool, error)

	// Sorted-set operations (the expiry index substrate).
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZScore(ctx context.Context, key, member string) (ScoreResult, error)
	ZMScore(ctx context.Context, key string, members []string) ([]ScoreResult, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

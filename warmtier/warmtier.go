// Package warmtier defines the durable blob tier that backstops the fast
// tier. Entries written here do not expire under tiercache's control;
// lifecycle rules (day-granularity) are configured on the store itself.
package warmtier

import "context"

// Store is a byte blob store keyed by the same cache keys as the fast
// tier. Must be safe for concurrent use and byte-for-byte transparent.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value. tags, when non-nil, are attached as object
	// metadata so external lifecycle rules can select entries.
	Put(ctx context.Context, key string, value []byte, tags map[string]string) error

	// Delete removes a key (best-effort; deleting a missing key is not
	// an error).
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

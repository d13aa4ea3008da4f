package tiercache

import (
	"errors"
	"fmt"
)

// Tier names one storage level of the chain.
type Tier string

const (
	TierLocal Tier = "local"
	TierFast  Tier = "fast"
	TierWarm  Tier = "warm"
)

var (
	// ErrSerialization wraps codec failures. A payload that cannot be
	// encoded or decoded is never cached.
	ErrSerialization = errors.New("tiercache: serialization failure")

	// ErrIdentifierKind is returned when a ByToken identifier reaches an
	// ID-keyed cache or vice versa.
	ErrIdentifierKind = errors.New("tiercache: identifier kind does not match cache keyspace")
)

// TierError reports a tier operation failure. Returned to callers only
// for the primary commit point (fast-tier write in Set); everywhere else
// it is absorbed and surfaced via Hooks.
type TierError struct {
	Tier Tier
	Op   string
	Key  string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

package tiercache

import (
	"context"
	"time"

	cd "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/expiry"
	ft "github.com/unkn0wn-root/tiercache/fasttier"
	lt "github.com/unkn0wn-root/tiercache/localtier"
	wt "github.com/unkn0wn-root/tiercache/warmtier"
)

// Source reports which level served a read.
type Source string

const (
	SourceLocal Source = "local"
	SourceFast  Source = "fast"
	SourceWarm  Source = "warm"
	SourceDB    Source = "db"
	SourceNone  Source = "none"
)

// LoaderFunc fetches one entity's authoritative payload from the source
// of truth. found=false is the explicit "nothing found" answer and is
// cached as a short-TTL miss marker, distinct from an error.
type LoaderFunc[V any] func(ctx context.Context, id Identifier) (v V, found bool, err error)

// Cache is one logical cache (a namespace + value name) over the tier
// chain. V is the caller's value type; serialization is handled by a
// pluggable codec.Codec[V].
//
// Tier lifecycles are owned by the caller (see Engine): a Cache never
// closes the stores it was handed, since they are shared across caches.
type Cache[V any] interface {
	// Get walks local -> fast -> warm -> loader, self-healing lower
	// tiers on the way. found=false with a nil error means the entity
	// authoritatively has no value. A loader error propagates: it is
	// the one failure with no further fallback.
	Get(ctx context.Context, id Identifier) (v V, found bool, src Source, err error)

	// Lookup is Get without the loader step; src is SourceNone when
	// nothing is cached. Used by verification tooling.
	Lookup(ctx context.Context, id Identifier) (v V, found bool, src Source, err error)

	// Set writes all tiers plus the expiry record. The fast-tier write
	// is the primary commit point: only its failure (or a codec
	// failure) is returned; warm/local/expiry failures are absorbed and
	// reported via Hooks. ttl=0 applies the cache default.
	Set(ctx context.Context, id Identifier, v V, ttl time.Duration) error

	// SetMiss caches the miss marker (short TTL, no expiry record).
	SetMiss(ctx context.Context, id Identifier) error

	// Update re-loads one entity from the source of truth and writes it
	// via Set (or SetMiss). Never returns an error: failures yield
	// false so batch callers can count them.
	Update(ctx context.Context, id Identifier) bool

	// UpdateTTL is Update with an explicit entry TTL (0 = cache
	// default). Batch warming uses it to stagger expiries.
	UpdateTTL(ctx context.Context, id Identifier, ttl time.Duration) bool

	// Clear deletes the entry from the given tiers (default: all) and
	// removes the expiry record. Ops/test tooling only.
	Clear(ctx context.Context, id Identifier, tiers ...Tier) error

	// GetWithETag answers conditional reads. When the stored ETag
	// matches clientETag the payload is not decoded and modified=false
	// is returned with a zero value. Any fast-tier failure degrades to
	// a full fetch; the returned ETag is always the one of the envelope
	// actually served.
	GetWithETag(ctx context.Context, id Identifier, clientETag string) (v V, found bool, etag string, modified bool, err error)

	Namespace() string
	ValueName() string
	TokenBased() bool

	// KeyFor renders the stable cross-service key for an identifier.
	KeyFor(id Identifier) string
	// KeyPattern is the glob matching every key of this cache.
	KeyPattern() string
	// Expiry exposes this cache's expiry index (nil when tracking is
	// disabled).
	Expiry() *expiry.Index
}

// Options configure one Cache. Namespace, ValueName, FastTier, Codec and
// Loader are required; the rest default sensibly.
type Options[V any] struct {
	Namespace  string // e.g. "flags"
	ValueName  string // e.g. "config"
	TokenBased bool   // key by token instead of numeric entity ID

	FastTier  ft.Store
	WarmTier  wt.Store    // optional backstop
	LocalTier lt.Provider // optional in-process L0
	Codec     cd.Codec[V]
	Loader    LoaderFunc[V]

	// EnableETag stores a content hash in the envelope for conditional
	// reads. Use a canonical codec (codec.CanonicalJSON, deterministic
	// CBOR) or equal values may produce different tags.
	EnableETag bool

	// DisableExpiryTracking turns off the sorted-set expiry index.
	DisableExpiryTracking bool

	// WarmTags are attached to warm-tier objects so external lifecycle
	// rules can select them.
	WarmTags map[string]string

	DefaultTTL time.Duration // 0 => 24h
	MissTTL    time.Duration // 0 => 5m; keep well below DefaultTTL
	LocalTTL   time.Duration // 0 => 10s

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}

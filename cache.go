package tiercache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	cd "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/expiry"
	ft "github.com/unkn0wn-root/tiercache/fasttier"
	"github.com/unkn0wn-root/tiercache/internal/util"
	"github.com/unkn0wn-root/tiercache/internal/wire"
	lt "github.com/unkn0wn-root/tiercache/localtier"
	wt "github.com/unkn0wn-root/tiercache/warmtier"
)

const (
	defaultTTL   = 24 * time.Hour
	defaultMiss  = 5 * time.Minute
	defaultLocal = 10 * time.Second
)

type cache[V any] struct {
	ns         string
	value      string
	tokenBased bool

	fast  ft.Store
	warm  wt.Store
	local lt.Provider
	codec cd.Codec[V]
	load  LoaderFunc[V]
	exp   *expiry.Index

	log   Logger
	hooks Hooks

	etagEnabled bool
	warmTags    map[string]string
	ttl         time.Duration
	missTTL     time.Duration
	localTTL    time.Duration

	sf singleflight.Group
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.FastTier == nil {
		return nil, fmt.Errorf("tiercache: fast tier is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tiercache: codec is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("tiercache: loader is required")
	}
	if opts.Namespace == "" || opts.ValueName == "" {
		return nil, fmt.Errorf("tiercache: namespace and value name are required")
	}

	c := &cache[V]{
		ns:          opts.Namespace,
		value:       opts.ValueName,
		tokenBased:  opts.TokenBased,
		fast:        opts.FastTier,
		warm:        opts.WarmTier,
		local:       opts.LocalTier,
		codec:       opts.Codec,
		load:        opts.Loader,
		etagEnabled: opts.EnableETag,
		warmTags:    opts.WarmTags,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.ttl = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	c.missTTL = coalesce[time.Duration](opts.MissTTL, defaultMiss)
	c.localTTL = coalesce[time.Duration](opts.LocalTTL, defaultLocal)
	if c.missTTL >= c.ttl {
		return nil, fmt.Errorf("tiercache: miss TTL (%v) must be below default TTL (%v)", c.missTTL, c.ttl)
	}

	if !opts.DisableExpiryTracking {
		c.exp = expiry.New(c.fast, c.keyspace(), c.ns, c.value)
	}
	return c, nil
}

func (c *cache[V]) Namespace() string     { return c.ns }
func (c *cache[V]) ValueName() string     { return c.value }
func (c *cache[V]) TokenBased() bool      { return c.tokenBased }
func (c *cache[V]) Expiry() *expiry.Index { return c.exp }

func (c *cache[V]) keyspace() string {
	if c.tokenBased {
		return "tokens"
	}
	return "ids"
}

// KeyFor renders cache/{ids|tokens}/{identifier}/{namespace}/{value}.
// The format is consumed by other services; do not change it.
func (c *cache[V]) KeyFor(id Identifier) string {
	return "cache/" + c.keyspace() + "/" + id.String() + "/" + c.ns + "/" + c.value
}

func (c *cache[V]) KeyPattern() string {
	return "cache/" + c.keyspace() + "/*/" + c.ns + "/" + c.value
}

func (c *cache[V]) checkKind(id Identifier) error {
	if id.IsToken() != c.tokenBased {
		return ErrIdentifierKind
	}
	return nil
}

// lookupFlags tune the tier walk. GetWithETag skips the local tier (it
// may hold an envelope the fast tier has since replaced) and skips the
// fast tier when it already probed it.
type lookupFlags struct {
	skipLocal bool
	skipFast  bool
}

func (c *cache[V]) getEnvelope(ctx context.Context, id Identifier, key string, fl lookupFlags) (wire.Entry, Source, bool) {
	if c.local != nil && !fl.skipLocal {
		if raw, ok, err := c.local.Get(ctx, key); err != nil {
			c.hooks.TierError(c.ns, TierLocal, "get", err)
		} else if ok {
			if env, derr := wire.Decode(raw); derr == nil {
				return env, SourceLocal, true
			}
			_ = c.local.Del(ctx, key)
			c.hooks.SelfHeal(util.ShortHash(key), "corrupt")
		}
	}

	if !fl.skipFast {
		raw, ok, err := c.fast.Get(ctx, key)
		if err != nil {
			// recovered locally: fall through to the next tier
			c.log.Warn("fast tier read failed; falling through", Fields{"key": util.ShortHash(key), "err": err})
			c.hooks.TierError(c.ns, TierFast, "get", err)
		} else if ok {
			if env, derr := wire.Decode(raw); derr == nil {
				c.backfillLocal(ctx, key, raw)
				return env, SourceFast, true
			}
			c.selfHealFast(ctx, key, "corrupt")
		}
	}

	if c.warm != nil {
		raw, ok, err := c.warm.Get(ctx, key)
		if err != nil {
			c.log.Warn("warm tier read failed; falling through", Fields{"key": util.ShortHash(key), "err": err})
			c.hooks.TierError(c.ns, TierWarm, "get", err)
		} else if ok {
			if env, derr := wire.Decode(raw); derr == nil {
				c.backfillFast(ctx, id, key, raw, env)
				c.backfillLocal(ctx, key, raw)
				return env, SourceWarm, true
			}
			_ = c.warm.Delete(ctx, key)
			c.hooks.SelfHeal(util.ShortHash(key), "corrupt")
		}
	}

	return wire.Entry{}, SourceNone, false
}

// backfillFast restores a warm-tier hit into the fast tier, best-effort:
// a failure here must not turn a successful warm read into an error.
func (c *cache[V]) backfillFast(ctx context.Context, id Identifier, key string, raw []byte, env wire.Entry) {
	ttl := c.ttl
	if env.IsMiss() {
		ttl = c.missTTL
	}
	if err := c.fast.Set(ctx, key, raw, ttl); err != nil {
		c.hooks.TierError(c.ns, TierFast, "backfill", err)
		return
	}
	if c.exp != nil && !env.IsMiss() {
		if err := c.exp.Record(ctx, id.String(), ttl); err != nil {
			c.hooks.ExpiryTrackingError(c.ns, err)
		}
	}
}

func (c *cache[V]) backfillLocal(ctx context.Context, key string, raw []byte) {
	if c.local == nil {
		return
	}
	if _, err := c.local.Set(ctx, key, raw, c.localTTL); err != nil {
		c.hooks.TierError(c.ns, TierLocal, "set", err)
	}
}

func (c *cache[V]) selfHealFast(ctx context.Context, key, reason string) {
	if _, err := c.fast.Del(ctx, key); err != nil {
		c.hooks.TierError(c.ns, TierFast, "del", err)
	}
	if c.local != nil {
		_ = c.local.Del(ctx, key)
	}
	c.hooks.SelfHeal(util.ShortHash(key), reason)
}

func (c *cache[V]) Get(ctx context.Context, id Identifier) (V, bool, Source, error) {
	var zero V
	if err := c.checkKind(id); err != nil {
		return zero, false, SourceNone, err
	}
	key := c.KeyFor(id)

	if env, src, ok := c.getEnvelope(ctx, id, key, lookupFlags{}); ok {
		if env.IsMiss() {
			c.hooks.CacheHit(c.ns, c.value, src)
			return zero, false, src, nil
		}
		v, err := c.codec.Decode(env.Payload)
		if err == nil {
			c.hooks.CacheHit(c.ns, c.value, src)
			return v, true, src, nil
		}
		c.selfHealFast(ctx, key, "value_decode")
		// fall through to the source of truth
	}

	v, found, _, err := c.loadAndStore(ctx, id, key)
	return v, found, SourceDB, err
}

func (c *cache[V]) Lookup(ctx context.Context, id Identifier) (V, bool, Source, error) {
	var zero V
	if err := c.checkKind(id); err != nil {
		return zero, false, SourceNone, err
	}
	key := c.KeyFor(id)

	env, src, ok := c.getEnvelope(ctx, id, key, lookupFlags{})
	if !ok || env.IsMiss() {
		if ok {
			return zero, false, src, nil
		}
		return zero, false, SourceNone, nil
	}
	v, err := c.codec.Decode(env.Payload)
	if err != nil {
		c.selfHealFast(ctx, key, "value_decode")
		return zero, false, SourceNone, nil
	}
	return v, true, src, nil
}

type loadResult[V any] struct {
	v     V
	found bool
	etag  string
}

// loadAndStore invokes the loader (deduplicated per key) and populates
// the tiers. A loader error propagates: the source of truth is the last
// resort with no synthetic fallback.
func (c *cache[V]) loadAndStore(ctx context.Context, id Identifier, key string) (V, bool, string, error) {
	var zero V
	res, err, _ := c.sf.Do(key, func() (any, error) {
		v, found, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			// cache the authoritative miss; write failures must not
			// fail the read
			if serr := c.SetMiss(ctx, id); serr != nil {
				c.log.Warn("miss-marker write failed", Fields{"key": util.ShortHash(key), "err": serr})
			}
			return loadResult[V]{}, nil
		}
		etag, serr := c.setValue(ctx, id, v, 0)
		if serr != nil {
			c.log.Warn("populate after load failed", Fields{"key": util.ShortHash(key), "err": serr})
		}
		return loadResult[V]{v: v, found: true, etag: etag}, nil
	})
	if err != nil {
		return zero, false, "", err
	}
	r := res.(loadResult[V])
	if !r.found {
		c.hooks.CacheMiss(c.ns, c.value)
		return zero, false, "", nil
	}
	c.hooks.CacheHit(c.ns, c.value, SourceDB)
	return r.v, true, r.etag, nil
}

func (c *cache[V]) Set(ctx context.Context, id Identifier, v V, ttl time.Duration) error {
	_, err := c.setValue(ctx, id, v, ttl)
	return err
}

// setValue is the write path. Fast tier first (primary commit point,
// its failure is the only one returned), then the expiry record, then
// warm and local tiers, each isolated so one tier's outage cannot veto
// another's write.
func (c *cache[V]) setValue(ctx context.Context, id Identifier, v V, ttl time.Duration) (string, error) {
	if err := c.checkKind(id); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := c.KeyFor(id)

	payload, err := c.codec.Encode(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var etag string
	if c.etagEnabled {
		etag = util.ETag(payload)
	}
	raw := wire.EncodeValue(etag, payload)

	if err := c.fast.Set(ctx, key, raw, ttl); err != nil {
		c.hooks.TierError(c.ns, TierFast, "set", err)
		return "", &TierError{Tier: TierFast, Op: "set", Key: key, Err: err}
	}
	// fast-tier write precedes the index write: a crash between the two
	// leaves an untracked entry (self-healed later), never a record
	// pointing at nothing
	if c.exp != nil {
		if err := c.exp.Record(ctx, id.String(), ttl); err != nil {
			c.hooks.ExpiryTrackingError(c.ns, err)
			c.log.Warn("expiry record failed", Fields{"key": util.ShortHash(key), "err": err})
		}
	}
	if c.warm != nil {
		if err := c.warm.Put(ctx, key, raw, c.warmTags); err != nil {
			c.hooks.TierError(c.ns, TierWarm, "put", err)
			c.log.Warn("warm tier write failed", Fields{"key": util.ShortHash(key), "err": err})
		}
	}
	c.backfillLocal(ctx, key, raw)
	return etag, nil
}

func (c *cache[V]) SetMiss(ctx context.Context, id Identifier) error {
	if err := c.checkKind(id); err != nil {
		return err
	}
	key := c.KeyFor(id)
	raw := wire.EncodeMiss()

	if err := c.fast.Set(ctx, key, raw, c.missTTL); err != nil {
		c.hooks.TierError(c.ns, TierFast, "set", err)
		return &TierError{Tier: TierFast, Op: "set", Key: key, Err: err}
	}
	// a miss marker must not be expiry-tracked; drop any stale record
	if c.exp != nil {
		if err := c.exp.Remove(ctx, id.String()); err != nil {
			c.hooks.ExpiryTrackingError(c.ns, err)
		}
	}
	if c.warm != nil {
		if err := c.warm.Put(ctx, key, raw, c.warmTags); err != nil {
			c.hooks.TierError(c.ns, TierWarm, "put", err)
		}
	}
	c.backfillLocal(ctx, key, raw)
	return nil
}

// Update re-loads one entity and writes the result. Loader and write
// failures are converted to false so bulk callers can count them
// without error plumbing.
func (c *cache[V]) Update(ctx context.Context, id Identifier) bool {
	return c.UpdateTTL(ctx, id, 0)
}

func (c *cache[V]) UpdateTTL(ctx context.Context, id Identifier, ttl time.Duration) bool {
	start := time.Now()
	ok := c.update(ctx, id, ttl)
	c.hooks.SyncResult(c.ns, ok, time.Since(start))
	return ok
}

func (c *cache[V]) update(ctx context.Context, id Identifier, ttl time.Duration) bool {
	v, found, err := c.load(ctx, id)
	if err != nil {
		c.log.Warn("update: load failed", Fields{"id": id.String(), "err": err})
		return false
	}
	if !found {
		if err := c.SetMiss(ctx, id); err != nil {
			c.log.Warn("update: miss-marker write failed", Fields{"id": id.String(), "err": err})
			return false
		}
		return true
	}
	if err := c.Set(ctx, id, v, ttl); err != nil {
		c.log.Warn("update: set failed", Fields{"id": id.String(), "err": err})
		return false
	}
	return true
}

func (c *cache[V]) Clear(ctx context.Context, id Identifier, tiers ...Tier) error {
	if err := c.checkKind(id); err != nil {
		return err
	}
	key := c.KeyFor(id)
	all := len(tiers) == 0
	want := func(t Tier) bool {
		if all {
			return true
		}
		for _, x := range tiers {
			if x == t {
				return true
			}
		}
		return false
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.local != nil && want(TierLocal) {
		keep(c.local.Del(ctx, key))
	}
	if want(TierFast) {
		_, err := c.fast.Del(ctx, key)
		keep(err)
		if c.exp != nil {
			keep(c.exp.Remove(ctx, id.String()))
		}
	}
	if c.warm != nil && want(TierWarm) {
		keep(c.warm.Delete(ctx, key))
	}
	return firstErr
}

func (c *cache[V]) GetWithETag(ctx context.Context, id Identifier, clientETag string) (V, bool, string, bool, error) {
	var zero V
	if err := c.checkKind(id); err != nil {
		return zero, false, "", false, err
	}
	if !c.etagEnabled {
		v, found, _, err := c.Get(ctx, id)
		return v, found, "", true, err
	}
	key := c.KeyFor(id)

	raw, ok, err := c.fast.Get(ctx, key)
	if err != nil {
		// degrade gracefully: serving an answer outranks the shortcut
		c.log.Warn("etag check failed; degrading to full fetch", Fields{"key": util.ShortHash(key), "err": err})
		c.hooks.TierError(c.ns, TierFast, "get", err)
	} else if ok {
		env, derr := wire.Decode(raw)
		if derr != nil {
			c.selfHealFast(ctx, key, "corrupt")
		} else if env.IsMiss() {
			c.hooks.CacheHit(c.ns, c.value, SourceFast)
			return zero, false, "", true, nil
		} else {
			if clientETag != "" && env.ETag == clientETag {
				c.hooks.CacheHit(c.ns, c.value, SourceFast)
				return zero, true, env.ETag, false, nil
			}
			v, verr := c.codec.Decode(env.Payload)
			if verr == nil {
				c.hooks.CacheHit(c.ns, c.value, SourceFast)
				return v, true, env.ETag, true, nil
			}
			c.selfHealFast(ctx, key, "value_decode")
		}
	}

	// fast tier gave no answer: walk warm tier, then the loader. The
	// ETag is re-read from whatever envelope is actually served, never
	// from a pre-fallback read.
	if env, src, ok := c.getEnvelope(ctx, id, key, lookupFlags{skipLocal: true, skipFast: true}); ok {
		if env.IsMiss() {
			c.hooks.CacheHit(c.ns, c.value, src)
			return zero, false, "", true, nil
		}
		v, verr := c.codec.Decode(env.Payload)
		if verr == nil {
			c.hooks.CacheHit(c.ns, c.value, src)
			if clientETag != "" && env.ETag == clientETag {
				return zero, true, env.ETag, false, nil
			}
			return v, true, env.ETag, true, nil
		}
		c.selfHealFast(ctx, key, "value_decode")
	}

	v, found, etag, err := c.loadAndStore(ctx, id, key)
	if err != nil {
		return zero, false, "", false, err
	}
	if !found {
		return zero, false, "", true, nil
	}
	return v, true, etag, true, nil
}

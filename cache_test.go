package tiercache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cd "github.com/unkn0wn-root/tiercache/codec"
	ftmem "github.com/unkn0wn-root/tiercache/fasttier/memory"
	lt "github.com/unkn0wn-root/tiercache/localtier"
	wtmem "github.com/unkn0wn-root/tiercache/warmtier/memory"
)

type flagsConfig struct {
	Enabled bool             `json:"enabled"`
	Plan    string           `json:"plan"`
	Limits  map[string]int64 `json:"limits,omitempty"`
}

// countingLoader is a fake source of truth with call accounting.
type countingLoader struct {
	mu    sync.Mutex
	calls int
	data  map[int64]flagsConfig
	err   error
}

func (l *countingLoader) load(_ context.Context, id Identifier) (flagsConfig, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return flagsConfig{}, false, l.err
	}
	n, _ := id.ID()
	v, ok := l.data[n]
	return v, ok, nil
}

func (l *countingLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type testEnv struct {
	cache  Cache[flagsConfig]
	fast   *ftmem.Store
	warm   *wtmem.Store
	loader *countingLoader
}

func newTestEnv(t *testing.T, mutate func(*Options[flagsConfig])) *testEnv {
	t.Helper()
	env := &testEnv{
		fast:   ftmem.New(),
		warm:   wtmem.New(),
		loader: &countingLoader{data: map[int64]flagsConfig{}},
	}
	opts := Options[flagsConfig]{
		Namespace: "flags",
		ValueName: "config",
		FastTier:  env.fast,
		WarmTier:  env.warm,
		Codec:     cd.CanonicalJSON[flagsConfig]{},
		Loader:    env.loader.load,
	}
	if mutate != nil {
		mutate(&opts)
	}
	cc, err := New[flagsConfig](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.cache = cc
	return env
}

// memLocal is a minimal localtier.Provider for tests.
type memLocal struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ lt.Provider = (*memLocal)(nil)

func newMemLocal() *memLocal { return &memLocal{m: make(map[string][]byte)} }

func (p *memLocal) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memLocal) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	p.mu.Lock()
	p.m[key] = value
	p.mu.Unlock()
	return true, nil
}

func (p *memLocal) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memLocal) Close(context.Context) error { return nil }

// faultyFast wraps the in-memory fast tier with switchable failures.
type faultyFast struct {
	*ftmem.Store
	getErr error
	setErr error
}

func (f *faultyFast) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyFast) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Store.Set(ctx, key, value, ttl)
}

// faultyWarm wraps the in-memory warm tier with a switchable Put failure.
type faultyWarm struct {
	*wtmem.Store
	putErr error
}

func (w *faultyWarm) Put(ctx context.Context, key string, value []byte, tags map[string]string) error {
	if w.putErr != nil {
		return w.putErr
	}
	return w.Store.Put(ctx, key, value, tags)
}

// ==============================
// Read path
// ==============================

func TestGetLoadsOnceThenServesFromFastTier(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.loader.data[7] = flagsConfig{Enabled: true, Plan: "pro"}

	v, found, src, err := env.cache.Get(ctx, ByID(7))
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if src != SourceDB {
		t.Fatalf("first read src = %s, want db", src)
	}
	if v.Plan != "pro" {
		t.Fatalf("got %+v", v)
	}

	v, found, src, err = env.cache.Get(ctx, ByID(7))
	if err != nil || !found || src != SourceFast {
		t.Fatalf("second read: found=%v src=%s err=%v", found, src, err)
	}
	if v.Plan != "pro" {
		t.Fatalf("got %+v", v)
	}
	if n := env.loader.callCount(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

func TestWarmTierFallbackBackfillsFastTier(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	id := ByID(3)
	if err := env.cache.Set(ctx, id, flagsConfig{Enabled: true}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// simulate fast-tier eviction; the warm copy survives
	key := env.cache.KeyFor(id)
	if _, err := env.fast.Del(ctx, key); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := env.cache.Expiry().Remove(ctx, id.String()); err != nil {
		t.Fatalf("expiry remove: %v", err)
	}

	v, found, src, err := env.cache.Get(ctx, id)
	if err != nil || !found || !v.Enabled {
		t.Fatalf("Get: v=%+v found=%v err=%v", v, found, err)
	}
	if src != SourceWarm {
		t.Fatalf("src = %s, want warm", src)
	}
	if n := env.loader.callCount(); n != 0 {
		t.Fatalf("loader called %d times on warm hit", n)
	}

	// self-healed: fast tier holds the entry and expiry tracking is back
	if _, ok, _ := env.fast.Get(ctx, key); !ok {
		t.Fatalf("fast tier not backfilled")
	}
	tracked, err := env.cache.Expiry().BatchTracked(ctx, []string{id.String()})
	if err != nil || !tracked[id.String()] {
		t.Fatalf("expiry record not restored: %v %v", tracked, err)
	}
}

func TestMissMarkerSuppressesRepeatLoads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, found, src, err := env.cache.Get(ctx, ByID(42))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found || src != SourceDB {
		t.Fatalf("first read: found=%v src=%s", found, src)
	}

	_, found, src, err = env.cache.Get(ctx, ByID(42))
	if err != nil || found {
		t.Fatalf("second read: found=%v err=%v", found, err)
	}
	if src != SourceFast {
		t.Fatalf("miss marker not served from fast tier (src=%s)", src)
	}
	if n := env.loader.callCount(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

func TestLookupNeverTouchesLoader(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, found, src, err := env.cache.Lookup(ctx, ByID(1))
	if err != nil || found || src != SourceNone {
		t.Fatalf("Lookup: found=%v src=%s err=%v", found, src, err)
	}
	if n := env.loader.callCount(); n != 0 {
		t.Fatalf("Lookup hit the loader")
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	boom := errors.New("db down")
	env.loader.err = boom

	_, _, _, err := env.cache.Get(ctx, ByID(1))
	if !errors.Is(err, boom) {
		t.Fatalf("Get err = %v, want %v", err, boom)
	}
}

func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.loader.data[9] = flagsConfig{Plan: "basic"}
	id := ByID(9)
	key := env.cache.KeyFor(id)

	// a pre-envelope entry left behind by an old deployment
	if err := env.fast.Set(ctx, key, []byte(`{"plan":"basic"}`), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, found, _, err := env.cache.Get(ctx, id)
	if err != nil || !found || v.Plan != "basic" {
		t.Fatalf("Get: v=%+v found=%v err=%v", v, found, err)
	}
	if n := env.loader.callCount(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}

	// the rewritten entry decodes cleanly now
	_, found, src, err := env.cache.Get(ctx, id)
	if err != nil || !found || src != SourceFast {
		t.Fatalf("after heal: found=%v src=%s err=%v", found, src, err)
	}
}

func TestLocalTierServesRepeatReads(t *testing.T) {
	ctx := context.Background()
	local := newMemLocal()
	env := newTestEnv(t, func(o *Options[flagsConfig]) {
		o.LocalTier = local
	})
	env.loader.data[5] = flagsConfig{Enabled: true}

	if _, _, _, err := env.cache.Get(ctx, ByID(5)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, found, src, err := env.cache.Get(ctx, ByID(5))
	if err != nil || !found || src != SourceLocal {
		t.Fatalf("second read: found=%v src=%s err=%v", found, src, err)
	}
}

// ==============================
// Write path
// ==============================

func TestSetWritesAllTiersAndExpiry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	id := ByID(11)

	if err := env.cache.Set(ctx, id, flagsConfig{Plan: "pro"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := env.cache.KeyFor(id)
	if _, ok, _ := env.fast.Get(ctx, key); !ok {
		t.Fatalf("fast tier missing entry")
	}
	if _, ok, _ := env.warm.Get(ctx, key); !ok {
		t.Fatalf("warm tier missing entry")
	}
	tracked, err := env.cache.Expiry().BatchTracked(ctx, []string{id.String()})
	if err != nil || !tracked[id.String()] {
		t.Fatalf("expiry record missing: %v %v", tracked, err)
	}

	r, err := env.fast.TTL(ctx, key)
	if err != nil || !r.OK || r.TTL <= 0 {
		t.Fatalf("fast entry has no TTL: %+v %v", r, err)
	}
}

func TestSetMissIsNeverExpiryTracked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	id := ByID(12)

	// a real value first, so a stale record exists to be removed
	if err := env.cache.Set(ctx, id, flagsConfig{}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := env.cache.SetMiss(ctx, id); err != nil {
		t.Fatalf("SetMiss: %v", err)
	}

	tracked, err := env.cache.Expiry().BatchTracked(ctx, []string{id.String()})
	if err != nil || tracked[id.String()] {
		t.Fatalf("miss marker is expiry-tracked: %v %v", tracked, err)
	}

	_, found, _, err := env.cache.Get(ctx, id)
	if err != nil || found {
		t.Fatalf("miss marker not honored: found=%v err=%v", found, err)
	}
	if n := env.loader.callCount(); n != 0 {
		t.Fatalf("loader called through a miss marker")
	}
}

func TestClearRemovesEntryAndRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	id := ByID(13)
	if err := env.cache.Set(ctx, id, flagsConfig{Plan: "pro"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := env.cache.Clear(ctx, id); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	key := env.cache.KeyFor(id)
	if _, ok, _ := env.fast.Get(ctx, key); ok {
		t.Fatalf("fast entry survived Clear")
	}
	if _, ok, _ := env.warm.Get(ctx, key); ok {
		t.Fatalf("warm entry survived Clear")
	}
	tracked, _ := env.cache.Expiry().BatchTracked(ctx, []string{id.String()})
	if tracked[id.String()] {
		t.Fatalf("expiry record survived Clear")
	}
}

func TestIdentifierKindMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if _, _, _, err := env.cache.Get(ctx, ByToken("tok-1")); !errors.Is(err, ErrIdentifierKind) {
		t.Fatalf("Get err = %v, want ErrIdentifierKind", err)
	}
	if err := env.cache.Set(ctx, ByToken("tok-1"), flagsConfig{}, 0); !errors.Is(err, ErrIdentifierKind) {
		t.Fatalf("Set err = %v, want ErrIdentifierKind", err)
	}
}

func TestMissTTLMustStayBelowDefaultTTL(t *testing.T) {
	_, err := New[flagsConfig](Options[flagsConfig]{
		Namespace:  "flags",
		ValueName:  "config",
		FastTier:   ftmem.New(),
		Codec:      cd.JSON[flagsConfig]{},
		Loader:     func(context.Context, Identifier) (flagsConfig, bool, error) { return flagsConfig{}, false, nil },
		DefaultTTL: time.Minute,
		MissTTL:    time.Hour,
	})
	if err == nil {
		t.Fatalf("New accepted MissTTL above DefaultTTL")
	}
}

// ==============================
// Tier failure isolation
// ==============================

func TestFastTierReadErrorFallsThroughToWarm(t *testing.T) {
	ctx := context.Background()
	var ff *faultyFast
	env := newTestEnv(t, func(o *Options[flagsConfig]) {
		ff = &faultyFast{Store: o.FastTier.(*ftmem.Store)}
		o.FastTier = ff
	})
	id := ByID(3)
	if err := env.cache.Set(ctx, id, flagsConfig{Enabled: true}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ff.getErr = errors.New("connection refused")
	v, found, src, err := env.cache.Get(ctx, id)
	if err != nil || !found || !v.Enabled {
		t.Fatalf("Get: v=%+v found=%v err=%v", v, found, err)
	}
	if src != SourceWarm {
		t.Fatalf("src = %s, want warm", src)
	}
	if n := env.loader.callCount(); n != 0 {
		t.Fatalf("loader called %d times despite a warm copy", n)
	}
}

func TestWarmTierWriteFailureDoesNotFailSet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options[flagsConfig]) {
		o.WarmTier = &faultyWarm{
			Store:  o.WarmTier.(*wtmem.Store),
			putErr: errors.New("bucket unavailable"),
		}
	})
	id := ByID(4)

	if err := env.cache.Set(ctx, id, flagsConfig{Plan: "pro"}, 0); err != nil {
		t.Fatalf("Set failed on warm-tier outage: %v", err)
	}
	if _, ok, _ := env.fast.Get(ctx, env.cache.KeyFor(id)); !ok {
		t.Fatalf("fast tier missing entry")
	}
	if env.warm.Len() != 0 {
		t.Fatalf("warm tier holds %d objects, want 0", env.warm.Len())
	}

	v, found, src, err := env.cache.Get(ctx, id)
	if err != nil || !found || src != SourceFast || v.Plan != "pro" {
		t.Fatalf("read back: v=%+v found=%v src=%s err=%v", v, found, src, err)
	}
}

func TestGetWithETagDegradesOnFastTierError(t *testing.T) {
	ctx := context.Background()
	var ff *faultyFast
	env := newTestEnv(t, func(o *Options[flagsConfig]) {
		o.EnableETag = true
		ff = &faultyFast{Store: o.FastTier.(*ftmem.Store)}
		o.FastTier = ff
	})
	id := ByID(5)
	if err := env.cache.Set(ctx, id, flagsConfig{Plan: "pro"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// learn the tag while everything is healthy
	_, found, etag, modified, err := env.cache.GetWithETag(ctx, id, "")
	if err != nil || !found || !modified || etag == "" {
		t.Fatalf("GetWithETag: found=%v modified=%v etag=%q err=%v", found, modified, etag, err)
	}

	// fast tier down: the answer comes from the warm copy, with the tag
	// of the envelope actually served
	ff.getErr = errors.New("connection refused")
	v, found, etag2, modified, err := env.cache.GetWithETag(ctx, id, "stale-tag")
	if err != nil || !found || !modified {
		t.Fatalf("degraded read: found=%v modified=%v err=%v", found, modified, err)
	}
	if etag2 != etag || v.Plan != "pro" {
		t.Fatalf("degraded read: v=%+v etag=%q want %q", v, etag2, etag)
	}
	if n := env.loader.callCount(); n != 0 {
		t.Fatalf("loader called %d times despite a warm copy", n)
	}

	// a matching tag still short-circuits the payload
	_, found, etag3, modified, err := env.cache.GetWithETag(ctx, id, etag)
	if err != nil || !found || modified || etag3 != etag {
		t.Fatalf("matching tag: found=%v modified=%v etag=%q err=%v", found, modified, etag3, err)
	}
}

// ==============================
// Update and conditional reads
// ==============================

func TestUpdateIsIdempotentAndETagStable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options[flagsConfig]) {
		o.EnableETag = true
	})
	env.loader.data[20] = flagsConfig{Enabled: true, Plan: "pro"}
	id := ByID(20)

	if !env.cache.Update(ctx, id) {
		t.Fatalf("Update failed")
	}
	_, found, etag1, modified, err := env.cache.GetWithETag(ctx, id, "")
	if err != nil || !found || !modified || etag1 == "" {
		t.Fatalf("GetWithETag: found=%v modified=%v etag=%q err=%v", found, modified, etag1, err)
	}

	// same authoritative data: the rewrite must not change the tag
	if !env.cache.Update(ctx, id) {
		t.Fatalf("second Update failed")
	}
	_, found, etag2, modified, err := env.cache.GetWithETag(ctx, id, etag1)
	if err != nil || !found {
		t.Fatalf("GetWithETag: found=%v err=%v", found, err)
	}
	if modified || etag2 != etag1 {
		t.Fatalf("stable payload changed tag: modified=%v etag=%q want %q", modified, etag2, etag1)
	}

	// a real change must flip modified and the tag
	env.loader.mu.Lock()
	env.loader.data[20] = flagsConfig{Enabled: false, Plan: "pro"}
	env.loader.mu.Unlock()
	if !env.cache.Update(ctx, id) {
		t.Fatalf("third Update failed")
	}
	v, found, etag3, modified, err := env.cache.GetWithETag(ctx, id, etag1)
	if err != nil || !found || !modified {
		t.Fatalf("GetWithETag after change: found=%v modified=%v err=%v", found, modified, err)
	}
	if etag3 == etag1 {
		t.Fatalf("etag unchanged after value change")
	}
	if v.Enabled {
		t.Fatalf("stale payload served: %+v", v)
	}
}

func TestUpdateCachesAuthoritativeMiss(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	id := ByID(21)
	if err := env.cache.Set(ctx, id, flagsConfig{Plan: "pro"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// entity deleted upstream; Update must converge to a miss marker
	if !env.cache.Update(ctx, id) {
		t.Fatalf("Update failed")
	}
	_, found, src, err := env.cache.Get(ctx, id)
	if err != nil || found {
		t.Fatalf("Get after delete: found=%v err=%v", found, err)
	}
	if src != SourceFast {
		t.Fatalf("miss marker not cached (src=%s)", src)
	}
	tracked, _ := env.cache.Expiry().BatchTracked(ctx, []string{id.String()})
	if tracked[id.String()] {
		t.Fatalf("deleted entity still expiry-tracked")
	}
}

func TestUpdateReturnsFalseOnLoaderError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.loader.err = errors.New("db down")
	if env.cache.Update(ctx, ByID(1)) {
		t.Fatalf("Update reported success with a failing loader")
	}
}

func TestGetWithETagWithoutTagsDegrades(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil) // EnableETag off
	env.loader.data[30] = flagsConfig{Plan: "pro"}

	v, found, etag, modified, err := env.cache.GetWithETag(ctx, ByID(30), "whatever")
	if err != nil || !found || !modified || etag != "" {
		t.Fatalf("got found=%v etag=%q modified=%v err=%v", found, etag, modified, err)
	}
	if v.Plan != "pro" {
		t.Fatalf("got %+v", v)
	}
}

// ==============================
// End to end
// ==============================

// A mostly empty dataset: every entity resolves to "no value", and the
// second pass must be answered entirely by miss markers.
func TestEmptyPopulationReadsOnlyLoadOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	ids := []int64{1, 2, 3}
	for _, n := range ids {
		_, found, _, err := env.cache.Get(ctx, ByID(n))
		if err != nil || found {
			t.Fatalf("id %d: found=%v err=%v", n, found, err)
		}
	}
	if n := env.loader.callCount(); n != len(ids) {
		t.Fatalf("loader calls = %d, want %d", n, len(ids))
	}

	for _, n := range ids {
		_, found, src, err := env.cache.Get(ctx, ByID(n))
		if err != nil || found || src != SourceFast {
			t.Fatalf("id %d second pass: found=%v src=%s err=%v", n, found, src, err)
		}
	}
	if n := env.loader.callCount(); n != len(ids) {
		t.Fatalf("miss markers did not suppress loads: %d calls", n)
	}
	if env.warm.Len() != len(ids) {
		t.Fatalf("warm tier holds %d objects, want %d", env.warm.Len(), len(ids))
	}
}

func TestTokenKeyedCache(t *testing.T) {
	ctx := context.Background()
	fast := ftmem.New()
	cc, err := New[flagsConfig](Options[flagsConfig]{
		Namespace:  "flags",
		ValueName:  "config",
		TokenBased: true,
		FastTier:   fast,
		Codec:      cd.JSON[flagsConfig]{},
		Loader: func(_ context.Context, id Identifier) (flagsConfig, bool, error) {
			if id.String() == "tok-a" {
				return flagsConfig{Enabled: true}, true, nil
			}
			return flagsConfig{}, false, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, found, _, err := cc.Get(ctx, ByToken("tok-a"))
	if err != nil || !found || !v.Enabled {
		t.Fatalf("Get: v=%+v found=%v err=%v", v, found, err)
	}
	if got, want := cc.KeyFor(ByToken("tok-a")), "cache/tokens/tok-a/flags/config"; got != want {
		t.Fatalf("KeyFor = %q, want %q", got, want)
	}
	if _, _, _, err := cc.Get(ctx, ByID(1)); !errors.Is(err, ErrIdentifierKind) {
		t.Fatalf("numeric id accepted by token cache: %v", err)
	}
}

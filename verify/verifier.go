// Package verify reconciles cached payloads against the source of
// truth. A run classifies every entity as match, miss or mismatch with
// field-level diffs, and can repair the cache in the same pass via the
// cache's own authoritative reload. Repairs respect a grace period for
// recently mutated entities so verification never races a write that is
// still propagating.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/batch"
	"github.com/unkn0wn-root/tiercache/lock"
)

// Outcome is the per-entity verification verdict.
type Outcome string

const (
	// OutcomeMatch: cached payload agrees with the authoritative one
	// (or both agree the entity has no value).
	OutcomeMatch Outcome = "match"
	// OutcomeMiss: nothing cached for an entity that should be.
	OutcomeMiss Outcome = "miss"
	// OutcomeMismatch: cached payload differs field-wise.
	OutcomeMismatch Outcome = "mismatch"
)

// Fix categories reported through Hooks.FixApplied.
const (
	fixMiss          = "miss"
	fixMismatch      = "mismatch"
	fixExpiryMissing = "expiry_missing"
)

// Result is one entity's verdict.
type Result struct {
	Entity  tiercache.Entity
	Outcome Outcome
	Source  tiercache.Source
	// Cached is true when a real value (not a miss marker) was cached.
	Cached bool
	Diffs  []FieldDiff
}

// FastPath short-circuits authoritative loads when most of the
// population is known to share one baseline value (a largely empty
// dataset). Entities outside the affected set are compared against
// Baseline without touching the source of truth.
type FastPath[V any] struct {
	Baseline V
	// AffectedIDs returns the entities whose authoritative value may
	// deviate from Baseline. Called once per run.
	AffectedIDs func(ctx context.Context) (map[int64]bool, error)
}

type Config[V any] struct {
	Cache  tiercache.Cache[V]
	Source batch.EntitySource

	// BatchLoad fetches authoritative payloads for a chunk in one round
	// trip. Entities absent from the result are authoritatively empty.
	// Required unless FastPath is set.
	BatchLoad batch.LoaderFunc[V]

	FastPath *FastPath[V]

	// RecentlyMutated reports which of the given entity IDs changed
	// within the grace period; those are skipped, not fixed. Batched:
	// called once per chunk. Optional.
	RecentlyMutated func(ctx context.Context, ids []int64) (map[int64]bool, error)

	// GracePeriod documents the skip window RecentlyMutated implements;
	// informational for reporting. 0 => 10m.
	GracePeriod time.Duration

	// TrackedFields, when set, is the field schema: only these fields
	// are compared and leftovers of removed fields count as stale. When
	// empty, comparison covers the authoritative fields and cached-only
	// fields are ignored.
	TrackedFields []string

	Locker  lock.Locker   // optional; runs unguarded when nil
	LockTTL time.Duration // 0 => 10m

	Logger tiercache.Logger
	Hooks  tiercache.Hooks
}

type Verifier[V any] struct {
	cache       tiercache.Cache[V]
	source      batch.EntitySource
	batchLoad   batch.LoaderFunc[V]
	fastPath    *FastPath[V]
	recentlyMut func(ctx context.Context, ids []int64) (map[int64]bool, error)
	grace       time.Duration
	tracked     []string
	locker      lock.Locker
	lockTTL     time.Duration
	log         tiercache.Logger
	hooks       tiercache.Hooks
}

func New[V any](cfg Config[V]) (*Verifier[V], error) {
	if cfg.Cache == nil || cfg.Source == nil {
		return nil, fmt.Errorf("verify: cache and entity source are required")
	}
	if cfg.BatchLoad == nil && cfg.FastPath == nil {
		return nil, fmt.Errorf("verify: need BatchLoad or FastPath to obtain authoritative data")
	}
	v := &Verifier[V]{
		cache:       cfg.Cache,
		source:      cfg.Source,
		batchLoad:   cfg.BatchLoad,
		fastPath:    cfg.FastPath,
		recentlyMut: cfg.RecentlyMutated,
		grace:       cfg.GracePeriod,
		tracked:     cfg.TrackedFields,
		locker:      cfg.Locker,
		lockTTL:     cfg.LockTTL,
		log:         cfg.Logger,
		hooks:       cfg.Hooks,
	}
	if v.grace <= 0 {
		v.grace = 10 * time.Minute
	}
	if v.lockTTL <= 0 {
		v.lockTTL = 10 * time.Minute
	}
	if v.log == nil {
		v.log = tiercache.NopLogger{}
	}
	if v.hooks == nil {
		v.hooks = tiercache.NopHooks{}
	}
	return v, nil
}

// VerifyEntity checks one entity against an authoritative payload the
// caller already holds. hasAuth=false means the entity authoritatively
// has no value.
func (v *Verifier[V]) VerifyEntity(ctx context.Context, e tiercache.Entity, auth V, hasAuth bool) (Result, error) {
	res := Result{Entity: e}

	id := e.Identifier(v.cache.TokenBased())
	cached, found, src, err := v.cache.Lookup(ctx, id)
	if err != nil {
		return res, fmt.Errorf("verify: lookup %s: %w", id.String(), err)
	}
	res.Source = src
	res.Cached = found

	switch {
	case !found && !hasAuth:
		// agreement on "no value"; a cached miss marker also lands here
		res.Outcome = OutcomeMatch
	case !found:
		am, err := toMap(auth)
		if err != nil {
			return res, fmt.Errorf("verify: flatten authoritative %s: %w", id.String(), err)
		}
		if len(am) == 0 {
			// the authoritative value is empty; an uncached entity is
			// consistent with it
			res.Outcome = OutcomeMatch
		} else {
			res.Outcome = OutcomeMiss
		}
	case !hasAuth:
		// cached payload for an entity that authoritatively has none:
		// every non-empty cached field is stale
		cm, err := toMap(cached)
		if err != nil {
			return res, fmt.Errorf("verify: flatten cached %s: %w", id.String(), err)
		}
		fields := v.tracked
		if len(fields) == 0 {
			fields = make([]string, 0, len(cm))
			for f := range cm {
				fields = append(fields, f)
			}
		}
		for _, f := range fields {
			if cv, ok := cm[f]; ok && !isEmpty(cv) {
				res.Diffs = append(res.Diffs, FieldDiff{Field: f, Kind: FieldStale, Cached: cv})
			}
		}
		res.Outcome = outcomeFor(res.Diffs)
	default:
		cm, err := toMap(cached)
		if err != nil {
			return res, fmt.Errorf("verify: flatten cached %s: %w", id.String(), err)
		}
		am, err := toMap(auth)
		if err != nil {
			return res, fmt.Errorf("verify: flatten authoritative %s: %w", id.String(), err)
		}
		res.Diffs = diffFields(cm, am, v.tracked)
		res.Outcome = outcomeFor(res.Diffs)
	}
	return res, nil
}

func outcomeFor(diffs []FieldDiff) Outcome {
	if len(diffs) == 0 {
		return OutcomeMatch
	}
	return OutcomeMismatch
}

// RunOptions tune a VerifyAndFixAll pass.
type RunOptions struct {
	ChunkSize int  // 0 => 100
	Fix       bool // repair misses/mismatches via authoritative reload

	// EntityIDs restricts the run to an explicit subset; nil means the
	// whole population.
	EntityIDs []int64

	// Sample stops the run after roughly this many entities (rounded up
	// to a chunk boundary). 0 means no cap.
	Sample int
}

// Report aggregates one verification run.
type Report struct {
	Total      int
	Matches    int
	Misses     int
	Mismatches int

	// Skipped counts entities inside the mutation grace period.
	Skipped int

	FixedByCategory map[string]int
	FixFailures     int
	FixedIDs        []int64

	// Errors counts entities whose verification itself failed; they are
	// excluded from the verdict counters.
	Errors int
}

func (r Report) Fixed() int {
	n := 0
	for _, c := range r.FixedByCategory {
		n += c
	}
	return n
}

// VerifyAndFixAll walks the population with keyset pagination and
// verifies each entity, optionally repairing divergence in the same
// pass. Per-entity failures are counted, never fatal to the run.
func (v *Verifier[V]) VerifyAndFixAll(ctx context.Context, opts RunOptions) (Report, error) {
	rep := Report{FixedByCategory: map[string]int{}}
	err := v.guarded(ctx, func(ctx context.Context) error {
		return v.run(ctx, opts, &rep)
	})
	return rep, err
}

func (v *Verifier[V]) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if v.locker == nil {
		return fn(ctx)
	}
	name := "verify/" + v.cache.Namespace() + "/" + v.cache.ValueName()
	release, ok, err := v.locker.Acquire(ctx, name, v.lockTTL)
	if err != nil {
		return fmt.Errorf("verify: acquire lock: %w", err)
	}
	if !ok {
		v.hooks.LockContention("verify", v.cache.Namespace())
		v.log.Info("verify lock held; skipping cycle", nil)
		return batch.ErrLockHeld
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			v.log.Warn("verify lock release failed", tiercache.Fields{"err": rerr})
		}
	}()
	return fn(ctx)
}

func (v *Verifier[V]) run(ctx context.Context, opts RunOptions, rep *Report) error {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}

	var affected map[int64]bool
	if v.fastPath != nil && v.fastPath.AffectedIDs != nil {
		var err error
		affected, err = v.fastPath.AffectedIDs(ctx)
		if err != nil {
			return fmt.Errorf("verify: affected-set load: %w", err)
		}
	}

	forEachChunk := func(entities []tiercache.Entity) error {
		if err := v.verifyChunk(ctx, entities, affected, opts.Fix, rep); err != nil {
			return err
		}
		v.hooks.JobProgress("verify", v.cache.Namespace(), rep.Total)
		return nil
	}

	if opts.EntityIDs != nil {
		for start := 0; start < len(opts.EntityIDs); start += chunkSize {
			end := start + chunkSize
			if end > len(opts.EntityIDs) {
				end = len(opts.EntityIDs)
			}
			entities, err := v.source.ListByIDs(ctx, opts.EntityIDs[start:end])
			if err != nil {
				return err
			}
			if err := forEachChunk(entities); err != nil {
				return err
			}
			if opts.Sample > 0 && rep.Total >= opts.Sample {
				return nil
			}
		}
		return nil
	}

	var afterID int64
	for {
		entities, err := v.source.ListAfter(ctx, afterID, chunkSize)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			return nil
		}
		if err := forEachChunk(entities); err != nil {
			return err
		}
		if opts.Sample > 0 && rep.Total >= opts.Sample {
			return nil
		}
		afterID = entities[len(entities)-1].ID
		if len(entities) < chunkSize {
			return nil
		}
	}
}

func (v *Verifier[V]) verifyChunk(ctx context.Context, entities []tiercache.Entity, affected map[int64]bool, fix bool, rep *Report) error {
	if len(entities) == 0 {
		return nil
	}

	authData, err := v.loadAuthoritative(ctx, entities, affected)
	if err != nil {
		// treat the whole chunk as errored and keep going
		v.log.Warn("authoritative chunk load failed", tiercache.Fields{"err": err})
		rep.Errors += len(entities)
		rep.Total += len(entities)
		return nil
	}

	tracked, err := v.trackedSet(ctx, entities)
	if err != nil {
		v.log.Warn("expiry tracked-check failed", tiercache.Fields{"err": err})
		tracked = nil // degrade: skip expiry repair this chunk
	}

	var recent map[int64]bool
	if fix && v.recentlyMut != nil {
		ids := make([]int64, len(entities))
		for i, e := range entities {
			ids[i] = e.ID
		}
		recent, err = v.recentlyMut(ctx, ids)
		if err != nil {
			v.log.Warn("recent-mutation check failed; skipping fixes this chunk",
				tiercache.Fields{"err": err})
			fix = false
		}
	}

	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Total++

		auth, hasAuth := v.authoritativeFor(e, authData, affected)
		res, err := v.VerifyEntity(ctx, e, auth, hasAuth)
		if err != nil {
			v.log.Warn("verification failed", tiercache.Fields{"id": e.ID, "err": err})
			rep.Errors++
			continue
		}

		id := e.Identifier(v.cache.TokenBased())
		switch res.Outcome {
		case OutcomeMatch:
			rep.Matches++
			// healthy entry with no expiry record: repair tracking so
			// the refresh job sees it before it silently expires. Miss
			// markers are deliberately untracked and excluded here.
			if fix && res.Cached && tracked != nil && !tracked[id.String()] {
				v.fixOne(ctx, id, fixExpiryMissing, rep)
			}
		case OutcomeMiss:
			rep.Misses++
			if fix {
				if recent[e.ID] {
					rep.Skipped++
					continue
				}
				v.fixOne(ctx, id, fixMiss, rep)
			}
		case OutcomeMismatch:
			rep.Mismatches++
			v.log.Info("cache mismatch", tiercache.Fields{
				"id": id.String(), "diffs": diffStrings(res.Diffs),
			})
			if fix {
				if recent[e.ID] {
					rep.Skipped++
					continue
				}
				v.fixOne(ctx, id, fixMismatch, rep)
			}
		}
	}
	return nil
}

// loadAuthoritative fetches the chunk's source-of-truth payloads. With a
// fast path configured, only affected entities hit the loader; the rest
// compare against the baseline.
func (v *Verifier[V]) loadAuthoritative(ctx context.Context, entities []tiercache.Entity, affected map[int64]bool) (map[int64]V, error) {
	if v.fastPath == nil {
		return v.batchLoad(ctx, entities)
	}
	if v.batchLoad == nil {
		return map[int64]V{}, nil
	}
	var need []tiercache.Entity
	for _, e := range entities {
		if affected[e.ID] {
			need = append(need, e)
		}
	}
	if len(need) == 0 {
		return map[int64]V{}, nil
	}
	return v.batchLoad(ctx, need)
}

func (v *Verifier[V]) authoritativeFor(e tiercache.Entity, authData map[int64]V, affected map[int64]bool) (V, bool) {
	if v.fastPath != nil && !affected[e.ID] {
		return v.fastPath.Baseline, true
	}
	val, ok := authData[e.ID]
	return val, ok
}

func (v *Verifier[V]) trackedSet(ctx context.Context, entities []tiercache.Entity) (map[string]bool, error) {
	exp := v.cache.Expiry()
	if exp == nil {
		return nil, nil
	}
	members := make([]string, len(entities))
	for i, e := range entities {
		members[i] = e.Identifier(v.cache.TokenBased()).String()
	}
	return exp.BatchTracked(ctx, members)
}

// fixOne repairs one entity via the cache's authoritative reload.
func (v *Verifier[V]) fixOne(ctx context.Context, id tiercache.Identifier, category string, rep *Report) {
	if !v.cache.Update(ctx, id) {
		rep.FixFailures++
		return
	}
	rep.FixedByCategory[category]++
	if n, ok := id.ID(); ok {
		rep.FixedIDs = append(rep.FixedIDs, n)
	}
	v.hooks.FixApplied(v.cache.Namespace(), category, 1)
}

func diffStrings(diffs []FieldDiff) []string {
	out := make([]string, len(diffs))
	for i, d := range diffs {
		out[i] = d.String()
	}
	return out
}

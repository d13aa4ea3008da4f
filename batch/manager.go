// Package batch orchestrates bulk cache operations over the full entity
// population: wholesale invalidation, warming with TTL jitter, proactive
// refresh of soon-to-expire entries and coverage statistics. Entities
// are iterated with keyset pagination so per-batch cost stays constant
// regardless of population size; the periodic jobs are guarded by a
// distributed lock so scheduled runs never overlap themselves.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/unkn0wn-root/tiercache"
	ft "github.com/unkn0wn-root/tiercache/fasttier"
	"github.com/unkn0wn-root/tiercache/lock"
)

// ErrLockHeld reports that another worker holds the job lock; the
// caller skips this cycle (no retry within the cycle).
var ErrLockHeld = errors.New("batch: job lock held, skipping cycle")

// EntitySource pages through the entity population. ListAfter must
// implement keyset (seek) pagination: id > afterID, ordered by id,
// capped at limit. Never offset pagination.
type EntitySource interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]tiercache.Entity, error)
	ListByIDs(ctx context.Context, ids []int64) ([]tiercache.Entity, error)
	Count(ctx context.Context) (int64, error)
}

// LoaderFunc loads authoritative payloads for a whole batch in one
// round trip (N+1 avoidance). Entities absent from the result map are
// authoritatively empty.
type LoaderFunc[V any] func(ctx context.Context, entities []tiercache.Entity) (map[int64]V, error)

// LiveFunc reports which of the given index members still correspond to
// live entities. Members are identifier strings in the cache's keyspace.
type LiveFunc func(ctx context.Context, members []string) (map[string]bool, error)

type Manager[V any] struct {
	cache     tiercache.Cache[V]
	fast      ft.Store
	source    EntitySource
	batchLoad LoaderFunc[V] // optional
	live      LiveFunc      // optional; required for CleanupExpiry
	locker    lock.Locker   // optional; jobs run unguarded when nil
	lockTTL   time.Duration
	log       tiercache.Logger
	hooks     tiercache.Hooks
}

type Config[V any] struct {
	Cache      tiercache.Cache[V]
	Fast       ft.Store
	Source     EntitySource
	BatchLoad  LoaderFunc[V]
	Live       LiveFunc
	Locker     lock.Locker
	LockTTL    time.Duration // 0 => 10m; keep below the scheduler period
	Logger     tiercache.Logger
	Hooks      tiercache.Hooks
}

func NewManager[V any](cfg Config[V]) (*Manager[V], error) {
	if cfg.Cache == nil || cfg.Fast == nil || cfg.Source == nil {
		return nil, fmt.Errorf("batch: cache, fast tier and entity source are required")
	}
	m := &Manager[V]{
		cache:     cfg.Cache,
		fast:      cfg.Fast,
		source:    cfg.Source,
		batchLoad: cfg.BatchLoad,
		live:      cfg.Live,
		locker:    cfg.Locker,
		lockTTL:   cfg.LockTTL,
		log:       cfg.Logger,
		hooks:     cfg.Hooks,
	}
	if m.lockTTL <= 0 {
		m.lockTTL = 10 * time.Minute
	}
	if m.log == nil {
		m.log = tiercache.NopLogger{}
	}
	if m.hooks == nil {
		m.hooks = tiercache.NopHooks{}
	}
	return m, nil
}

// lockName scopes a job lock to this cache type.
func (m *Manager[V]) lockName(job string) string {
	return job + "/" + m.cache.Namespace() + "/" + m.cache.ValueName()
}

// guarded runs fn under the distributed job lock.
func (m *Manager[V]) guarded(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	if m.locker == nil {
		return fn(ctx)
	}
	release, ok, err := m.locker.Acquire(ctx, m.lockName(job), m.lockTTL)
	if err != nil {
		return fmt.Errorf("batch: acquire %s lock: %w", job, err)
	}
	if !ok {
		m.hooks.LockContention(job, m.cache.Namespace())
		m.log.Info("job lock held; skipping cycle", tiercache.Fields{"job": job})
		return ErrLockHeld
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			m.log.Warn("job lock release failed", tiercache.Fields{"job": job, "err": rerr})
		}
	}()
	return fn(ctx)
}

// identifier converts an entity to this cache's key form.
func (m *Manager[V]) identifier(e tiercache.Entity) tiercache.Identifier {
	return e.Identifier(m.cache.TokenBased())
}

// memberIdentifier parses an expiry-index member back to an Identifier.
func (m *Manager[V]) memberIdentifier(member string) (tiercache.Identifier, error) {
	if m.cache.TokenBased() {
		return tiercache.ByToken(member), nil
	}
	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return tiercache.Identifier{}, fmt.Errorf("batch: bad index member %q: %w", member, err)
	}
	return tiercache.ByID(id), nil
}

// InvalidateAll deletes every fast-tier entry of this cache and drops
// the expiry index wholesale. Schema-migration tooling only; operator
// confirmation belongs upstream of this call.
func (m *Manager[V]) InvalidateAll(ctx context.Context) (int, error) {
	deleted := 0
	err := m.fast.Scan(ctx, m.cache.KeyPattern(), 500, func(keys []string) error {
		n, err := m.fast.Del(ctx, keys...)
		if err != nil {
			return err
		}
		deleted += int(n)
		return nil
	})
	if err != nil {
		return deleted, err
	}
	if exp := m.cache.Expiry(); exp != nil {
		if err := exp.Drop(ctx); err != nil {
			return deleted, err
		}
	}
	m.log.Info("invalidated all entries", tiercache.Fields{
		"namespace": m.cache.Namespace(), "value": m.cache.ValueName(), "deleted": deleted,
	})
	return deleted, nil
}

// WarmOptions tune a WarmAll run.
type WarmOptions struct {
	BatchSize       int  // 0 => 100
	InvalidateFirst bool // drop everything before warming

	// StaggerTTL gives each entry a uniformly random TTL in
	// [MinTTLDays, MaxTTLDays] so the population does not expire as a
	// thundering herd.
	StaggerTTL bool
	MinTTLDays int // 0 => 3
	MaxTTLDays int // 0 => 7

	// EntityIDs restricts the run to an explicit subset; nil warms all.
	EntityIDs []int64

	// OnBatchStart and OnProgress let the caller report status without
	// the manager depending on a UI.
	OnBatchStart func(batch int, entities []tiercache.Entity)
	OnProgress   func(processed, total int)
}

type WarmResult struct {
	Success int
	Failed  int
}

// WarmAll populates the cache for the whole entity population (or an
// explicit subset). Per-entity failures are counted and never abort the
// run.
func (m *Manager[V]) WarmAll(ctx context.Context, opts WarmOptions) (WarmResult, error) {
	var res WarmResult
	err := m.guarded(ctx, "warm", func(ctx context.Context) error {
		var err error
		res, err = m.warmAll(ctx, opts)
		return err
	})
	return res, err
}

func (m *Manager[V]) warmAll(ctx context.Context, opts WarmOptions) (WarmResult, error) {
	var res WarmResult

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	minDays := opts.MinTTLDays
	if minDays <= 0 {
		minDays = 3
	}
	maxDays := opts.MaxTTLDays
	if maxDays <= 0 {
		maxDays = 7
	}
	// a floor above the ceiling collapses the range to a fixed TTL
	// rather than feeding jitterTTL a negative span
	if maxDays < minDays {
		maxDays = minDays
	}

	if opts.InvalidateFirst {
		if _, err := m.InvalidateAll(ctx); err != nil {
			return res, err
		}
	}

	total := 0
	if opts.EntityIDs != nil {
		total = len(opts.EntityIDs)
	} else if n, err := m.source.Count(ctx); err == nil {
		total = int(n)
	}

	processed := 0
	batchNum := 0
	report := func() {
		m.hooks.JobProgress("warm", m.cache.Namespace(), processed)
		if opts.OnProgress != nil {
			opts.OnProgress(processed, total)
		}
	}
	forEachBatch := func(entities []tiercache.Entity) error {
		batchNum++
		if opts.OnBatchStart != nil {
			opts.OnBatchStart(batchNum, entities)
		}
		var batchData map[int64]V
		if m.batchLoad != nil {
			var err error
			batchData, err = m.batchLoad(ctx, entities)
			if err != nil {
				// the whole batch failed to load; count and continue
				m.log.Warn("batch load failed", tiercache.Fields{"batch": batchNum, "err": err})
				res.Failed += len(entities)
				processed += len(entities)
				report()
				return nil
			}
		}
		for _, e := range entities {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ttl time.Duration
			if opts.StaggerTTL {
				ttl = jitterTTL(minDays, maxDays)
			}
			if m.warmOne(ctx, e, batchData, ttl) {
				res.Success++
			} else {
				res.Failed++
			}
			processed++
		}
		report()
		return nil
	}

	if opts.EntityIDs != nil {
		for start := 0; start < len(opts.EntityIDs); start += batchSize {
			end := start + batchSize
			if end > len(opts.EntityIDs) {
				end = len(opts.EntityIDs)
			}
			entities, err := m.source.ListByIDs(ctx, opts.EntityIDs[start:end])
			if err != nil {
				return res, err
			}
			if err := forEachBatch(entities); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	var afterID int64
	for {
		entities, err := m.source.ListAfter(ctx, afterID, batchSize)
		if err != nil {
			return res, err
		}
		if len(entities) == 0 {
			return res, nil
		}
		if err := forEachBatch(entities); err != nil {
			return res, err
		}
		afterID = entities[len(entities)-1].ID
		if len(entities) < batchSize {
			return res, nil
		}
	}
}

func (m *Manager[V]) warmOne(ctx context.Context, e tiercache.Entity, batchData map[int64]V, ttl time.Duration) bool {
	id := m.identifier(e)
	if batchData != nil {
		v, ok := batchData[e.ID]
		if !ok {
			return m.setMiss(ctx, id)
		}
		if err := m.cache.Set(ctx, id, v, ttl); err != nil {
			m.log.Warn("warm set failed", tiercache.Fields{"id": id.String(), "err": err})
			return false
		}
		return true
	}
	return m.cache.UpdateTTL(ctx, id, ttl)
}

func (m *Manager[V]) setMiss(ctx context.Context, id tiercache.Identifier) bool {
	if err := m.cache.SetMiss(ctx, id); err != nil {
		m.log.Warn("warm miss-marker failed", tiercache.Fields{"id": id.String(), "err": err})
		return false
	}
	return true
}

// jitterTTL picks a uniform TTL within [minDays, maxDays], in seconds.
func jitterTTL(minDays, maxDays int) time.Duration {
	minS := minDays * 24 * 3600
	maxS := maxDays * 24 * 3600
	return time.Duration(minS+rand.Intn(maxS-minS+1)) * time.Second
}

// RefreshResult reports one proactive-refresh cycle.
type RefreshResult struct {
	Queried int
	Success int
	Failed  int
}

// RefreshExpiring refreshes entries the expiry index reports as
// expiring within the window, capped at limit per cycle. This is the
// body of the periodic refresh job; the scheduler that triggers it is
// external.
func (m *Manager[V]) RefreshExpiring(ctx context.Context, within time.Duration, limit int64) (RefreshResult, error) {
	var res RefreshResult
	err := m.guarded(ctx, "refresh", func(ctx context.Context) error {
		exp := m.cache.Expiry()
		if exp == nil {
			return fmt.Errorf("batch: expiry tracking disabled")
		}
		members, err := exp.ExpiringBefore(ctx, within, limit)
		if err != nil {
			return err
		}
		res.Queried = len(members)
		for _, member := range members {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := m.memberIdentifier(member)
			if err != nil {
				// unparseable member: drop it rather than retrying forever
				_ = exp.Remove(ctx, member)
				res.Failed++
				continue
			}
			if m.cache.Update(ctx, id) {
				res.Success++
			} else {
				res.Failed++
			}
		}
		m.hooks.JobProgress("refresh", m.cache.Namespace(), res.Queried)
		return nil
	})
	return res, err
}

// CleanupExpiry removes expiry records whose entities no longer exist.
// Periodic (daily-ish) reconciliation, never the request path.
func (m *Manager[V]) CleanupExpiry(ctx context.Context) (int, error) {
	if m.live == nil {
		return 0, fmt.Errorf("batch: no liveness source configured")
	}
	removed := 0
	err := m.guarded(ctx, "expiry_cleanup", func(ctx context.Context) error {
		exp := m.cache.Expiry()
		if exp == nil {
			return fmt.Errorf("batch: expiry tracking disabled")
		}
		var err error
		removed, err = exp.RemoveStale(ctx, 500, m.live)
		if err != nil {
			return err
		}
		m.hooks.JobProgress("expiry_cleanup", m.cache.Namespace(), removed)
		return nil
	})
	return removed, err
}

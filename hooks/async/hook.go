// Package asynchook decouples hook consumers from cache hot paths: every
// callback is queued and replayed by background workers, and the queue
// drops on overflow rather than blocking a read.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    HitEvery:      100, // sample: ~every 100th hit
//	    SelfHealEvery: 1,   // log every self-heal
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := tiercache.New[Config](tiercache.Options[Config]{
//	    ...
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	inner tiercache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(inner tiercache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) CacheHit(ns, value string, src tiercache.Source) {
	h.try(func() { h.inner.CacheHit(ns, value, src) })
}
func (h *Hooks) CacheMiss(ns, value string) { h.try(func() { h.inner.CacheMiss(ns, value) }) }
func (h *Hooks) SelfHeal(key, reason string) {
	h.try(func() { h.inner.SelfHeal(key, reason) })
}
func (h *Hooks) TierError(ns string, tier tiercache.Tier, op string, err error) {
	h.try(func() { h.inner.TierError(ns, tier, op, err) })
}
func (h *Hooks) SyncResult(ns string, ok bool, d time.Duration) {
	h.try(func() { h.inner.SyncResult(ns, ok, d) })
}
func (h *Hooks) FixApplied(ns, category string, n int) {
	h.try(func() { h.inner.FixApplied(ns, category, n) })
}
func (h *Hooks) JobProgress(job, ns string, processed int) {
	h.try(func() { h.inner.JobProgress(job, ns, processed) })
}
func (h *Hooks) LockContention(job, ns string) {
	h.try(func() { h.inner.LockContention(job, ns) })
}
func (h *Hooks) ExpiryTrackingError(ns string, err error) {
	h.try(func() { h.inner.ExpiryTrackingError(ns, err) })
}

package sloghooks

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Options struct {
	// Sampling to avoid floods on hot paths; 0/1 = log all.
	HitEvery      uint64
	SelfHealEvery uint64
	TierErrEvery  uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr      atomic.Uint64
	selfHealCtr atomic.Uint64
	tierErrCtr  atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(ns, value string, src tiercache.Source) {
	if h.l == nil || !sample(h.opts.HitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("tiercache.hit",
		"ns", ns,
		"value", value,
		"source", string(src))
}

func (h *Hooks) CacheMiss(ns, value string) {
	if h.l == nil {
		return
	}
	h.l.Debug("tiercache.miss",
		"ns", ns,
		"value", value)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	// storageKey is already hashed by the cache
	h.l.Debug("tiercache.self_heal",
		"key", storageKey,
		"reason", reason)
}

func (h *Hooks) TierError(ns string, tier tiercache.Tier, op string, err error) {
	if h.l == nil || !sample(h.opts.TierErrEvery, &h.tierErrCtr) {
		return
	}
	h.l.Warn("tiercache.tier_error",
		"ns", ns,
		"tier", string(tier),
		"op", op,
		"err", err)
}

func (h *Hooks) SyncResult(ns string, ok bool, d time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Debug("tiercache.sync",
		"ns", ns,
		"ok", ok,
		"ms", d.Milliseconds())
}

func (h *Hooks) FixApplied(ns, category string, n int) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.fix_applied",
		"ns", ns,
		"category", category,
		"count", n)
}

func (h *Hooks) JobProgress(job, ns string, processed int) {
	if h.l == nil {
		return
	}
	h.l.Debug("tiercache.job_progress",
		"job", job,
		"ns", ns,
		"processed", processed)
}

func (h *Hooks) LockContention(job, ns string) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.lock_contention",
		"job", job,
		"ns", ns)
}

func (h *Hooks) ExpiryTrackingError(ns string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.expiry_tracking_error",
		"ns", ns,
		"err", err)
}

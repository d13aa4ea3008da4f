package tiercache

import "time"

// Hooks is the fire-and-forget observability sink. Implementations MUST
// be cheap and non-blocking; the cache calls them on hot paths. Tier
// failures that the cache absorbs (per-tier write isolation, read
// fallthrough) surface only here and in logs.
type Hooks interface {
	// A read was served; source ∈ {local, fast, warm, db}.
	CacheHit(namespace, value string, source Source)

	// A read found nothing anywhere (authoritative miss).
	CacheMiss(namespace, value string)

	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHeal(storageKey, reason string)

	// A non-primary tier write or read failed and was absorbed.
	TierError(namespace string, tier Tier, op string, err error)

	// One Update (authoritative reload + write) finished.
	SyncResult(namespace string, ok bool, d time.Duration)

	// The verifier repaired entries; category ∈ {"miss", "mismatch",
	// "expiry_missing"}.
	FixApplied(namespace, category string, n int)

	// A batch job processed more entities; job ∈ {"warm", "verify",
	// "refresh", "expiry_cleanup"}.
	JobProgress(job, namespace string, processed int)

	// A periodic job skipped its cycle because the lock was held.
	LockContention(job, namespace string)

	// An expiry-index write failed (best-effort path).
	ExpiryTrackingError(namespace string, err error)
}

// NopHooks is the default no-op sink.
type NopHooks struct{}

func (NopHooks) CacheHit(string, string, Source)          {}
func (NopHooks) CacheMiss(string, string)                 {}
func (NopHooks) SelfHeal(string, string)                  {}
func (NopHooks) TierError(string, Tier, string, error)    {}
func (NopHooks) SyncResult(string, bool, time.Duration)   {}
func (NopHooks) FixApplied(string, string, int)           {}
func (NopHooks) JobProgress(string, string, int)          {}
func (NopHooks) LockContention(string, string)            {}
func (NopHooks) ExpiryTrackingError(string, error)        {}

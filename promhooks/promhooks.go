// Package promhooks exports cache activity as Prometheus metrics. One
// Hooks instance serves every cache wired to it; namespace and value
// arrive as labels, so a single registration covers the whole process.
package promhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	hitsTotal      *prometheus.CounterVec
	missesTotal    *prometheus.CounterVec
	selfHealsTotal *prometheus.CounterVec
	tierErrsTotal  *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	fixesTotal     *prometheus.CounterVec
	jobProcessed   *prometheus.GaugeVec
	lockSkipsTotal *prometheus.CounterVec
	expiryErrTotal *prometheus.CounterVec
}

var _ tiercache.Hooks = (*Hooks)(nil)

// New registers the metric set with the default registerer.
func New() *Hooks {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers against an explicit registerer; tests pass a fresh
// registry so parallel instances never collide.
func NewWith(reg prometheus.Registerer) *Hooks {
	factory := promauto.With(reg)
	return &Hooks{
		hitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "hits_total",
			Help:      "Reads served, by cache and tier.",
		}, []string{"namespace", "value", "source"}),
		missesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "misses_total",
			Help:      "Reads that found nothing anywhere.",
		}, []string{"namespace", "value"}),
		selfHealsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "self_heals_total",
			Help:      "Entries deleted on read, by reason.",
		}, []string{"reason"}),
		tierErrsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "tier_errors_total",
			Help:      "Absorbed tier failures, by tier and operation.",
		}, []string{"namespace", "tier", "op"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Name:      "sync_duration_seconds",
			Help:      "Authoritative reload latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "ok"}),
		fixesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "fixes_total",
			Help:      "Verifier repairs, by category.",
		}, []string{"namespace", "category"}),
		jobProcessed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Name:      "job_processed",
			Help:      "Entities processed by the current/last batch job run.",
		}, []string{"job", "namespace"}),
		lockSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "lock_skips_total",
			Help:      "Job cycles skipped because the lock was held.",
		}, []string{"job", "namespace"}),
		expiryErrTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "expiry_tracking_errors_total",
			Help:      "Failed expiry-index writes.",
		}, []string{"namespace"}),
	}
}

func (h *Hooks) CacheHit(ns, value string, src tiercache.Source) {
	h.hitsTotal.WithLabelValues(ns, value, string(src)).Inc()
}

func (h *Hooks) CacheMiss(ns, value string) {
	h.missesTotal.WithLabelValues(ns, value).Inc()
}

func (h *Hooks) SelfHeal(_, reason string) {
	h.selfHealsTotal.WithLabelValues(reason).Inc()
}

func (h *Hooks) TierError(ns string, tier tiercache.Tier, op string, _ error) {
	h.tierErrsTotal.WithLabelValues(ns, string(tier), op).Inc()
}

func (h *Hooks) SyncResult(ns string, ok bool, d time.Duration) {
	h.syncDuration.WithLabelValues(ns, boolLabel(ok)).Observe(d.Seconds())
}

func (h *Hooks) FixApplied(ns, category string, n int) {
	h.fixesTotal.WithLabelValues(ns, category).Add(float64(n))
}

func (h *Hooks) JobProgress(job, ns string, processed int) {
	h.jobProcessed.WithLabelValues(job, ns).Set(float64(processed))
}

func (h *Hooks) LockContention(job, ns string) {
	h.lockSkipsTotal.WithLabelValues(job, ns).Inc()
}

func (h *Hooks) ExpiryTrackingError(ns string, _ error) {
	h.expiryErrTotal.WithLabelValues(ns).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

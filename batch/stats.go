package batch

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

// sizeSampleCap bounds how many entries a Stats run sizes via the
// store's native introspection; sampling keeps the scan O(keys) in TTL
// lookups but constant in size probes.
const sizeSampleCap = 1000

// TTL histogram buckets, by remaining lifetime.
const (
	BucketExpired  = "expired"
	BucketHour     = "lte_1h"
	BucketDay      = "lte_24h"
	BucketWeek     = "lte_7d"
	BucketLater    = "later"
	BucketNoExpiry = "no_expiry"
)

type SizeSample struct {
	Sampled    int
	TotalBytes int64
	AvgBytes   int64
	MaxBytes   int64
}

type Stats struct {
	TotalCached     int64
	TotalEntities   int64
	CoveragePercent float64
	TTLHistogram    map[string]int64
	SizeSample      SizeSample
	ExpiryTracked   int64
}

// Stats scans this cache's fast-tier keys, bucketing entries by
// remaining TTL with pipelined lookups (one round trip per page, not
// one per key) and sampling up to sizeSampleCap entries for a memory
// estimate.
func (m *Manager[V]) Stats(ctx context.Context) (Stats, error) {
	st := Stats{TTLHistogram: map[string]int64{
		BucketExpired: 0, BucketHour: 0, BucketDay: 0, BucketWeek: 0, BucketLater: 0, BucketNoExpiry: 0,
	}}

	err := m.fast.Scan(ctx, m.cache.KeyPattern(), 500, func(keys []string) error {
		ttls, err := m.fast.TTLBatch(ctx, keys)
		if err != nil {
			return err
		}
		for i, r := range ttls {
			if !r.OK {
				// seen by the scan but gone at lookup time
				st.TTLHistogram[BucketExpired]++
				continue
			}
			st.TotalCached++
			st.TTLHistogram[bucketOf(r.TTL)]++

			if st.SizeSample.Sampled < sizeSampleCap {
				if n, ok, err := m.fast.MemoryUsage(ctx, keys[i]); err == nil && ok {
					st.SizeSample.Sampled++
					st.SizeSample.TotalBytes += n
					if n > st.SizeSample.MaxBytes {
						st.SizeSample.MaxBytes = n
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return st, err
	}

	if st.SizeSample.Sampled > 0 {
		st.SizeSample.AvgBytes = st.SizeSample.TotalBytes / int64(st.SizeSample.Sampled)
	}

	if n, err := m.source.Count(ctx); err == nil {
		st.TotalEntities = n
		if n > 0 {
			st.CoveragePercent = float64(st.TotalCached) / float64(n) * 100
		}
	} else {
		m.log.Warn("entity count failed", tiercache.Fields{"err": err})
	}

	if exp := m.cache.Expiry(); exp != nil {
		if n, err := exp.TrackedCount(ctx); err == nil {
			st.ExpiryTracked = n
		}
	}
	return st, nil
}

func bucketOf(ttl time.Duration) string {
	switch {
	case ttl == 0:
		return BucketNoExpiry
	case ttl <= time.Hour:
		return BucketHour
	case ttl <= 24*time.Hour:
		return BucketDay
	case ttl <= 7*24*time.Hour:
		return BucketWeek
	default:
		return BucketLater
	}
}

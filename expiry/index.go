// Package expiry maintains the sorted-set expiry index: a denormalized
// secondary index over the fast tier mapping entity identifier to the
// absolute expiry timestamp of its cache entry. It exists so a refresh
// job can ask "what expires within N hours" in O(log N + M) instead of
// scanning the keyspace. It can drift from the fast tier and is never
// the source of truth for whether data is cached; RemoveStale and the
// verifier's expiry-repair path heal it.
package expiry

import (
	"context"
	"math"
	"time"

	"github.com/unkn0wn-root/tiercache/fasttier"
)

// Index is one cache instance's expiry bookkeeping. Members are
// identifier strings in the same form the cache keys use (numeric ID or
// token, per the cache's keyspace).
type Index struct {
	fast fasttier.Store
	key  string
}

// New builds the index for one (keyspace, namespace, value) cache.
// keyspace is "ids" or "tokens".
func New(fast fasttier.Store, keyspace, namespace, value string) *Index {
	return &Index{
		fast: fast,
		key:  "cache-expiry/" + keyspace + "/" + namespace + "/" + value,
	}
}

// Key returns the sorted-set key (for ops tooling).
func (x *Index) Key() string { return x.key }

// Record upserts (member, now+ttl). Callers must not record miss-marker
// writes; a record exists only for real entries with a known TTL.
func (x *Index) Record(ctx context.Context, member string, ttl time.Duration) error {
	score := float64(time.Now().Add(ttl).Unix())
	return x.fast.ZAdd(ctx, x.key, member, score)
}

// Remove drops the member's record. Called on explicit clear, miss-marker
// writes and entity deletion.
func (x *Index) Remove(ctx context.Context, member string) error {
	_, err := x.fast.ZRem(ctx, x.key, member)
	return err
}

// ExpiringBefore returns up to limit members whose entries expire within
// the given window (including already-expired records), soonest first.
func (x *Index) ExpiringBefore(ctx context.Context, within time.Duration, limit int64) ([]string, error) {
	max := float64(time.Now().Add(within).Unix())
	return x.fast.ZRangeByScore(ctx, x.key, math.Inf(-1), max, limit)
}

// BatchTracked reports which members have a record, in one round trip.
// Used by the verifier to spot entries whose payload is fine but whose
// expiry bookkeeping is missing, a lower-severity issue than a miss.
func (x *Index) BatchTracked(ctx context.Context, members []string) (map[string]bool, error) {
	if len(members) == 0 {
		return map[string]bool{}, nil
	}
	scores, err := x.fast.ZMScore(ctx, x.key, members)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(members))
	for i, m := range members {
		out[m] = scores[i].OK
	}
	return out, nil
}

// TrackedCount returns the number of records.
func (x *Index) TrackedCount(ctx context.Context) (int64, error) {
	return x.fast.ZCard(ctx, x.key)
}

// Drop deletes the whole index (wholesale invalidation only).
func (x *Index) Drop(ctx context.Context) error {
	_, err := x.fast.Del(ctx, x.key)
	return err
}

// RemoveStale walks all records in chunks and removes members for which
// live reports false (the entity no longer exists). Meant for a periodic
// job, never the request path. Returns how many records were removed.
func (x *Index) RemoveStale(ctx context.Context, chunk int64, live func(ctx context.Context, members []string) (map[string]bool, error)) (int, error) {
	if chunk <= 0 {
		chunk = 500
	}
	removed := 0
	var offset int64
	for {
		members, err := x.fast.ZRange(ctx, x.key, offset, offset+chunk-1)
		if err != nil {
			return removed, err
		}
		if len(members) == 0 {
			return removed, nil
		}
		alive, err := live(ctx, members)
		if err != nil {
			return removed, err
		}
		var dead []string
		for _, m := range members {
			if !alive[m] {
				dead = append(dead, m)
			}
		}
		if len(dead) > 0 {
			n, err := x.fast.ZRem(ctx, x.key, dead...)
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		// removals shift ranks; advance only past survivors
		offset += int64(len(members) - len(dead))
		if int64(len(members)) < chunk {
			return removed, nil
		}
	}
}

// Package tiercache implements a multi-tier read-through/write-through
// cache for per-tenant configuration data, with out-of-band expiry
// tracking and drift verification.
//
// Reads walk a three-level chain: fast tier (Redis-like KV) -> warm tier
// (S3-like blob store) -> loader (source of truth), self-healing lower
// tiers on the way back up. An authoritative "nothing found" is cached as
// a short-TTL miss marker so repeated misses are re-checked on a bounded
// cadence instead of hammering the source of truth.
//
// Components:
//   - Cache[V]: the tiered store (Get/Set/Update/Clear/GetWithETag).
//   - expiry.Index: sorted-set index of entry expiry timestamps, enabling
//     "expiring within N hours" queries without scanning the keyspace.
//   - batch.Manager[V]: bulk invalidate/warm/stats over all entities.
//   - verify.Verifier[V]: cached-vs-authoritative drift detection and
//     bounded auto-repair.
//   - lock.Locker: distributed mutual exclusion for the periodic jobs.
//
// Keys (stable across services):
//
//	cache/{ids|tokens}/{identifier}/{namespace}/{value-name}
//	cache-expiry/{ids|tokens}/{namespace}/{value-name}   (sorted set)
//
// The fast-tier entry is a wire envelope carrying the payload, a kind
// byte (value vs miss marker) and the payload's ETag, so the payload and
// its ETag are written atomically and conditional reads can answer
// "not modified" without decoding the payload.
package tiercache

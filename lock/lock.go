// Package lock provides the distributed mutual exclusion guarding the
// periodic cache jobs (warm-all, verify-all, expiry cleanup). One lock
// per cache type; lock TTL must stay below the scheduler period so a
// crashed worker's lock expires before the next run, bounding a stuck
// job to at most one missed cycle. Request-path reads and writes take
// no locks: tiers are last-write-wins by design.
package lock

import (
	"context"
	"sync"
	"time"
)

// ReleaseFunc frees a held lock. Releasing an already-expired or
// re-acquired lock is a no-op.
type ReleaseFunc func(ctx context.Context) error

// Locker is the job-guard contract. ok=false signals contention: the
// caller skips this cycle without retrying.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release ReleaseFunc, ok bool, err error)
}

// Memory is an in-process Locker for tests and single-node setups.
type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	token map[string]uint64
	next  uint64
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), token: make(map[string]uint64)}
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.held[name]; ok && time.Now().Before(exp) {
		return nil, false, nil
	}
	m.next++
	tok := m.next
	m.held[name] = time.Now().Add(ttl)
	m.token[name] = tok

	release := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.token[name] == tok {
			delete(m.held, name)
			delete(m.token, name)
		}
		return nil
	}
	return release, true, nil
}

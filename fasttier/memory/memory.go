// Package memory is an in-process fasttier.Store used in tests and for
// single-node development. It implements TTLs, glob Scan and the
// sorted-set operations with plain maps under one mutex; it is not
// meant to back a production deployment.
package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	ft "github.com/unkn0wn-root/tiercache/fasttier"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Store struct {
	mu    sync.Mutex
	m     map[string]entry
	zsets map[string]map[string]float64
}

var _ ft.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		m:     make(map[string]entry),
		zsets: make(map[string]map[string]float64),
	}
}

func (s *Store) get(key string) ([]byte, bool) {
	e, ok := s.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.m, key)
		return nil, false
	}
	return e.v, true
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(key)
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = entry{v: value, exp: exp}
	s.mu.Unlock()
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		existed := false
		if _, ok := s.get(k); ok {
			existed = true
		}
		// DEL removes any key type, sorted sets included
		if _, ok := s.zsets[k]; ok {
			existed = true
		}
		delete(s.m, k)
		delete(s.zsets, k)
		if existed {
			n++
		}
	}
	return n, nil
}

func (s *Store) MGet(_ context.Context, keys []string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := s.get(k); ok {
			out[i] = v
		}
	}
	return out, nil
}

func (s *Store) ttl(key string) ft.TTLResult {
	e, ok := s.m[key]
	if !ok {
		return ft.TTLResult{}
	}
	if e.exp.IsZero() {
		return ft.TTLResult{OK: true}
	}
	d := time.Until(e.exp)
	if d <= 0 {
		delete(s.m, key)
		return ft.TTLResult{}
	}
	return ft.TTLResult{TTL: d, OK: true}
}

func (s *Store) TTL(_ context.Context, key string) (ft.TTLResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl(key), nil
}

func (s *Store) TTLBatch(_ context.Context, keys []string) ([]ft.TTLResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ft.TTLResult, len(keys))
	for i, k := range keys {
		out[i] = s.ttl(k)
	}
	return out, nil
}

// globRe compiles a redis-style glob to a regexp ('*' spans separators).
func globRe(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (s *Store) Scan(_ context.Context, pattern string, batch int64, fn func(keys []string) error) error {
	if batch <= 0 {
		batch = 100
	}
	re, err := globRe(pattern)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var matched []string
	for k := range s.m {
		if _, ok := s.get(k); !ok {
			continue
		}
		if re.MatchString(k) {
			matched = append(matched, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(matched) // deterministic pages for tests
	for len(matched) > 0 {
		n := int(batch)
		if n > len(matched) {
			n = len(matched)
		}
		if err := fn(matched[:n]); err != nil {
			return err
		}
		matched = matched[n:]
	}
	return nil
}

func (s *Store) MemoryUsage(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(key)
	if !ok {
		return 0, false, nil
	}
	return int64(len(key) + len(v)), true, nil
}

func (s *Store) zset(key string) map[string]float64 {
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	return z
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	s.zset(key)[member] = score
	s.mu.Unlock()
	return nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	return n, nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (ft.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.zsets[key][member]
	return ft.ScoreResult{Score: v, OK: ok}, nil
}

func (s *Store) ZMScore(_ context.Context, key string, members []string) ([]ft.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ft.ScoreResult, len(members))
	for i, m := range members {
		v, ok := s.zsets[key][m]
		out[i] = ft.ScoreResult{Score: v, OK: ok}
	}
	return out, nil
}

func (s *Store) sortedMembers(key string) []string {
	z := s.zsets[key]
	ms := make([]string, 0, len(z))
	for m := range z {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool {
		si, sj := z[ms[i]], z[ms[j]]
		if si != sj {
			return si < sj
		}
		return ms[i] < ms[j]
	})
	return ms
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	var out []string
	for _, m := range s.sortedMembers(key) {
		sc := z[m]
		if sc < min || sc > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.sortedMembers(key)
	n := int64(len(ms))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	return ms[start : stop+1], nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *Store) Close(context.Context) error { return nil }

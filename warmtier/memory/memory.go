// Package memory is an in-process warmtier.Store for tests.
package memory

import (
	"context"
	"sync"

	wt "github.com/unkn0wn-root/tiercache/warmtier"
)

type Store struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ wt.Store = (*Store)(nil)

func New() *Store { return &Store{m: make(map[string][]byte)} }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, _ map[string]string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

// Len reports stored object count (test helper).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

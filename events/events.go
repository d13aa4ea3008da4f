// Package events keeps the cache in step with entity mutation events.
// The cache's read path heals itself lazily; consuming mutation events
// closes the window where a changed entity would still serve its old
// payload until the TTL ran out.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/tiercache"
)

// Kind is the mutation type carried by an event.
type Kind string

const (
	// Updated: the entity's authoritative value changed (including being
	// created). The cached entry is re-loaded and rewritten.
	Updated Kind = "updated"
	// Deleted: the entity no longer exists. The cached entry is cleared
	// everywhere so the next read consults the source of truth.
	Deleted Kind = "deleted"
)

// Event is one entity mutation.
type Event struct {
	Entity tiercache.Entity
	Kind   Kind
}

type Config[V any] struct {
	Cache tiercache.Cache[V]

	// Workers is the number of concurrent event handlers. Ordering is
	// not preserved across workers; per-entity ordering matters only
	// when the same entity mutates faster than events drain, and the
	// periodic verify pass covers that residue. 0 => 4.
	Workers int

	Logger tiercache.Logger
	Hooks  tiercache.Hooks
}

// Consumer applies mutation events to one cache.
type Consumer[V any] struct {
	cache   tiercache.Cache[V]
	workers int
	log     tiercache.Logger
	hooks   tiercache.Hooks
}

func NewConsumer[V any](cfg Config[V]) (*Consumer[V], error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("events: cache is required")
	}
	c := &Consumer[V]{
		cache:   cfg.Cache,
		workers: cfg.Workers,
		log:     cfg.Logger,
		hooks:   cfg.Hooks,
	}
	if c.workers <= 0 {
		c.workers = 4
	}
	if c.log == nil {
		c.log = tiercache.NopLogger{}
	}
	if c.hooks == nil {
		c.hooks = tiercache.NopHooks{}
	}
	return c, nil
}

// Run consumes events until the channel closes or the context is
// cancelled. Event failures are logged, never fatal; the verify pass is
// the backstop for anything dropped here.
func (c *Consumer[V]) Run(ctx context.Context, events <-chan Event) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					c.Handle(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
}

// Handle applies a single event synchronously.
func (c *Consumer[V]) Handle(ctx context.Context, ev Event) {
	id := ev.Entity.Identifier(c.cache.TokenBased())
	switch ev.Kind {
	case Updated:
		if !c.cache.Update(ctx, id) {
			c.log.Warn("event update failed", tiercache.Fields{"id": id.String()})
		}
	case Deleted:
		if err := c.cache.Clear(ctx, id); err != nil {
			c.log.Warn("event clear failed", tiercache.Fields{"id": id.String(), "err": err})
		}
	default:
		c.log.Warn("unknown event kind", tiercache.Fields{"kind": string(ev.Kind)})
	}
}

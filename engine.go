package tiercache

import (
	"context"
	"errors"

	ft "github.com/unkn0wn-root/tiercache/fasttier"
	lt "github.com/unkn0wn-root/tiercache/localtier"
	wt "github.com/unkn0wn-root/tiercache/warmtier"
)

// Engine bundles the shared, process-lifetime resources every cache
// instance draws on: tier clients and the observability sinks. Construct
// one at process start, pass it to every component, close it on
// shutdown. Caches built from an engine never close these resources
// themselves.
type Engine struct {
	Fast   ft.Store
	Warm   wt.Store    // optional
	Local  lt.Provider // optional
	Logger Logger
	Hooks  Hooks
}

// NewFromEngine builds a Cache with the engine's tiers and sinks filled
// into any unset Options fields.
func NewFromEngine[V any](e *Engine, opts Options[V]) (Cache[V], error) {
	if opts.FastTier == nil {
		opts.FastTier = e.Fast
	}
	if opts.WarmTier == nil {
		opts.WarmTier = e.Warm
	}
	if opts.LocalTier == nil {
		opts.LocalTier = e.Local
	}
	if opts.Logger == nil {
		opts.Logger = e.Logger
	}
	if opts.Hooks == nil {
		opts.Hooks = e.Hooks
	}
	return New[V](opts)
}

// Close releases the engine's tiers. Call once, at process shutdown.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Local != nil {
		errs = append(errs, e.Local.Close(ctx))
	}
	if e.Warm != nil {
		errs = append(errs, e.Warm.Close(ctx))
	}
	if e.Fast != nil {
		errs = append(errs, e.Fast.Close(ctx))
	}
	return errors.Join(errs...)
}

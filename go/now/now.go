// Package now provides a context-scoped clock. Every part of the dispatcher
// that needs "the current time" — cache-entry timestamps, mtime staleness
// comparisons, checkout sentinel ages — reads it through now.Now(ctx)
// instead of calling time.Now() directly, so tests can pin the clock with
// now.Set and exercise staleness logic without sleeping on the wall clock.
package now

import (
	"context"
	"time"
)

type contextKey struct{}

// Now returns the current time, or the time installed in ctx by Set if one
// is present.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(contextKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// Set returns a new context that reports t for every subsequent Now(ctx)
// call. Used by tests that need deterministic control over staleness
// comparisons (e.g. "touch a file, advance the clock, assert the cache
// entry is now stale").
func Set(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// TimeTicker is the subset of time.Ticker, abstracted so tests can supply
// a channel they control instead of waiting on a real interval. The
// cache/checkout garbage collection does not use it; it ticks through
// cleanup.Repeat's own time.Ticker.
type TimeTicker interface {
	C() <-chan time.Time
	Stop()
}

// NewTimeTickerFunc constructs a TimeTicker for the given interval;
// NewTimeTicker is the real implementation and a test can substitute a
// fake that fires on demand.
type NewTimeTickerFunc func(d time.Duration) TimeTicker

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// NewTimeTicker is the production NewTimeTickerFunc, backed by time.Ticker.
func NewTimeTicker(d time.Duration) TimeTicker {
	return &realTicker{t: time.NewTicker(d)}
}

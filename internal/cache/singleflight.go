// Concurrent-miss coordination: at most one provider call is in flight per
// exact cache key; other concurrent requests subscribe to its result.
package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// FlightGroup deduplicates concurrent computations for the same cache key.
// It is a thin wrapper over golang.org/x/sync/singleflight — already a
// direct dependency of this module via errgroup — adding deadline-aware
// subscription so a caller never waits past its own remaining budget.
type FlightGroup struct {
	g singleflight.Group
}

// NewFlightGroup creates an empty FlightGroup.
func NewFlightGroup() *FlightGroup { return &FlightGroup{} }

// Do executes fn for key if no computation for key is in flight, or waits
// for (and returns) the in-flight computation's result otherwise. The wait
// is bounded by ctx: if ctx is done before the in-flight call completes, Do
// returns an error wrapping ctx.Err() without affecting the in-flight computation itself (it
// keeps running for whichever caller is still subscribed).
func (f *FlightGroup) Do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := f.g.DoChan(key, fn)

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: singleflight wait for %q: %w", key, ctx.Err())
	}
}

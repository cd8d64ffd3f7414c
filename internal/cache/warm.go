package cache

import (
	"context"
	"log/slog"
)

// WarmRequest is the minimal shape the warming job needs to push a prompt
// through the normal dispatch path. A concrete *pipeline.InferenceRequest is
// built from this by the caller (internal/app wiring) to avoid an import
// cycle between cache and pipeline.
type WarmRequest struct {
	Key   ExactKeyInput
	Text  string
	Model string
}

// Dispatch pushes one warming request through the full pipeline exactly as
// a normal request would be handled, under a system principal. Warming never
// bypasses safety filters or rate limits — it is the caller's responsibility
// to route through the same Dispatcher.Infer used for user traffic.
type Dispatch func(ctx context.Context, req WarmRequest) error

// Warmer drives a background cache-warming job over a batch of prompts.
type Warmer struct {
	dispatch Dispatch
	log      *slog.Logger
}

// NewWarmer creates a Warmer. log may be nil.
func NewWarmer(dispatch Dispatch, log *slog.Logger) *Warmer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Warmer{dispatch: dispatch, log: log}
}

// Warm runs every request in reqs through the dispatch function, continuing
// past individual failures (a single bad prompt must not abort the batch)
// and returning how many succeeded.
func (w *Warmer) Warm(ctx context.Context, reqs []WarmRequest) int {
	ok := 0
	for _, r := range reqs {
		if ctx.Err() != nil {
			w.log.Warn("cache warm: aborted by context cancellation", "completed", ok, "remaining", len(reqs)-ok)
			break
		}
		if err := w.dispatch(ctx, r); err != nil {
			w.log.Warn("cache warm: request failed", "model", r.Model, "error", err)
			continue
		}
		ok++
	}
	return ok
}

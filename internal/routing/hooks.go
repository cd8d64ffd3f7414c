package routing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stage identifies one of the four pipeline lifecycle points hooks observe.
type Stage string

const (
	StageRequestReceived  Stage = "on_request_received"
	StageRoutingDecision  Stage = "on_routing_decision"
	StageProviderResponse Stage = "on_provider_response"
	StageRequestCompleted Stage = "on_request_completed"
)

// defaultHookBudget bounds how long a single hook may run before it is
// treated as pass-through.
const defaultHookBudget = 20 * time.Millisecond

// Hook observes or rewrites the threaded value at a pipeline stage. Returning
// a non-nil value replaces what's threaded through; nil passes through
// unchanged.
type Hook struct {
	Priority int
	Stage    Stage
	Fn       func(ctx context.Context, value any) any
}

// HookRegistry holds ordered hooks per stage.
type HookRegistry struct {
	mu    sync.RWMutex
	log   *slog.Logger
	hooks map[Stage][]Hook
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[Stage][]Hook)}
}

// SetLogger attaches a logger used to report hooks that exceed their budget.
func (r *HookRegistry) SetLogger(log *slog.Logger) { r.log = log }

// Register adds h, keeping hooks for its stage sorted by ascending priority.
func (r *HookRegistry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[h.Stage] = append(r.hooks[h.Stage], h)
	sort.SliceStable(r.hooks[h.Stage], func(i, j int) bool {
		return r.hooks[h.Stage][i].Priority < r.hooks[h.Stage][j].Priority
	})
}

// Run executes every hook registered for stage, in priority order, threading
// value through each. A hook that blows its budget is logged at WARN and its
// result discarded (treated as pass-through).
func (r *HookRegistry) Run(ctx context.Context, stage Stage, value any) any {
	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks[stage]...)
	r.mu.RUnlock()

	for _, h := range hooks {
		result := make(chan any, 1)
		go func(fn func(context.Context, any) any) {
			result <- fn(ctx, value)
		}(h.Fn)

		select {
		case v := <-result:
			if v != nil {
				value = v
			}
		case <-time.After(defaultHookBudget):
			if r.log != nil {
				r.log.Warn("routing hook exceeded budget, passing through",
					"stage", stage, "budget", defaultHookBudget)
			}
		case <-ctx.Done():
			return value
		}
	}
	return value
}

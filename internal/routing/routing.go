// Package routing implements the gateway's model selection: a multi-step
// filter-then-sort pipeline over the model registry that produces a head
// candidate plus an ordered list of fallbacks, the same shape the teacher's
// buildCandidateList/DefaultFallbackOrder pair produced, generalized from a
// fixed provider list into a full candidate-narrowing pipeline driven by the
// registry and circuit breaker.
package routing

import (
	"context"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/circuit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

// Strategy selects the sort order applied to the surviving candidates.
type Strategy string

const (
	CapabilityFirst  Strategy = "capability_first"
	CostOptimized    Strategy = "cost_optimized"
	LatencyOptimized Strategy = "latency_optimized"
	QualityOptimized Strategy = "quality_optimized"
	ProviderPinned   Strategy = "provider_pinned"
)

// LatencyClass bounds the acceptable p99 for a candidate.
type LatencyClass string

const (
	Realtime    LatencyClass = "realtime"
	Interactive LatencyClass = "interactive"
	Batch       LatencyClass = "batch"
)

// Hint carries the caller's routing preferences for one request.
type Hint struct {
	RequiredCapabilities []string
	EstimatedInputTokens int
	MaxOutputTokens      int
	AllowedRegions       []string
	ExcludedProviders    []string
	LatencyClass         LatencyClass
	Strategy             Strategy
	PreferredProvider    string
	TaskType             string
	PreferredRegions     []string
}

// CandidateStats supplies the per-model performance data the strategy sorts
// on. In production these are sourced from the metrics registry's rolling
// windows; tests can supply them directly.
type CandidateStats struct {
	P50Millis          float64
	P99Millis          float64
	HasProvisioned     bool
	EffectiveCostPerMT float64
	QualityScores      map[string]float64
}

// StatsProvider resolves performance stats for a model.
type StatsProvider interface {
	Stats(modelID string) CandidateStats
}

// Decision is the result of Select: head is the chosen (model, region) pair,
// tail holds ordered fallbacks.
type Decision struct {
	Head      Candidate
	Tail      []Candidate
	ModelID   string
}

// Candidate is one routable (model, region) pair.
type Candidate struct {
	Model  registry.ModelDefinition
	Region string
}

// MaxFallbacks bounds the length of Decision.Tail.
const MaxFallbacks = 5

// Engine selects a RoutingDecision for a request.
type Engine struct {
	registry *registry.Registry
	breaker  *circuit.Breaker
	stats    StatsProvider
	hooks    *HookRegistry
}

// New creates a routing Engine.
func New(reg *registry.Registry, b *circuit.Breaker, stats StatsProvider) *Engine {
	return &Engine{registry: reg, breaker: b, stats: stats, hooks: NewHookRegistry()}
}

// Hooks exposes the engine's hook registry so callers can register
// on_routing_decision observers.
func (e *Engine) Hooks() *HookRegistry { return e.hooks }

// Select runs the 8-step filter/sort pipeline of the routing spec and
// returns a Decision, or a gatewayerr.NoCandidate error if nothing survives.
func (e *Engine) Select(ctx context.Context, hint Hint) (*Decision, error) {
	candidates := e.registry.All()

	candidates = filterCapabilities(candidates, hint.RequiredCapabilities)
	candidates = filterContextWindow(candidates, hint.EstimatedInputTokens, hint.MaxOutputTokens)
	candidates = filterResidency(candidates, hint.AllowedRegions, hint.ExcludedProviders)

	pairs := e.expandRegions(candidates, hint)
	pairs = e.filterOpenCircuits(pairs)
	pairs = e.filterLatencyClass(pairs, hint.LatencyClass)

	if hint.Strategy == ProviderPinned {
		pairs = filterPreferredProvider(pairs, hint.PreferredProvider)
	}
	if len(pairs) == 0 {
		return nil, gatewayerr.New(gatewayerr.NoCandidate, "no candidate model survived routing filters")
	}

	e.sortByStrategy(pairs, hint)

	dec := &Decision{Head: pairs[0], ModelID: pairs[0].Model.ID}
	tail := pairs[1:]
	if len(tail) > MaxFallbacks {
		tail = tail[:MaxFallbacks]
	}
	dec.Tail = tail

	e.hooks.Run(ctx, StageRoutingDecision, dec)
	return dec, nil
}

func filterCapabilities(in []registry.ModelDefinition, required []string) []registry.ModelDefinition {
	if len(required) == 0 {
		return in
	}
	out := in[:0:0]
	for _, m := range in {
		ok := true
		for _, c := range required {
			if !m.HasCapability(c) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

func filterContextWindow(in []registry.ModelDefinition, inputTokens, maxOutput int) []registry.ModelDefinition {
	need := inputTokens + maxOutput
	out := in[:0:0]
	for _, m := range in {
		if m.ContextWindow >= need {
			out = append(out, m)
		}
	}
	return out
}

func filterResidency(in []registry.ModelDefinition, allowedRegions, excludedProviders []string) []registry.ModelDefinition {
	excluded := toSet(excludedProviders)
	allowed := toSet(allowedRegions)
	out := in[:0:0]
	for _, m := range in {
		if _, bad := excluded[m.Provider]; bad {
			continue
		}
		if len(allowed) == 0 {
			out = append(out, m)
			continue
		}
		if _, ok := allowed[m.Region]; ok {
			out = append(out, m)
		}
	}
	return out
}

// expandRegions turns each surviving model into one Candidate per available
// region it supports (today the registry models one region per definition,
// but a model with multiple region-scoped entries sharing the same ID
// collapses to distinct candidates here).
func (e *Engine) expandRegions(in []registry.ModelDefinition, hint Hint) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, m := range in {
		out = append(out, Candidate{Model: m, Region: m.Region})
	}
	return out
}

func (e *Engine) filterOpenCircuits(in []Candidate) []Candidate {
	if e.breaker == nil {
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		k := circuit.Key{Provider: c.Model.Provider, Region: c.Region}
		if e.breaker.State(k) != circuit.Open {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) filterLatencyClass(in []Candidate, class LatencyClass) []Candidate {
	if e.stats == nil {
		return in
	}
	var limit float64
	switch class {
	case Realtime:
		limit = 2000
	case Interactive:
		limit = 5000
	default:
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		s := e.stats.Stats(c.Model.ID)
		if s.P99Millis == 0 || s.P99Millis < limit {
			out = append(out, c)
		}
	}
	return out
}

func filterPreferredProvider(in []Candidate, provider string) []Candidate {
	if provider == "" {
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		if c.Model.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) sortByStrategy(pairs []Candidate, hint Hint) {
	strategy := hint.Strategy
	if strategy == "" {
		strategy = CapabilityFirst
	}

	stats := func(id string) CandidateStats {
		if e.stats == nil {
			return CandidateStats{}
		}
		return e.stats.Stats(id)
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		sa, sb := stats(a.Model.ID), stats(b.Model.ID)

		switch strategy {
		case CostOptimized:
			if sa.EffectiveCostPerMT != sb.EffectiveCostPerMT {
				return sa.EffectiveCostPerMT < sb.EffectiveCostPerMT
			}
			if sa.P99Millis != sb.P99Millis {
				return sa.P99Millis < sb.P99Millis
			}
		case LatencyOptimized:
			if sa.P50Millis != sb.P50Millis {
				return sa.P50Millis < sb.P50Millis
			}
			if sa.EffectiveCostPerMT != sb.EffectiveCostPerMT {
				return sa.EffectiveCostPerMT < sb.EffectiveCostPerMT
			}
		case QualityOptimized:
			qa, qb := qualityFor(sa, hint.TaskType), qualityFor(sb, hint.TaskType)
			if qa != qb {
				return qa > qb
			}
			if sa.EffectiveCostPerMT != sb.EffectiveCostPerMT {
				return sa.EffectiveCostPerMT < sb.EffectiveCostPerMT
			}
		default: // CapabilityFirst, ProviderPinned
			if sa.HasProvisioned != sb.HasProvisioned {
				return sa.HasProvisioned
			}
			if sa.EffectiveCostPerMT != sb.EffectiveCostPerMT {
				return sa.EffectiveCostPerMT < sb.EffectiveCostPerMT
			}
		}
		return a.Model.ID < b.Model.ID // deterministic tie-break
	})

	if len(pairs) > 1 {
		pickRegion(pairs, e.breaker, hint.PreferredRegions)
	}
}

// pickRegion reorders each candidate's effective region according to
// preferred_regions, choosing the first CLOSED circuit.
func pickRegion(pairs []Candidate, b *circuit.Breaker, preferred []string) {
	if b == nil || len(preferred) == 0 {
		return
	}
	for i := range pairs {
		for _, region := range preferred {
			k := circuit.Key{Provider: pairs[i].Model.Provider, Region: region}
			if b.State(k) == circuit.Closed {
				pairs[i].Region = region
				break
			}
		}
	}
}

func qualityFor(s CandidateStats, taskType string) float64 {
	if s.QualityScores == nil {
		return 0.5
	}
	if v, ok := s.QualityScores[taskType]; ok {
		return v
	}
	return 0.5
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

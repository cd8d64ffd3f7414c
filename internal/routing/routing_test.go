package routing

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/circuit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

type fakeStats map[string]CandidateStats

func (f fakeStats) Stats(modelID string) CandidateStats { return f[modelID] }

func buildRegistry() *registry.Registry {
	r := registry.New()
	r.Reload([]registry.ModelDefinition{
		{ID: "cheap-model", Provider: "openai", Region: "us-east-1", Capabilities: []string{"chat"}, ContextWindow: 8000},
		{ID: "pricey-model", Provider: "anthropic", Region: "us-east-1", Capabilities: []string{"chat"}, ContextWindow: 8000},
		{ID: "small-context", Provider: "openai", Region: "us-east-1", Capabilities: []string{"chat"}, ContextWindow: 100},
		{ID: "euro-model", Provider: "mistral", Region: "eu-west-1", Capabilities: []string{"chat"}, ContextWindow: 8000},
	})
	return r
}

func TestSelectFiltersByContextWindow(t *testing.T) {
	reg := buildRegistry()
	e := New(reg, circuit.New(circuit.Config{}), nil)

	dec, err := e.Select(context.Background(), Hint{
		RequiredCapabilities: []string{"chat"},
		EstimatedInputTokens: 500,
		MaxOutputTokens:      500,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Head.Model.ID == "small-context" {
		t.Fatal("small-context model should have been filtered out")
	}
}

func TestSelectFiltersByResidency(t *testing.T) {
	reg := buildRegistry()
	e := New(reg, circuit.New(circuit.Config{}), nil)

	dec, err := e.Select(context.Background(), Hint{
		RequiredCapabilities: []string{"chat"},
		AllowedRegions:       []string{"eu-west-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Head.Region != "eu-west-1" {
		t.Fatalf("expected eu-west-1 candidate, got %s", dec.Head.Region)
	}
}

func TestSelectSkipsOpenCircuit(t *testing.T) {
	reg := buildRegistry()
	b := circuit.New(circuit.Config{ErrorThreshold: 1})
	b.RecordFailure(circuit.Key{Provider: "openai", Region: "us-east-1"}, gatewayerr.ProviderTransient)

	e := New(reg, b, nil)
	dec, err := e.Select(context.Background(), Hint{RequiredCapabilities: []string{"chat"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range append([]Candidate{dec.Head}, dec.Tail...) {
		if c.Model.Provider == "openai" && c.Region == "us-east-1" {
			t.Fatal("expected open-circuit candidate to be excluded")
		}
	}
}

func TestSelectCostOptimizedOrdering(t *testing.T) {
	reg := buildRegistry()
	stats := fakeStats{
		"cheap-model":  {EffectiveCostPerMT: 1.0},
		"pricey-model": {EffectiveCostPerMT: 10.0},
		"small-context": {EffectiveCostPerMT: 5.0},
	}
	e := New(reg, circuit.New(circuit.Config{}), stats)

	dec, err := e.Select(context.Background(), Hint{
		RequiredCapabilities: []string{"chat"},
		AllowedRegions:       []string{"us-east-1"},
		Strategy:             CostOptimized,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Head.Model.ID != "cheap-model" {
		t.Fatalf("expected cheap-model to win cost_optimized ordering, got %s", dec.Head.Model.ID)
	}
}

func TestSelectProviderPinnedErrorsWhenEmpty(t *testing.T) {
	reg := buildRegistry()
	e := New(reg, circuit.New(circuit.Config{}), nil)

	_, err := e.Select(context.Background(), Hint{
		RequiredCapabilities: []string{"chat"},
		Strategy:             ProviderPinned,
		PreferredProvider:    "does-not-exist",
	})
	if err == nil {
		t.Fatal("expected NoCandidate error for unmatched pinned provider")
	}
}

func TestSelectNoCandidateWhenCapabilityMissing(t *testing.T) {
	reg := buildRegistry()
	e := New(reg, circuit.New(circuit.Config{}), nil)

	_, err := e.Select(context.Background(), Hint{RequiredCapabilities: []string{"vision"}})
	if err == nil {
		t.Fatal("expected NoCandidate error")
	}
}

func TestSelectTailBoundedByMaxFallbacks(t *testing.T) {
	r := registry.New()
	defs := make([]registry.ModelDefinition, 0, 10)
	for i := 0; i < 10; i++ {
		defs = append(defs, registry.ModelDefinition{
			ID: string(rune('a' + i)), Provider: "openai", Region: "us-east-1",
			Capabilities: []string{"chat"}, ContextWindow: 8000,
		})
	}
	r.Reload(defs)
	e := New(r, circuit.New(circuit.Config{}), nil)

	dec, err := e.Select(context.Background(), Hint{RequiredCapabilities: []string{"chat"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dec.Tail) > MaxFallbacks {
		t.Fatalf("expected tail bounded to %d, got %d", MaxFallbacks, len(dec.Tail))
	}
}

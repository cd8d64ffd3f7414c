package cache

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

type fakeEmbedProvider struct {
	name string
	vec  []float32
}

func (p *fakeEmbedProvider) Name() string { return p.name }
func (p *fakeEmbedProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, nil
}
func (p *fakeEmbedProvider) HealthCheck(context.Context) error { return nil }
func (p *fakeEmbedProvider) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  []providers.EmbeddingData{{Index: 0, Embedding: p.vec}},
	}, nil
}

type fakeCredResolver struct{}

func (fakeCredResolver) Resolve(context.Context, string, string) (string, error) {
	return "test-key", nil
}

func TestNewProviderEmbedderRejectsUnknownModel(t *testing.T) {
	provs := map[string]providers.Provider{"openai": &fakeEmbedProvider{name: "openai"}}
	_, err := NewProviderEmbedder(provs, fakeCredResolver{}, "not-a-real-model")
	if err == nil {
		t.Fatal("expected error for unregistered embedding model")
	}
}

func TestNewProviderEmbedderRejectsUnconfiguredProvider(t *testing.T) {
	provs := map[string]providers.Provider{}
	_, err := NewProviderEmbedder(provs, fakeCredResolver{}, "text-embedding-3-small")
	if err == nil {
		t.Fatal("expected error when openai isn't configured")
	}
}

func TestProviderEmbedderEmbed(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai": &fakeEmbedProvider{name: "openai", vec: []float32{0.1, 0.2, 0.3}},
	}
	e, err := NewProviderEmbedder(provs, fakeCredResolver{}, "text-embedding-3-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("unexpected embedding: %v", vec)
	}
}

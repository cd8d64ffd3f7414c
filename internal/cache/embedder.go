package cache

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// ProviderEmbedder implements Embedder by routing to one of the already-
// configured LLM providers' embeddings API, the same way dispatchEmbeddings
// picks a provider for POST /v1/embeddings: look up providers.EmbeddingModelAliases
// for the configured model, require that provider to implement
// providers.EmbeddingProvider, and credential-resolve its API key.
type ProviderEmbedder struct {
	provs      map[string]providers.Provider
	credential CredentialResolver
	model      string
}

// CredentialResolver resolves a provider API key for the semantic cache's
// own embedding calls. Satisfied by credential.Resolver's Resolve method.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider, principal string) (string, error)
}

// NewProviderEmbedder builds a ProviderEmbedder for model, e.g.
// "text-embedding-3-small". Returns an error if no provider is registered
// for that model or the registered provider doesn't support embeddings.
func NewProviderEmbedder(provs map[string]providers.Provider, cred CredentialResolver, model string) (*ProviderEmbedder, error) {
	name, ok := providers.EmbeddingModelAliases[model]
	if !ok {
		return nil, fmt.Errorf("semantic cache: no provider registered for embedding model %q", model)
	}
	prov, ok := provs[name]
	if !ok {
		return nil, fmt.Errorf("semantic cache: embedding provider %q not configured", name)
	}
	if _, ok := prov.(providers.EmbeddingProvider); !ok {
		return nil, fmt.Errorf("semantic cache: provider %q does not support embeddings", name)
	}
	return &ProviderEmbedder{provs: provs, credential: cred, model: model}, nil
}

// Embed satisfies Embedder by calling the resolved provider's Embed method
// with a single-element input batch and returning its first (only) vector.
func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	name := providers.EmbeddingModelAliases[e.model]
	prov := e.provs[name].(providers.EmbeddingProvider)

	apiKey, err := e.credential.Resolve(ctx, name, "")
	if err != nil {
		return nil, fmt.Errorf("semantic cache: resolve credential for %q: %w", name, err)
	}

	resp, err := prov.Embed(ctx, &providers.EmbeddingRequest{
		Input:  []string{text},
		Model:  e.model,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic cache: embed via %q: %w", name, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("semantic cache: %q returned no embedding data", name)
	}
	return resp.Data[0].Embedding, nil
}

// Semantic (embedding-based) cache layer: a lookup matches when the cosine
// similarity of the query embedding to a stored entry is at least the
// category's threshold, rather than requiring byte-identical prompts.
package cache

import (
	"context"
	"math"
	"time"
)

// Category is the task-type bucket used to pick a similarity threshold.
type Category string

const (
	CategoryFactualQA        Category = "factual_qa"
	CategoryCodeGeneration   Category = "code_generation"
	CategorySummarization    Category = "summarization"
	CategoryCreativeWriting  Category = "creative_writing"
	CategoryDefault          Category = "default"
)

// thresholds maps a category to its minimum cosine similarity for a hit.
var thresholds = map[Category]float32{
	CategoryFactualQA:       0.92,
	CategoryCodeGeneration:  0.88,
	CategorySummarization:   0.85,
	CategoryCreativeWriting: 0.75,
	CategoryDefault:         0.85,
}

// Threshold returns the similarity threshold configured for category,
// falling back to the default threshold for an unrecognized category.
func Threshold(category Category) float32 {
	if t, ok := thresholds[category]; ok {
		return t
	}
	return thresholds[CategoryDefault]
}

// SemanticEntry is one stored (embedding, response) pair.
type SemanticEntry struct {
	Key       string
	Embedding []float32
	Response  []byte
	Category  Category
	CreatedAt time.Time
}

// Embedder produces an embedding vector for text, using a configured
// embedding model distinct from the inference models themselves.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the persistence/search backend for the semantic layer.
// The Qdrant-backed implementation (qdrant.go) and the in-process brute-force
// implementation (semantic_memory.go) both satisfy it, mirroring the
// Redis/Memory duality of the exact cache.
type VectorStore interface {
	Upsert(ctx context.Context, entry SemanticEntry) error
	Search(ctx context.Context, embedding []float32, category Category, topK int) ([]SemanticEntry, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// SemanticCache composes an Embedder with a VectorStore to provide
// similarity-based lookups on top of the exact cache.
type SemanticCache struct {
	embedder Embedder
	store    VectorStore
}

// NewSemanticCache builds a SemanticCache.
func NewSemanticCache(embedder Embedder, store VectorStore) *SemanticCache {
	return &SemanticCache{embedder: embedder, store: store}
}

// MaxEmbedTokens is the token limit for text sent to the embedding model.
// Lookup and Store do not apply it: text reaches the Embedder untruncated.
const MaxEmbedTokens = 8000

// Lookup embeds text and searches for a similar cached entry in category.
// Ties (equal similarity) are resolved by most recent CreatedAt.
func (s *SemanticCache) Lookup(ctx context.Context, text string, category Category) (*SemanticEntry, bool, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, false, err
	}

	candidates, err := s.store.Search(ctx, vec, category, 5)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	threshold := Threshold(category)
	best := (*SemanticEntry)(nil)
	bestSim := float32(-1)
	for i := range candidates {
		sim := cosineSimilarity(vec, candidates[i].Embedding)
		if sim < threshold {
			continue
		}
		if best == nil || sim > bestSim ||
			(sim == bestSim && candidates[i].CreatedAt.After(best.CreatedAt)) {
			best = &candidates[i]
			bestSim = sim
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// Store embeds text and persists (key, response) under category.
func (s *SemanticCache) Store(ctx context.Context, key, text string, response []byte, category Category) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	return s.store.Upsert(ctx, SemanticEntry{
		Key:       key,
		Embedding: vec,
		Response:  response,
		Category:  category,
		CreatedAt: time.Now(),
	})
}

// Invalidate removes every entry whose key has the given prefix (e.g. a
// model_id or agent_did), matching the exact cache's invalidation contract.
func (s *SemanticCache) Invalidate(ctx context.Context, prefix string) error {
	return s.store.DeletePrefix(ctx, prefix)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore is the persistent VectorStore backend for the semantic cache,
// used whenever a Qdrant endpoint is configured (falls back to
// MemorySemanticStore otherwise, the same two-backend shape as the exact
// cache's Redis/Memory pair).
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore connects to a Qdrant instance and ensures the target
// collection exists with the given vector dimensionality.
func NewQdrantStore(ctx context.Context, host string, port int, apiKey, collection string, dims uint64) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant: check collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dims,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: create collection: %w", err)
		}
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

func (q *QdrantStore) Upsert(ctx context.Context, entry SemanticEntry) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(entry.Key)).String()),
				Vectors: qdrant.NewVectors(entry.Embedding...),
				Payload: qdrant.NewValueMap(map[string]any{
					"key":        entry.Key,
					"response":   string(entry.Response),
					"category":   string(entry.Category),
					"created_at": entry.CreatedAt.Unix(),
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

func (q *QdrantStore) Search(ctx context.Context, embedding []float32, category Category, topK int) ([]SemanticEntry, error) {
	limit := uint64(topK)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("category", string(category)),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query: %w", err)
	}

	out := make([]SemanticEntry, 0, len(result))
	for _, p := range result {
		out = append(out, payloadToEntry(p))
	}
	return out, nil
}

func (q *QdrantStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchText("key", prefix),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete prefix %q: %w", prefix, err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}

func payloadToEntry(p *qdrant.ScoredPoint) SemanticEntry {
	payload := p.GetPayload()
	entry := SemanticEntry{}
	if v, ok := payload["key"]; ok {
		entry.Key = v.GetStringValue()
	}
	if v, ok := payload["response"]; ok {
		entry.Response = []byte(v.GetStringValue())
	}
	if v, ok := payload["category"]; ok {
		entry.Category = Category(v.GetStringValue())
	}
	if v, ok := payload["created_at"]; ok {
		entry.CreatedAt = time.Unix(v.GetIntegerValue(), 0)
	}
	if vecs := p.GetVectors(); vecs != nil {
		if dense := vecs.GetVector(); dense != nil {
			entry.Embedding = dense.GetData()
		}
	}
	return entry
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func TestSemanticCacheHitAboveThreshold(t *testing.T) {
	store := NewMemorySemanticStore()
	ctx := context.Background()

	_ = store.Upsert(ctx, SemanticEntry{
		Key:       "k1",
		Embedding: []float32{1, 0, 0},
		Response:  []byte(`{"ok":true}`),
		Category:  CategoryFactualQA,
		CreatedAt: time.Now(),
	})

	sc := NewSemanticCache(fakeEmbedder{vec: []float32{1, 0, 0}}, store)
	entry, hit, err := sc.Lookup(ctx, "what is the capital of France?", CategoryFactualQA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Fatal("expected identical embeddings to hit")
	}
	if entry.Key != "k1" {
		t.Fatalf("expected k1, got %s", entry.Key)
	}
}

func TestSemanticCacheMissBelowThreshold(t *testing.T) {
	store := NewMemorySemanticStore()
	ctx := context.Background()

	_ = store.Upsert(ctx, SemanticEntry{
		Key:       "k1",
		Embedding: []float32{1, 0, 0},
		Category:  CategoryFactualQA,
		CreatedAt: time.Now(),
	})

	sc := NewSemanticCache(fakeEmbedder{vec: []float32{0, 1, 0}}, store)
	_, hit, err := sc.Lookup(ctx, "unrelated text", CategoryFactualQA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatal("expected orthogonal embeddings to miss")
	}
}

func TestSemanticCachePropagatesEmbedError(t *testing.T) {
	store := NewMemorySemanticStore()
	sc := NewSemanticCache(fakeEmbedder{err: errors.New("embedding service down")}, store)

	_, _, err := sc.Lookup(context.Background(), "text", CategoryDefault)
	if err == nil {
		t.Fatal("expected embed error to propagate")
	}
}

func TestThresholdDefaultsForUnknownCategory(t *testing.T) {
	if got := Threshold("made_up_category"); got != thresholds[CategoryDefault] {
		t.Fatalf("expected default threshold, got %f", got)
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	store := NewMemorySemanticStore()
	ctx := context.Background()
	_ = store.Upsert(ctx, SemanticEntry{Key: "model:gpt-4o:abc", Category: CategoryDefault})
	_ = store.Upsert(ctx, SemanticEntry{Key: "model:claude:xyz", Category: CategoryDefault})

	sc := NewSemanticCache(fakeEmbedder{}, store)
	if err := sc.Invalidate(ctx, "model:gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", store.Len())
	}
}

func TestFlightGroupCollapsesConcurrentCalls(t *testing.T) {
	fg := NewFlightGroup()
	calls := 0
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	fn := func() (any, error) {
		<-mu
		calls++
		mu <- struct{}{}
		time.Sleep(10 * time.Millisecond)
		return "result", nil
	}

	results := make(chan any, 2)
	go func() {
		v, _ := fg.Do(context.Background(), "same-key", fn)
		results <- v
	}()
	go func() {
		time.Sleep(time.Millisecond)
		v, _ := fg.Do(context.Background(), "same-key", fn)
		results <- v
	}()

	r1 := <-results
	r2 := <-results
	if r1 != "result" || r2 != "result" {
		t.Fatalf("expected both callers to get the shared result, got %v %v", r1, r2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 underlying call, got %d", calls)
	}
}

func TestFlightGroupRespectsContextDeadline(t *testing.T) {
	fg := NewFlightGroup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := fg.Do(ctx, "slow-key", func() (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestWarmerContinuesPastFailures(t *testing.T) {
	var dispatched []string
	w := NewWarmer(func(_ context.Context, req WarmRequest) error {
		dispatched = append(dispatched, req.Model)
		if req.Model == "bad-model" {
			return errors.New("dispatch failed")
		}
		return nil
	}, nil)

	ok := w.Warm(context.Background(), []WarmRequest{
		{Model: "good-1"},
		{Model: "bad-model"},
		{Model: "good-2"},
	})
	if ok != 2 {
		t.Fatalf("expected 2 successes, got %d", ok)
	}
	if len(dispatched) != 3 {
		t.Fatalf("expected all 3 requests attempted, got %d", len(dispatched))
	}
}

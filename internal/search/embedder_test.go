package search

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text))}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, model, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestQueryEmbedder_Caches(t *testing.T) {
	inner := &countingEmbedder{}
	q := NewQueryEmbedder(inner, "nomic-embed-text", 16, time.Minute)
	ctx := context.Background()

	for _, text := range []string{"Lease", "lease ", "LEASE"} {
		if _, err := q.Embed(ctx, text); err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("engine called %d times, want 1", inner.calls)
	}
}

func TestQueryEmbedder_NoCacheAndErrors(t *testing.T) {
	inner := &countingEmbedder{}
	q := NewQueryEmbedder(inner, "m", 0, 0)
	q.Embed(context.Background(), "a")
	q.Embed(context.Background(), "a")
	if inner.calls != 2 {
		t.Errorf("engine called %d times, want 2 without cache", inner.calls)
	}

	inner.err = errors.New("down")
	q = NewQueryEmbedder(inner, "m", 4, time.Minute)
	if _, err := q.Embed(context.Background(), "b"); err == nil {
		t.Fatal("expected error")
	}
}

package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/docket/internal/engine"
	"github.com/kalambet/docket/internal/metrics"
)

// QueryEmbedder embeds search queries with the document embedding model,
// caching vectors for repeated queries.
type QueryEmbedder struct {
	embed engine.Embedder
	model string
	cache *expirable.LRU[string, []float32]
}

// NewQueryEmbedder creates a QueryEmbedder. A zero size disables caching.
func NewQueryEmbedder(e engine.Embedder, model string, size int, ttl time.Duration) *QueryEmbedder {
	q := &QueryEmbedder{embed: e, model: model}
	if size > 0 {
		q.cache = expirable.NewLRU[string, []float32](size, nil, ttl)
	}
	return q
}

// Embed returns the vector for text. Queries differing only in case or
// surrounding space share a cache entry.
func (q *QueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if q.cache != nil {
		if v, ok := q.cache.Get(key); ok {
			metrics.CacheHits.WithLabelValues("query_embedding").Inc()
			return v, nil
		}
		metrics.CacheMisses.WithLabelValues("query_embedding").Inc()
	}

	vec, err := q.embed.Embed(ctx, q.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding query: empty vector")
	}
	if q.cache != nil {
		q.cache.Add(key, vec)
	}
	return vec, nil
}

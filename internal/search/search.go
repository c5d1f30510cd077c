// Package search answers lexical, semantic and combined queries over the
// document index.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/docket/internal/metrics"
	"github.com/kalambet/docket/internal/storage"
)

var (
	// ErrEmptyQuery is returned for a query with no searchable text.
	ErrEmptyQuery = errors.New("empty search query")
	// ErrInvalidMode is returned for an unknown search mode.
	ErrInvalidMode = errors.New("invalid search mode")
)

// Mode selects the retrievers a query runs.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeCombined Mode = "combined"
)

// ParseMode parses a mode name. The empty string means combined.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCombined, nil
	case ModeLexical, ModeSemantic, ModeCombined:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Filters narrow results after ranking. Zero values match everything.
type Filters struct {
	DocumentType string
	From         time.Time
	To           time.Time
}

// Query is one search request.
type Query struct {
	Text    string
	OwnerID string
	Mode    Mode
	Filters Filters
	Limit   int
}

// Result is one matching document.
type Result struct {
	DocumentID    string    `json:"document_id"`
	Filename      string    `json:"filename"`
	DocumentType  string    `json:"document_type,omitempty"`
	ChunkID       string    `json:"chunk_id,omitempty"`
	Snippet       string    `json:"snippet,omitempty"`
	Rank          int       `json:"rank"`
	LexicalScore  float64   `json:"lexical_score,omitempty"`
	SemanticScore float32   `json:"semantic_score,omitempty"`
	MatchedBy     []Mode    `json:"matched_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Index is the search index and document metadata. Implemented by
// *storage.Store.
type Index interface {
	LexicalSearch(ctx context.Context, ownerID, match string, limit int) ([]storage.LexicalHit, error)
	SemanticSearch(ctx context.Context, ownerID string, vector []float32, threshold float32, limit int) ([]storage.SemanticHit, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]storage.Document, error)
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes ranking and result sizes.
type Config struct {
	// Threshold is the minimum cosine similarity for semantic hits.
	Threshold float32
	// MaxResults caps each retriever's ranked list, within the querying
	// owner's documents, before the remaining filters.
	MaxResults int
	// DefaultLimit applies when a query sets no limit.
	DefaultLimit int
}

const (
	DefaultThreshold    = 0.6
	DefaultMaxResults   = 200
	DefaultResultsLimit = 20
)

// Engine runs queries.
type Engine struct {
	index    Index
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates an Engine. embedder may be nil, in which case only lexical
// search works.
func New(index Index, embedder Embedder, cfg Config) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultResultsLimit
	}
	return &Engine{
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default().With("component", "search"),
	}
}

// Search ranks the index against q. In combined mode a failed query
// embedding degrades to lexical results with a warning; in semantic mode it
// is an error.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	mode := q.Mode
	if mode == "" {
		mode = ModeCombined
	}
	results, err := e.search(ctx, mode, q)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchRequests.WithLabelValues(string(mode), status).Inc()
	metrics.SearchDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return results, err
}

func (e *Engine) search(ctx context.Context, mode Mode, q Query) ([]Result, error) {
	if mode != ModeLexical && mode != ModeSemantic && mode != ModeCombined {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	var (
		lex []storage.LexicalHit
		sem []storage.SemanticHit
		err error
	)
	if mode != ModeSemantic {
		match := MatchExpression(text)
		if match == "" && mode == ModeLexical {
			return nil, ErrEmptyQuery
		}
		if match != "" {
			if lex, err = e.index.LexicalSearch(ctx, q.OwnerID, match, e.cfg.MaxResults); err != nil {
				return nil, fmt.Errorf("lexical search: %w", err)
			}
		}
	}
	if mode != ModeLexical {
		sem, err = e.semantic(ctx, q.OwnerID, text)
		if err != nil {
			if mode == ModeSemantic {
				return nil, err
			}
			e.logger.Warn("semantic search unavailable, using lexical results only", "error", err)
			sem = nil
		}
	}

	ids := make([]string, 0, len(lex)+len(sem))
	for _, h := range lex {
		ids = append(ids, h.DocumentID)
	}
	for _, h := range sem {
		ids = append(ids, h.DocumentID)
	}
	docs, err := e.index.GetDocuments(ctx, dedupe(ids))
	if err != nil {
		return nil, fmt.Errorf("loading result documents: %w", err)
	}
	created := make(map[string]time.Time, len(docs))
	for id, d := range docs {
		created[id] = d.CreatedAt
	}

	ranked := merge(lex, sem, created)
	results := make([]Result, 0, min(limit, len(ranked)))
	for _, c := range ranked {
		d, ok := docs[c.documentID]
		if !ok || !keep(d, q) {
			continue
		}
		results = append(results, toResult(c, d))
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (e *Engine) semantic(ctx context.Context, ownerID, text string) ([]storage.SemanticHit, error) {
	if e.embedder == nil {
		return nil, errors.New("no query embedder configured")
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.SemanticSearch(ctx, ownerID, vec, e.cfg.Threshold, e.cfg.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return hits, nil
}

// keep applies the post-ranking filters. Only completed documents are
// visible.
func keep(d storage.Document, q Query) bool {
	if d.Status != storage.StatusCompleted {
		return false
	}
	if q.OwnerID != "" && d.OwnerID != q.OwnerID {
		return false
	}
	f := q.Filters
	if f.DocumentType != "" && !strings.EqualFold(d.DocumentType, f.DocumentType) {
		return false
	}
	if !f.From.IsZero() && d.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && d.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func toResult(c *candidate, d storage.Document) Result {
	r := Result{
		DocumentID:    d.ID,
		Filename:      d.Filename,
		DocumentType:  d.DocumentType,
		ChunkID:       c.chunkID,
		Snippet:       c.snippet,
		Rank:          c.rank,
		LexicalScore:  c.lexical,
		SemanticScore: c.semantic,
		CreatedAt:     d.CreatedAt,
	}
	if c.lexRank > 0 {
		r.MatchedBy = append(r.MatchedBy, ModeLexical)
	}
	if c.semRank > 0 {
		r.MatchedBy = append(r.MatchedBy, ModeSemantic)
	}
	return r
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

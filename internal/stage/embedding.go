package stage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docket/internal/engine"
)

// EmbeddingName is the embedding stage name.
const EmbeddingName = "embedding"

// EmbeddingConfig controls chunking and concurrency of the embedding stage.
type EmbeddingConfig struct {
	Model        string
	ChunkSize    int
	ChunkOverlap int
	MaxChunks    int
	BatchSize    int
	Concurrency  int
}

func (c EmbeddingConfig) withDefaults() EmbeddingConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1200
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 0
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 512
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Embedder chunks the extracted text and embeds every chunk.
type Embedder struct {
	embed  engine.Embedder
	cfg    EmbeddingConfig
	logger *slog.Logger
}

// NewEmbedder creates the embedding executor.
func NewEmbedder(embed engine.Embedder, cfg EmbeddingConfig) *Embedder {
	return &Embedder{
		embed:  embed,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "stage.embedding"),
	}
}

func (e *Embedder) Name() string { return EmbeddingName }

func (e *Embedder) Run(ctx context.Context, w *Work, report Reporter) error {
	text, err := inputText(w, EmbeddingName)
	if err != nil {
		return err
	}

	spans := Split(text, e.cfg.ChunkSize, e.cfg.ChunkOverlap)
	if len(spans) > e.cfg.MaxChunks {
		return fail(EmbeddingName, ErrInputTooLarge, "%d chunks exceeds limit of %d", len(spans), e.cfg.MaxChunks)
	}
	progress(report, 0, fmt.Sprintf("embedding %d chunks", len(spans)))

	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = Chunk{Index: i, Start: s.Start, End: s.End, Text: s.Text}
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for lo := 0; lo < len(chunks); lo += e.cfg.BatchSize {
		hi := min(lo+e.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, hi-lo)
			for _, c := range chunks[lo:hi] {
				texts = append(texts, c.Text)
			}
			vecs, err := e.embed.EmbedBatch(gctx, e.cfg.Model, texts)
			if err != nil {
				return err
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(texts))
			}
			for i, v := range vecs {
				chunks[lo+i].Vector = v
			}
			n := done.Add(int64(hi - lo))
			progress(report, float64(n)/float64(len(chunks)), fmt.Sprintf("embedded %d of %d chunks", n, len(chunks)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := checkCtx(ctx, EmbeddingName); cerr != nil {
			return cerr
		}
		return &Error{Stage: EmbeddingName, Kind: ErrModelError, Err: err}
	}

	vector, err := meanVector(chunks)
	if err != nil {
		return &Error{Stage: EmbeddingName, Kind: ErrModelError, Err: err}
	}

	w.Embedding = &Embedding{Model: e.cfg.Model, Vector: vector, Chunks: chunks}
	e.logger.Debug("document embedded", "document", w.DocumentID, "chunks", len(chunks), "dims", len(vector))
	return nil
}

// meanVector checks that every chunk vector is non-empty, finite and of one
// dimension, and returns their L2-normalised mean.
func meanVector(chunks []Chunk) ([]float32, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to embed")
	}
	dims := len(chunks[0].Vector)
	if dims == 0 {
		return nil, fmt.Errorf("empty embedding vector")
	}
	sum := make([]float64, dims)
	for _, c := range chunks {
		if len(c.Vector) != dims {
			return nil, fmt.Errorf("chunk %d: dimension %d, want %d", c.Index, len(c.Vector), dims)
		}
		for i, x := range c.Vector {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return nil, fmt.Errorf("chunk %d: non-finite component", c.Index)
			}
			sum[i] += float64(x)
		}
	}
	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, fmt.Errorf("zero embedding vector")
	}
	out := make([]float32, dims)
	for i, x := range sum {
		out[i] = float32(x / norm)
	}
	return out, nil
}

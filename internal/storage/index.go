package storage

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// LexicalSearch runs an FTS5 MATCH expression over ownerID's chunk text and
// filenames and returns the best chunk per document ordered by relevance.
// Scores are negated bm25 values, so higher is better. An empty ownerID
// searches every owner.
func (s *Store) LexicalSearch(ctx context.Context, ownerID, match string, limit int) ([]LexicalHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.document_id, f.chunk_id, -bm25(search_fts, 0.0, 0.0, 2.0, 1.0) AS score,
			snippet(search_fts, 3, '', '', '...', 16)
		FROM search_fts f
		JOIN search_chunks c ON c.id = f.chunk_id
		WHERE search_fts MATCH ? AND (? = '' OR c.owner_id = ?)
		ORDER BY score DESC`, match, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying lexical index: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.DocumentID, &h.ChunkID, &h.Score, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scanning lexical hit: %w", err)
		}
		if seen[h.DocumentID] {
			continue
		}
		seen[h.DocumentID] = true
		hits = append(hits, h)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

// SemanticSearch scans ownerID's chunk embeddings and returns the best chunk
// per document whose cosine similarity to vector is at least threshold,
// highest first, keeping at most limit documents. An empty ownerID searches
// every owner.
func (s *Store) SemanticSearch(ctx context.Context, ownerID string, vector []float32, threshold float32, limit int) ([]SemanticHit, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, embedding FROM search_chunks WHERE ? = '' OR owner_id = ?`, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	best := make(map[string]idScore)
	var buf []float32
	for rows.Next() {
		var chunkID, docID string
		var blob []byte
		if err := rows.Scan(&chunkID, &docID, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", chunkID, err)
		}
		score := cosine(vector, buf, queryNorm)
		if score < threshold {
			continue
		}
		if cur, ok := best[docID]; !ok || score > cur.Score {
			best[docID] = idScore{ID: chunkID, DocID: docID, Score: score}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	h := &idScoreHeap{}
	for _, c := range best {
		if limit <= 0 || h.Len() < limit {
			heap.Push(h, c)
		} else if c.Score > (*h)[0].Score {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	hits := make([]SemanticHit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		hits[i] = SemanticHit{DocumentID: item.DocID, ChunkID: item.ID, Score: item.Score}
	}
	// Stable order for equal scores.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})

	if err := s.fillSnippets(ctx, hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func (s *Store) fillSnippets(ctx context.Context, hits []SemanticHit) error {
	for i := range hits {
		var text string
		if err := s.db.QueryRowContext(ctx, `SELECT substr(content, 1, 240) FROM search_chunks WHERE id = ?`, hits[i].ChunkID).Scan(&text); err != nil {
			return fmt.Errorf("loading snippet for %s: %w", hits[i].ChunkID, err)
		}
		hits[i].Snippet = text
	}
	return nil
}

// CountChunks returns the number of index entries for a document.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_chunks WHERE document_id = ?`, documentID).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes into buf, reusing it across rows during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns dot(a,b) / (aNorm * |b|); aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

type idScore struct {
	ID    string
	DocID string
	Score float32
}

// idScoreHeap is a min-heap ordered by Score, used to keep the top documents.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package search

import (
	"sort"
	"time"

	"github.com/kalambet/docket/internal/storage"
)

// candidate is one document found by either retriever.
type candidate struct {
	documentID string
	chunkID    string
	snippet    string
	lexical    float64
	semantic   float32
	rank       int
	lexRank    int
	semRank    int
	createdAt  time.Time
}

func (c *candidate) inBoth() bool { return c.lexRank > 0 && c.semRank > 0 }

// merge unions ranked lexical and semantic lists by document id. A
// document's rank is its best 1-based position across the lists; ties go to
// documents present in both lists, then to newer documents, then to the
// lower id. created maps document ids to creation times and may be
// incomplete.
func merge(lex []storage.LexicalHit, sem []storage.SemanticHit, created map[string]time.Time) []*candidate {
	byID := make(map[string]*candidate, len(lex)+len(sem))
	var order []*candidate

	get := func(id string) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{documentID: id, createdAt: created[id]}
		byID[id] = c
		order = append(order, c)
		return c
	}

	for i, h := range lex {
		c := get(h.DocumentID)
		if c.lexRank == 0 {
			c.lexRank = i + 1
			c.lexical = h.Score
			c.chunkID, c.snippet = h.ChunkID, h.Snippet
		}
	}
	for i, h := range sem {
		c := get(h.DocumentID)
		if c.semRank == 0 {
			c.semRank = i + 1
			c.semantic = h.Score
			if c.chunkID == "" {
				c.chunkID, c.snippet = h.ChunkID, h.Snippet
			}
		}
	}

	for _, c := range order {
		switch {
		case c.lexRank == 0:
			c.rank = c.semRank
		case c.semRank == 0:
			c.rank = c.lexRank
		default:
			c.rank = min(c.lexRank, c.semRank)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.inBoth() != b.inBoth() {
			return a.inBoth()
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.After(b.createdAt)
		}
		return a.documentID < b.documentID
	})
	return order
}

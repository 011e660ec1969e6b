package vector

import (
	"context"
	"errors"
	"sort"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
)

// =============================================================================
// HYBRID SEARCH (VECTOR + KEYWORD)
// =============================================================================

// KeywordSearcher is the bm25 side of hybrid search. *memory.Store satisfies
// it via SearchOrchestrations / SearchObservationsFTS.
type KeywordSearcher func(ctx context.Context, query string, limit int) ([]memory.KeywordHit, error)

// HybridHit is a merged, weighted search result.
type HybridHit struct {
	ID       string
	Score    float64 // Weighted blend in [0,1]
	Semantic float64 // Raw cosine similarity (0 if keyword-only)
	Keyword  float64 // Normalized bm25 score (0 if vector-only)
}

// Hybrid combines semantic and keyword search with configurable weights.
type Hybrid struct {
	store *Store
	cfg   config.MemoryConfig
}

// NewHybrid creates a hybrid searcher.
func NewHybrid(store *Store, cfg config.MemoryConfig) *Hybrid {
	return &Hybrid{store: store, cfg: cfg}
}

// Search merges vector and keyword results: score = vectorWeight*similarity +
// keywordWeight*bm25. When the vector side is unavailable (breaker open,
// engine failure, vector store disabled) it degrades to keyword-only with
// full weight on the bm25 score.
func (h *Hybrid) Search(ctx context.Context, query, kind string, keyword KeywordSearcher, limit int) ([]HybridHit, error) {
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch both sides so the merged ranking has material to work with.
	fetch := limit * 3

	var vecHits []Hit
	vectorOK := false
	if h.cfg.VectorEnabled && h.store != nil {
		var err error
		vecHits, err = h.store.Search(ctx, query, kind, fetch, h.cfg.MinSimilarity)
		switch {
		case err == nil:
			vectorOK = true
		case errors.Is(err, ErrVectorUnavailable):
			logging.Vector("Hybrid search degrading to keyword-only: %v", err)
		default:
			return nil, err
		}
	}

	kwHits, err := keyword(ctx, query, fetch)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*HybridHit)
	for _, v := range vecHits {
		merged[v.ID] = &HybridHit{ID: v.ID, Semantic: v.Similarity}
	}
	for _, k := range kwHits {
		hit, ok := merged[k.ID]
		if !ok {
			hit = &HybridHit{ID: k.ID}
			merged[k.ID] = hit
		}
		hit.Keyword = k.Score
	}

	vw, kw := h.cfg.VectorWeight, h.cfg.KeywordWeight
	if !vectorOK {
		vw, kw = 0, 1
	}

	out := make([]HybridHit, 0, len(merged))
	for _, hit := range merged {
		hit.Score = vw*hit.Semantic + kw*hit.Keyword
		if hit.Score <= 0 {
			continue
		}
		out = append(out, *hit)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

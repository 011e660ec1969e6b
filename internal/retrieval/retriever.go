// Package retrieval assembles historical context for new orchestrations.
//
// Context is disclosed progressively in two layers: a cheap index of similar
// past orchestrations, then full details for as many of them as the token
// budget allows. Results are cached in a TTL'd LRU keyed by task fingerprint,
// agent set, and pattern.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/types"
	"helmsman/internal/vector"
)

// Reserve for layer 2: when less than this remains after the index, details
// are not worth fetching.
const layer2MinBudget = 500

// Default number of index entries.
const defaultTopK = 10

// IndexEntry is one layer-1 result: enough to identify a relevant past
// orchestration without paying for its full content.
type IndexEntry struct {
	ID        string        `json:"id"`
	Summary   string        `json:"summary"` // <= 30 tokens
	Relevance float64       `json:"relevance"`
	Pattern   types.Pattern `json:"pattern"`
	AgentIDs  []string      `json:"agent_ids,omitempty"`
}

// DetailEntry is one layer-2 result: the full orchestration plus its
// observations, possibly truncated to fit the budget.
type DetailEntry struct {
	Orchestration *types.Orchestration `json:"orchestration"`
	Observations  []*types.Observation `json:"observations,omitempty"`
	Truncated     bool                 `json:"truncated,omitempty"`
}

// Context is the assembled historical context for an orchestration.
type Context struct {
	Layer1        []IndexEntry  `json:"layer1"`
	Layer2        []DetailEntry `json:"layer2,omitempty"`
	TokenCount    int           `json:"token_count"`
	RetrievalTime time.Duration `json:"retrieval_time"`
}

// Retriever composes the memory store and hybrid vector search into
// budget-bounded context assembly.
type Retriever struct {
	mem    *memory.Store
	hybrid *vector.Hybrid
	cfg    config.MemoryConfig
	cache  *lru.LRU[string, *Context]
	topK   int
}

// NewRetriever creates a context retriever.
func NewRetriever(mem *memory.Store, hybrid *vector.Hybrid, cfg config.MemoryConfig) *Retriever {
	size := cfg.CacheSize
	if size < 1 {
		size = 100
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Retriever{
		mem:    mem,
		hybrid: hybrid,
		cfg:    cfg,
		cache:  lru.NewLRU[string, *Context](size, nil, ttl),
		topK:   defaultTopK,
	}
}

// Retrieve assembles context for the given task description, agent set, and
// pattern, spending at most the configured token budget.
func (r *Retriever) Retrieve(ctx context.Context, taskText string, agentIDs []string, pattern types.Pattern) (*Context, error) {
	key := cacheKey(taskText, agentIDs, pattern)
	if cached, ok := r.cache.Get(key); ok {
		logging.RetrievalDebug("Context cache hit for pattern=%s", pattern)
		return cached, nil
	}

	start := time.Now()
	budget := r.cfg.ContextTokenBudget

	result := &Context{}
	ok := false
	defer func() {
		if ok {
			result.RetrievalTime = time.Since(start)
			r.cache.Add(key, result)
		}
	}()

	if budget <= 0 {
		ok = true
		return result, nil
	}

	hits, err := r.hybrid.Search(ctx, taskText, vector.KindOrchestration,
		r.mem.SearchOrchestrations, r.topK)
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}
	if len(hits) == 0 {
		// Empty history: empty context, zero tokens.
		ok = true
		return result, nil
	}

	// Layer 1: the index. Entries are admitted while they fit the budget so
	// the index is present whenever any history exists.
	for _, hit := range hits {
		o, err := r.mem.GetOrchestration(ctx, hit.ID)
		if err != nil {
			logging.RetrievalDebug("Skipping unreadable orchestration %s: %v", hit.ID, err)
			continue
		}
		entry := IndexEntry{
			ID:        o.ID,
			Summary:   summarize(o, 30),
			Relevance: hit.Score,
			Pattern:   o.Pattern,
			AgentIDs:  o.AgentIDs,
		}
		cost := EstimateTokens(entry.Summary) + 4 // id, relevance, pattern overhead
		if result.TokenCount+cost > budget {
			break
		}
		result.Layer1 = append(result.Layer1, entry)
		result.TokenCount += cost
	}

	remaining := budget - result.TokenCount
	if remaining <= layer2MinBudget {
		logging.RetrievalDebug("Returning index-only context: %d tokens, %d remaining",
			result.TokenCount, remaining)
		ok = true
		return result, nil
	}

	// Layer 2: full details, most relevant first, truncating or skipping as
	// the budget runs out.
	for _, entry := range result.Layer1 {
		o, err := r.mem.GetOrchestration(ctx, entry.ID)
		if err != nil {
			continue
		}
		obs, err := r.mem.ObservationsFor(ctx, entry.ID)
		if err != nil {
			logging.RetrievalDebug("Skipping observations for %s: %v", entry.ID, err)
			obs = nil
		}

		detail := DetailEntry{Orchestration: o, Observations: obs}
		cost := detailTokens(&detail)
		if result.TokenCount+cost > budget {
			detail, cost = truncateDetail(detail, budget-result.TokenCount)
			if detail.Orchestration == nil {
				continue // could not fit even truncated; skip entry
			}
		}
		result.Layer2 = append(result.Layer2, detail)
		result.TokenCount += cost
		if result.TokenCount >= budget {
			break
		}
	}

	logging.Retrieval("Assembled context: %d index entries, %d details, %d/%d tokens in %s",
		len(result.Layer1), len(result.Layer2), result.TokenCount, budget, time.Since(start).Round(time.Millisecond))
	ok = true
	return result, nil
}

// Invalidate drops all cached contexts. Called after bulk writes that would
// make cached history stale.
func (r *Retriever) Invalidate() {
	r.cache.Purge()
}

// PercentOfWindow reports how much of the model context window a token count
// occupies, in [0,100].
func (r *Retriever) PercentOfWindow(tokens int) float64 {
	if r.cfg.MaxContextTokens <= 0 {
		return 0
	}
	return float64(tokens) / float64(r.cfg.MaxContextTokens) * 100
}

// WindowTokens returns the configured model context window size.
func (r *Retriever) WindowTokens() int {
	return r.cfg.MaxContextTokens
}

// EstimateTokens approximates token count as chars/4. Conservative and
// model-independent.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// =============================================================================
// TRUNCATION
// =============================================================================

// truncateDetail shrinks a detail entry to fit maxTokens: lowest-importance
// observations are dropped first, then the result summary is cut at sentence
// boundaries. Returns a zero entry when nothing useful fits.
func truncateDetail(d DetailEntry, maxTokens int) (DetailEntry, int) {
	if maxTokens <= 0 {
		return DetailEntry{}, 0
	}
	d.Truncated = true

	// Drop observations, least important first.
	obs := make([]*types.Observation, len(d.Observations))
	copy(obs, d.Observations)
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Importance < obs[j].Importance })
	for len(obs) > 0 && detailTokens(&DetailEntry{Orchestration: d.Orchestration, Observations: obs}) > maxTokens {
		obs = obs[1:]
	}
	d.Observations = obs
	if cost := detailTokens(&d); cost <= maxTokens {
		return d, cost
	}

	// Still too big: truncate the result text at whole sentences.
	o := *d.Orchestration
	base := detailTokens(&DetailEntry{Orchestration: &types.Orchestration{
		ID: o.ID, Pattern: o.Pattern, AgentIDs: o.AgentIDs, Input: o.Input,
	}})
	o.Result = truncateSentences(o.Result, maxTokens-base)
	d.Orchestration = &o

	cost := detailTokens(&d)
	if cost > maxTokens || o.Result == "" {
		return DetailEntry{}, 0
	}
	return d, cost
}

// detailTokens estimates the token cost of a detail entry.
func detailTokens(d *DetailEntry) int {
	if d.Orchestration == nil {
		return 0
	}
	n := EstimateTokens(d.Orchestration.Input) + EstimateTokens(d.Orchestration.Result) + 8
	for _, o := range d.Observations {
		n += EstimateTokens(o.Content) + 4
	}
	return n
}

// truncateSentences cuts text to at most maxTokens, ending on a sentence
// boundary when one exists in range.
func truncateSentences(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	cut := text[:maxChars]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return strings.TrimSpace(cut[:idx+1])
	}
	return strings.TrimSpace(cut)
}

// summarize produces a short summary of an orchestration for the index.
func summarize(o *types.Orchestration, maxTokens int) string {
	text := o.Input
	if text == "" {
		text = o.Result
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncateSentences(text, maxTokens)
}

// cacheKey fingerprints {task, agent set, pattern}.
func cacheKey(taskText string, agentIDs []string, pattern types.Pattern) string {
	sorted := make([]string, len(agentIDs))
	copy(sorted, agentIDs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(taskText))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write([]byte{0})
	h.Write([]byte(pattern))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

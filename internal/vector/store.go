// Package vector provides semantic indexing and search over SQLite-stored
// embeddings, with a circuit breaker so embedding outages degrade to
// keyword-only retrieval instead of blocking the loop.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"helmsman/internal/config"
	"helmsman/internal/embedding"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
)

// ErrVectorUnavailable is returned when the circuit breaker is open or the
// embedding engine fails. Callers fall back to keyword search.
var ErrVectorUnavailable = errors.New("vector search unavailable")

// Entry kinds stored in the embeddings table.
const (
	KindOrchestration = "orchestration"
	KindObservation   = "observation"
)

// Hit is one semantic search result.
type Hit struct {
	ID         string
	Kind       string
	Similarity float64
	Metadata   map[string]any
}

// Store indexes and searches embeddings in the shared helm.db.
type Store struct {
	mem     *memory.Store
	engine  embedding.Engine
	breaker *gobreaker.CircuitBreaker
	cfg     config.MemoryConfig
}

// NewStore creates a vector store over the shared memory database.
func NewStore(mem *memory.Store, engine embedding.Engine, cfg config.MemoryConfig) *Store {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "embedding",
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Vector("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Store{mem: mem, engine: engine, breaker: cb, cfg: cfg}
}

// Index embeds text and stores the vector under (id, kind). Indexing is
// best-effort: an open breaker or engine failure is reported but must not
// fail the write path that triggered it.
func (s *Store) Index(ctx context.Context, id, kind, text string, metadata map[string]any) error {
	if id == "" || text == "" {
		return fmt.Errorf("vector index requires id and text")
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return err
	}

	metaJSON, _ := json.Marshal(metadata)
	_, err = s.mem.ExecWrite(ctx, `
		INSERT OR REPLACE INTO embeddings (id, kind, embedding, dims, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, encodeVector(vec), len(vec), string(metaJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	logging.VectorDebug("Indexed %s/%s (%d dims)", kind, id, len(vec))
	return nil
}

// Search embeds the query and ranks stored vectors by cosine similarity.
// Results below minSimilarity are dropped. Returns ErrVectorUnavailable when
// the breaker is open so callers can degrade to keyword-only search.
func (s *Store) Search(ctx context.Context, query, kind string, limit int, minSimilarity float64) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	q := `SELECT id, kind, embedding, metadata FROM embeddings`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	rows, err := s.mem.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("embedding scan failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id, k string
			blob  []byte
			meta  sql.NullString
		)
		if err := rows.Scan(&id, &k, &blob, &meta); err != nil {
			continue
		}
		vec := decodeVector(blob)
		if len(vec) != len(queryVec) {
			// Dimension mismatch happens after an engine swap; skip stale rows.
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil || sim < minSimilarity {
			continue
		}
		h := Hit{ID: id, Kind: k, Similarity: sim}
		if meta.Valid && meta.String != "" {
			json.Unmarshal([]byte(meta.String), &h.Metadata)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return hits, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	logging.VectorDebug("Semantic search %q returned %d hits", truncateForLog(query), len(hits))
	return hits, nil
}

// Delete removes one embedding.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.mem.ExecWrite(ctx, `DELETE FROM embeddings WHERE id = ?`, id)
	return err
}

// Count returns the number of stored embeddings, optionally by kind.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	q := `SELECT COUNT(*) FROM embeddings`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	var n int
	err := s.mem.DB().QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// Available reports whether the breaker currently admits embedding calls.
func (s *Store) Available() bool {
	return s.breaker.State() != gobreaker.StateOpen
}

// embed runs the embedding engine through the circuit breaker.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.engine.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrVectorUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrVectorUnavailable, err)
	}
	return out.([]float32), nil
}

// encodeVector serializes a vector as little-endian float32, the layout
// sqlite-vec expects for its blob columns.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func truncateForLog(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

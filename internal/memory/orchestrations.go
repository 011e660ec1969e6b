package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// KeywordHit is one bm25-ranked full-text match.
type KeywordHit struct {
	ID    string  // Orchestration or observation id
	Score float64 // Normalized to [0,1], higher is better
}

// RecordOrchestration persists an orchestration and indexes it for keyword
// search. The write is transactional: the row and its FTS entry land together.
func (s *Store) RecordOrchestration(ctx context.Context, o *types.Orchestration) error {
	if o.ID == "" {
		return fmt.Errorf("orchestration id required")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	agentIDs, _ := json.Marshal(o.AgentIDs)
	concepts, _ := json.Marshal(o.Concepts)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO orchestrations
		(id, pattern, agent_ids, task_id, input, result, success, duration_ms,
		 input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
		 cost_usd, session_id, concepts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Pattern), string(agentIDs), o.TaskID, o.Input, o.Result,
		boolToInt(o.Success), o.Duration.Milliseconds(),
		o.Usage.Input, o.Usage.Output, o.Usage.CacheCreate, o.Usage.CacheRead,
		o.CostUSD, o.SessionID, string(concepts), o.CreatedAt)
	if err != nil {
		return classifyWriteErr(err)
	}

	// Replace the FTS row; INSERT OR REPLACE does not apply to fts5.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM orchestrations_fts WHERE orch_id = ?`, o.ID); err != nil {
		return classifyWriteErr(err)
	}
	content := strings.Join([]string{o.Input, o.Result, strings.Join(o.Concepts, " ")}, "\n")
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orchestrations_fts (orch_id, content) VALUES (?, ?)`,
		o.ID, content); err != nil {
		return classifyWriteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteErr(err)
	}
	logging.MemoryDebug("Recorded orchestration %s (pattern=%s, task=%s)", o.ID, o.Pattern, o.TaskID)
	return nil
}

// GetOrchestration loads one orchestration by id.
func (s *Store) GetOrchestration(ctx context.Context, id string) (*types.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pattern, agent_ids, task_id, input, result, success, duration_ms,
		       input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
		       cost_usd, session_id, concepts, created_at
		FROM orchestrations WHERE id = ?`, id)
	return scanOrchestration(row)
}

// OrchestrationFilter selects orchestrations for QueryOrchestrations.
type OrchestrationFilter struct {
	AgentID   string
	Pattern   types.Pattern
	TaskID    string
	SessionID string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
}

// QueryOrchestrations returns orchestrations matching the filter, newest first.
func (s *Store) QueryOrchestrations(ctx context.Context, f OrchestrationFilter) ([]*types.Orchestration, error) {
	var (
		where []string
		args  []any
	)
	if f.Pattern != "" {
		where = append(where, "pattern = ?")
		args = append(args, string(f.Pattern))
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolToInt(*f.Success))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until)
	}
	if f.AgentID != "" {
		// agent_ids is a JSON array; substring match on the quoted id.
		where = append(where, "agent_ids LIKE ?")
		args = append(args, `%"`+f.AgentID+`"%`)
	}

	q := `SELECT id, pattern, agent_ids, task_id, input, result, success, duration_ms,
	             input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
	             cost_usd, session_id, concepts, created_at FROM orchestrations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			logging.MemoryDebug("Skipping unreadable orchestration row: %v", err)
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SearchOrchestrations runs a bm25-ranked keyword search. Scores are
// normalized so the best hit is 1.0.
func (s *Store) SearchOrchestrations(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.searchFTS(ctx, "orchestrations_fts", "orch_id", query, limit)
}

// SearchObservationsFTS runs a bm25-ranked keyword search over observations.
func (s *Store) SearchObservationsFTS(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.searchFTS(ctx, "observations_fts", "obs_id", query, limit)
}

func (s *Store) searchFTS(ctx context.Context, table, idCol, query string, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 10
	}
	match := ftsQuote(query)

	// bm25() returns lower-is-better; negate for ordering.
	q := fmt.Sprintf(`SELECT %s, bm25(%s) FROM %s WHERE %s MATCH ? ORDER BY bm25(%s) LIMIT ?`,
		idCol, table, table, table, table)
	rows, err := s.db.QueryContext(ctx, q, match, limit)
	if err != nil {
		// A corrupt or empty index degrades to no results, never data loss.
		logging.Get(logging.CategoryMemory).Warn("FTS search failed on %s: %v", table, err)
		return nil, nil
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		hits = append(hits, KeywordHit{ID: id, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return hits, err
	}

	// Normalize to [0,1] against the best score.
	if len(hits) > 0 {
		best := hits[0].Score
		if best <= 0 {
			best = 1
		}
		for i := range hits {
			if hits[i].Score < 0 {
				hits[i].Score = 0
			}
			hits[i].Score /= best
		}
	}
	return hits, nil
}

// CleanupOldOrchestrations removes orchestrations (and their FTS entries)
// older than the retention window. Returns rows removed.
func (s *Store) CleanupOldOrchestrations(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyWriteErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM orchestrations_fts WHERE orch_id IN
		(SELECT id FROM orchestrations WHERE created_at < ?)`, olderThan); err != nil {
		return 0, classifyWriteErr(err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM orchestrations WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, classifyWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classifyWriteErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrchestration(row rowScanner) (*types.Orchestration, error) {
	var (
		o          types.Orchestration
		pattern    string
		agentIDs   string
		concepts   sql.NullString
		taskID     sql.NullString
		input      sql.NullString
		result     sql.NullString
		sessionID  sql.NullString
		success    int
		durationMS int64
	)
	err := row.Scan(&o.ID, &pattern, &agentIDs, &taskID, &input, &result, &success,
		&durationMS, &o.Usage.Input, &o.Usage.Output, &o.Usage.CacheCreate,
		&o.Usage.CacheRead, &o.CostUSD, &sessionID, &concepts, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Pattern = types.Pattern(pattern)
	o.TaskID = taskID.String
	o.Input = input.String
	o.Result = result.String
	o.SessionID = sessionID.String
	o.Success = success != 0
	o.Duration = time.Duration(durationMS) * time.Millisecond
	json.Unmarshal([]byte(agentIDs), &o.AgentIDs)
	if concepts.Valid {
		json.Unmarshal([]byte(concepts.String), &o.Concepts)
	}
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// RecordObservation persists an observation and indexes its content.
// Observation invariants (non-empty content, normalized concepts, importance
// in [1,10]) are enforced here.
func (s *Store) RecordObservation(ctx context.Context, o *types.Observation) error {
	if o.ID == "" {
		return fmt.Errorf("observation id required")
	}
	if o.Content == "" {
		return fmt.Errorf("observation content must be non-empty")
	}
	o.Normalize()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	concepts, _ := json.Marshal(o.Concepts)
	insights, _ := json.Marshal(o.AgentInsights)
	recs, _ := json.Marshal(o.Recommendations)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO observations
		(id, orchestration_id, type, content, concepts, importance,
		 agent_insights, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrchestrationID, string(o.Type), o.Content, string(concepts),
		o.Importance, string(insights), string(recs), o.CreatedAt)
	if err != nil {
		return classifyWriteErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM observations_fts WHERE obs_id = ?`, o.ID); err != nil {
		return classifyWriteErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO observations_fts (obs_id, content) VALUES (?, ?)`,
		o.ID, o.Content); err != nil {
		return classifyWriteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteErr(err)
	}
	logging.MemoryDebug("Recorded observation %s (type=%s, importance=%d)", o.ID, o.Type, o.Importance)
	return nil
}

// GetObservation loads one observation by id.
func (s *Store) GetObservation(ctx context.Context, id string) (*types.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, orchestration_id, type, content, concepts, importance,
		       agent_insights, recommendations, created_at
		FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

// ObservationsFor returns all observations attached to an orchestration,
// highest importance first.
func (s *Store) ObservationsFor(ctx context.Context, orchestrationID string) ([]*types.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, orchestration_id, type, content, concepts, importance,
		       agent_insights, recommendations, created_at
		FROM observations WHERE orchestration_id = ?
		ORDER BY importance DESC, created_at ASC`, orchestrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObservation(row rowScanner) (*types.Observation, error) {
	var (
		o        types.Observation
		obsType  string
		concepts sql.NullString
		insights sql.NullString
		recs     sql.NullString
	)
	err := row.Scan(&o.ID, &o.OrchestrationID, &obsType, &o.Content, &concepts,
		&o.Importance, &insights, &recs, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Type = types.ObservationType(obsType)
	if concepts.Valid {
		json.Unmarshal([]byte(concepts.String), &o.Concepts)
	}
	if insights.Valid {
		json.Unmarshal([]byte(insights.String), &o.AgentInsights)
	}
	if recs.Valid {
		json.Unmarshal([]byte(recs.String), &o.Recommendations)
	}
	return &o, nil
}

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

// Claim errors surface as invariant violations; callers abort cleanly.
var (
	ErrClaimContended = errors.New("task already claimed")
	ErrNotClaimOwner  = errors.New("claim held by another owner")
	ErrBadTransition  = errors.New("illegal task status transition")
)

// UpsertTask inserts or refreshes a task row. Completed tasks are immutable
// except for appendable observations, so upserts against them are rejected.
func (s *Store) UpsertTask(ctx context.Context, t *types.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.TaskPending
	}

	existing, err := s.GetTask(ctx, t.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status == types.TaskCompleted {
		return fmt.Errorf("%w: task %s is completed", ErrBadTransition, t.ID)
	}

	acceptance, _ := json.Marshal(t.AcceptanceCriteria)
	deps, _ := json.Marshal(t.DependsOn)
	quality, _ := json.Marshal(t.QualityHistory)

	var owner, lease, heartbeat any
	if t.Claim != nil {
		owner = t.Claim.Owner
		lease = t.Claim.LeaseExpiry
		heartbeat = t.Claim.HeartbeatAt
	}

	_, err = s.ExecWrite(ctx, `
		INSERT OR REPLACE INTO tasks
		(id, title, description, priority, phase, estimate_hours, acceptance,
		 depends_on, status, claim_owner, lease_expiry, heartbeat_at,
		 claim_failures, result, fail_reason, quality_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Priority), string(t.Phase),
		t.EstimateHours, string(acceptance), string(deps), string(t.Status),
		owner, lease, heartbeat, t.ClaimFailures, t.Result, t.FailReason,
		string(quality), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks ordered by priority rank then creation time.
// An empty status lists everything.
func (s *Store) ListTasks(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	q := taskSelect
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += `
		ORDER BY CASE priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1
			WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END,
		created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask performs the atomic compare-and-set:
// (status=pending, claim=null) -> (status=claimed, claim={owner, lease}).
func (s *Store) ClaimTask(ctx context.Context, taskID, owner string, lease time.Duration) (*types.Claim, error) {
	now := time.Now().UTC()
	claim := &types.Claim{
		Owner:       owner,
		LeaseExpiry: now.Add(lease),
		HeartbeatAt: now,
	}

	res, err := s.ExecWrite(ctx, `
		UPDATE tasks SET status = 'claimed', claim_owner = ?, lease_expiry = ?,
		       heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND claim_owner IS NULL`,
		owner, claim.LeaseExpiry, claim.HeartbeatAt, now, taskID)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrClaimContended
	}
	logging.TasksDebug("Task %s claimed by %s until %s", taskID, owner, claim.LeaseExpiry.Format(time.RFC3339))
	return claim, nil
}

// RecordHeartbeat extends the lease for the claiming owner.
func (s *Store) RecordHeartbeat(ctx context.Context, taskID, owner string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.ExecWrite(ctx, `
		UPDATE tasks SET lease_expiry = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status IN ('claimed', 'in_progress')`,
		now.Add(lease), now, now, taskID, owner)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotClaimOwner
	}
	return nil
}

// StartTask transitions claimed -> in_progress for the claim owner.
func (s *Store) StartTask(ctx context.Context, taskID, owner string) error {
	res, err := s.ExecWrite(ctx, `
		UPDATE tasks SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status = 'claimed'`,
		time.Now().UTC(), taskID, owner)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

// UpdateTaskStatus moves a task to a terminal or intermediate status with an
// optional result/reason, clearing any claim on terminal transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, result, reason string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case types.TaskCompleted:
		res, err = s.ExecWrite(ctx, `
			UPDATE tasks SET status = 'completed', result = ?, claim_owner = NULL,
			       lease_expiry = NULL, updated_at = ?
			WHERE id = ? AND status = 'in_progress'`, result, now, taskID)
	case types.TaskFailed:
		res, err = s.ExecWrite(ctx, `
			UPDATE tasks SET status = 'failed', fail_reason = ?, claim_owner = NULL,
			       lease_expiry = NULL, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'in_progress')`, reason, now, taskID)
	case types.TaskPending:
		res, err = s.ExecWrite(ctx, `
			UPDATE tasks SET status = 'pending', claim_owner = NULL,
			       lease_expiry = NULL, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'in_progress')`, now, taskID)
	default:
		return fmt.Errorf("%w: cannot set status %s directly", ErrBadTransition, status)
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBadTransition
	}
	logging.Tasks("Task %s -> %s", taskID, status)
	return nil
}

// AppendTaskQuality appends one quality gate score to the task's history.
func (s *Store) AppendTaskQuality(ctx context.Context, taskID string, score float64) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.QualityHistory = append(t.QualityHistory, score)
	quality, _ := json.Marshal(t.QualityHistory)
	_, err = s.ExecWrite(ctx,
		`UPDATE tasks SET quality_history = ?, updated_at = ? WHERE id = ?`,
		string(quality), time.Now().UTC(), taskID)
	return err
}

// ExpireLeases reverts tasks whose lease passed to pending and increments
// the claim-failure counter. Tasks hitting maxFailures move to failed with a
// reason string. Returns ids of reverted and failed tasks.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time, maxFailures int) (reverted, failed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, classifyWriteErr(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, claim_failures FROM tasks
		WHERE lease_expiry IS NOT NULL AND lease_expiry < ?
		  AND status IN ('claimed', 'in_progress')`, now)
	if err != nil {
		return nil, nil, err
	}
	type expired struct {
		id       string
		failures int
	}
	var all []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.failures); err == nil {
			all = append(all, e)
		}
	}
	rows.Close()

	for _, e := range all {
		failures := e.failures + 1
		if maxFailures > 0 && failures >= maxFailures {
			reason := fmt.Sprintf("claim lease expired %d times", failures)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed', fail_reason = ?, claim_owner = NULL,
				       lease_expiry = NULL, claim_failures = ?, updated_at = ?
				WHERE id = ?`, reason, failures, now, e.id); err != nil {
				return nil, nil, classifyWriteErr(err)
			}
			failed = append(failed, e.id)
			logging.Tasks("Task %s failed: %s", e.id, reason)
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'pending', claim_owner = NULL,
				       lease_expiry = NULL, claim_failures = ?, updated_at = ?
				WHERE id = ?`, failures, now, e.id); err != nil {
				return nil, nil, classifyWriteErr(err)
			}
			reverted = append(reverted, e.id)
			logging.Tasks("Task %s claim expired, reverted to pending (failures=%d)", e.id, failures)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, classifyWriteErr(err)
	}
	return reverted, failed, nil
}

const taskSelect = `
	SELECT id, title, description, priority, phase, estimate_hours, acceptance,
	       depends_on, status, claim_owner, lease_expiry, heartbeat_at,
	       claim_failures, result, fail_reason, quality_history, created_at, updated_at
	FROM tasks`

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t           types.Task
		priority    string
		phase       sql.NullString
		description sql.NullString
		acceptance  sql.NullString
		deps        sql.NullString
		status      string
		owner       sql.NullString
		lease       sql.NullTime
		heartbeat   sql.NullTime
		result      sql.NullString
		failReason  sql.NullString
		quality     sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &description, &priority, &phase,
		&t.EstimateHours, &acceptance, &deps, &status, &owner, &lease,
		&heartbeat, &t.ClaimFailures, &result, &failReason, &quality,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Priority = types.Priority(priority)
	t.Phase = types.Phase(phase.String)
	t.Status = types.TaskStatus(status)
	t.Result = result.String
	t.FailReason = failReason.String
	if acceptance.Valid {
		json.Unmarshal([]byte(acceptance.String), &t.AcceptanceCriteria)
	}
	if deps.Valid {
		json.Unmarshal([]byte(deps.String), &t.DependsOn)
	}
	if quality.Valid {
		json.Unmarshal([]byte(quality.String), &t.QualityHistory)
	}
	if owner.Valid {
		t.Claim = &types.Claim{
			Owner:       owner.String,
			LeaseExpiry: lease.Time,
			HeartbeatAt: heartbeat.Time,
		}
	}
	return &t, nil
}

package memory

import (
	"context"
	"time"

	"helmsman/internal/types"
)

// RecordTokenUsage persists one denormalized usage row. Best-effort path:
// callers log and swallow errors.
func (s *Store) RecordTokenUsage(ctx context.Context, r *types.TokenUsageRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := s.ExecWrite(ctx, `
		INSERT OR REPLACE INTO token_usage
		(id, orchestration_id, agent_id, ts, model,
		 input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
		 input_cost_usd, output_cost_usd, cache_create_cost_usd, cache_read_cost_usd,
		 total_cost_usd, cache_savings_usd, cache_savings_pct, pattern, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrchestrationID, r.AgentID, r.Timestamp, r.Model,
		r.Usage.Input, r.Usage.Output, r.Usage.CacheCreate, r.Usage.CacheRead,
		r.InputCostUSD, r.OutputCostUSD, r.CacheCreateCostUSD, r.CacheReadCostUSD,
		r.TotalCostUSD, r.CacheSavingsUSD, r.CacheSavingsPct,
		string(r.Pattern), r.SessionID)
	return err
}

// UsageFilter selects usage rows for SumUsage.
type UsageFilter struct {
	Model     string
	AgentID   string
	Pattern   types.Pattern
	SessionID string
	Since     time.Time
	Until     time.Time
}

// UsageSummary aggregates usage rows over a period.
type UsageSummary struct {
	Usage           types.TokenUsage `json:"usage"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	CacheSavingsUSD float64          `json:"cache_savings_usd"`
	Records         int              `json:"records"`
}

// SumUsage aggregates token usage matching the filter.
func (s *Store) SumUsage(ctx context.Context, f UsageFilter) (*UsageSummary, error) {
	q := `SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
	             COALESCE(SUM(cache_create_tokens),0), COALESCE(SUM(cache_read_tokens),0),
	             COALESCE(SUM(total_cost_usd),0), COALESCE(SUM(cache_savings_usd),0),
	             COUNT(*)
	      FROM token_usage WHERE 1=1`
	var args []any
	if f.Model != "" {
		q += " AND model = ?"
		args = append(args, f.Model)
	}
	if f.AgentID != "" {
		q += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Pattern != "" {
		q += " AND pattern = ?"
		args = append(args, string(f.Pattern))
	}
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		q += " AND ts <= ?"
		args = append(args, f.Until)
	}

	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&sum.Usage.Input, &sum.Usage.Output, &sum.Usage.CacheCreate,
		&sum.Usage.CacheRead, &sum.TotalCostUSD, &sum.CacheSavingsUSD,
		&sum.Records)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// CleanupOldUsage removes raw usage rows past the retention window.
// Raw retention defaults to 24h; hourly and daily roll-ups carry history.
func (s *Store) CleanupOldUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.ExecWrite(ctx, `DELETE FROM token_usage WHERE ts < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

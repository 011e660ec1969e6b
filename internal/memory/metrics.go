package memory

import (
	"context"
	"fmt"
	"time"

	"helmsman/internal/logging"
)

// MetricSample is one dashboard metric point for a session.
type MetricSample struct {
	SessionID             string    `json:"session_id"`
	Timestamp             time.Time `json:"timestamp"`
	TokensIn              int       `json:"tokens_in"`
	TokensOut             int       `json:"tokens_out"`
	CostUSD               float64   `json:"cost_usd"`
	Quality               float64   `json:"quality"`
	TasksCompleted        int       `json:"tasks_completed"`
	TasksFailed           int       `json:"tasks_failed"`
	Delegations           int       `json:"delegations"`
	DelegationSuccessRate float64   `json:"delegation_success_rate"`
}

// Metric timestamps are bound as UTC strings, never as time.Time. SQLite's
// strftime can bucket that form directly, and range comparisons on the
// column are plain lexicographic compares. Raw samples carry fixed-width
// millisecond precision; bucket values come out of strftime with whole
// seconds, so their bounds use the same shape.
const metricTimeLayout = "2006-01-02T15:04:05.000Z"

func metricTime(t time.Time) string {
	return t.UTC().Format(metricTimeLayout)
}

func bucketTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func parseMetricTime(s string) time.Time {
	// RFC 3339 parsing tolerates both the fractional and whole-second forms.
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MetricBucket is an hourly or daily roll-up row.
type MetricBucket struct {
	SessionID      string    `json:"session_id"`
	Bucket         time.Time `json:"bucket"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	CostUSD        float64   `json:"cost_usd"`
	AvgQuality     float64   `json:"avg_quality"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	Samples        int       `json:"samples"`
}

// InsertMetricSamples flushes hot-tier samples into the warm tier.
// Primary key (session_id, ts) makes re-flushing the overlap window
// idempotent.
func (s *Store) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteErr(err)
	}
	defer tx.Rollback()

	for _, m := range samples {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO metric_samples
			(session_id, ts, tokens_in, tokens_out, cost_usd, quality,
			 tasks_completed, tasks_failed, delegations, delegation_success_rate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, metricTime(m.Timestamp), m.TokensIn, m.TokensOut, m.CostUSD,
			m.Quality, m.TasksCompleted, m.TasksFailed, m.Delegations,
			m.DelegationSuccessRate); err != nil {
			return classifyWriteErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyWriteErr(err)
	}
	logging.MemoryDebug("Flushed %d metric samples to warm tier", len(samples))
	return nil
}

// QueryMetricSamples returns warm-tier samples in [since, until] for a
// session (or all sessions if sessionID is empty), oldest first.
func (s *Store) QueryMetricSamples(ctx context.Context, sessionID string, since, until time.Time) ([]MetricSample, error) {
	q := `SELECT session_id, ts, tokens_in, tokens_out, cost_usd, quality,
	             tasks_completed, tasks_failed, delegations, delegation_success_rate
	      FROM metric_samples WHERE ts >= ? AND ts <= ?`
	args := []any{metricTime(since), metricTime(until)}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY ts ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		var ts string
		if err := rows.Scan(&m.SessionID, &ts, &m.TokensIn, &m.TokensOut,
			&m.CostUSD, &m.Quality, &m.TasksCompleted, &m.TasksFailed,
			&m.Delegations, &m.DelegationSuccessRate); err != nil {
			continue
		}
		m.Timestamp = parseMetricTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RollupHourly aggregates warm samples into hourly buckets for [since, until].
// Roll-ups are upsert-by-bucket: the overlap window recomputes buckets
// instead of adding to them, so double-counting cannot occur.
func (s *Store) RollupHourly(ctx context.Context, since, until time.Time) error {
	return s.rollup(ctx, "metric_hourly", "%Y-%m-%dT%H:00:00Z", since, until)
}

// RollupDaily aggregates warm samples into daily buckets for [since, until].
func (s *Store) RollupDaily(ctx context.Context, since, until time.Time) error {
	return s.rollup(ctx, "metric_daily", "%Y-%m-%dT00:00:00Z", since, until)
}

func (s *Store) rollup(ctx context.Context, table, bucketFmt string, since, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`
		INSERT INTO %s (session_id, bucket, tokens_in, tokens_out, cost_usd,
		                avg_quality, tasks_completed, tasks_failed, samples)
		SELECT session_id, strftime('%s', ts) AS bucket,
		       SUM(tokens_in), SUM(tokens_out), SUM(cost_usd),
		       AVG(quality), SUM(tasks_completed), SUM(tasks_failed), COUNT(*)
		FROM metric_samples
		WHERE ts >= ? AND ts <= ?
		GROUP BY session_id, bucket
		ON CONFLICT(session_id, bucket) DO UPDATE SET
		    tokens_in = excluded.tokens_in,
		    tokens_out = excluded.tokens_out,
		    cost_usd = excluded.cost_usd,
		    avg_quality = excluded.avg_quality,
		    tasks_completed = excluded.tasks_completed,
		    tasks_failed = excluded.tasks_failed,
		    samples = excluded.samples`, table, bucketFmt)

	if _, err := s.db.ExecContext(ctx, q, metricTime(since), metricTime(until)); err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

// QueryMetricBuckets reads roll-up rows from the given tier ("hourly" or
// "daily"), oldest first.
func (s *Store) QueryMetricBuckets(ctx context.Context, tier, sessionID string, since, until time.Time) ([]MetricBucket, error) {
	table := "metric_hourly"
	if tier == "daily" {
		table = "metric_daily"
	}
	q := fmt.Sprintf(`SELECT session_id, bucket, tokens_in, tokens_out, cost_usd,
	                         avg_quality, tasks_completed, tasks_failed, samples
	                  FROM %s WHERE bucket >= ? AND bucket <= ?`, table)
	args := []any{bucketTime(since), bucketTime(until)}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY bucket ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricBucket
	for rows.Next() {
		var b MetricBucket
		var bucket string
		if err := rows.Scan(&b.SessionID, &bucket, &b.TokensIn, &b.TokensOut,
			&b.CostUSD, &b.AvgQuality, &b.TasksCompleted, &b.TasksFailed,
			&b.Samples); err != nil {
			continue
		}
		b.Bucket = parseMetricTime(bucket)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CleanupMetrics applies tier retention: raw samples, hourly roll-ups, and
// daily roll-ups each have their own window.
func (s *Store) CleanupMetrics(ctx context.Context, rawBefore, hourlyBefore, dailyBefore time.Time) error {
	if _, err := s.ExecWrite(ctx, `DELETE FROM metric_samples WHERE ts < ?`, metricTime(rawBefore)); err != nil {
		return err
	}
	if _, err := s.ExecWrite(ctx, `DELETE FROM metric_hourly WHERE bucket < ?`, bucketTime(hourlyBefore)); err != nil {
		return err
	}
	if _, err := s.ExecWrite(ctx, `DELETE FROM metric_daily WHERE bucket < ?`, bucketTime(dailyBefore)); err != nil {
		return err
	}
	return nil
}

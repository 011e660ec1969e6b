// Package usage records per-call token usage, prices it per model, and
// tracks daily and monthly cost budgets. Recording is a best-effort side
// channel: the orchestration that produced the usage never fails because
// the tracker could not persist it.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/types"
)

// BudgetLevel classifies budget consumption.
type BudgetLevel string

const (
	BudgetOK       BudgetLevel = "ok"
	BudgetWarning  BudgetLevel = "warning"  // >= warning threshold (default 80%)
	BudgetCritical BudgetLevel = "critical" // >= critical threshold (default 95%)
)

// WindowStatus describes one budget window.
type WindowStatus struct {
	LimitUSD     float64     `json:"limit_usd"`
	UsedUSD      float64     `json:"used_usd"`
	Percent      float64     `json:"percent"`
	ProjectedUSD float64     `json:"projected_usd"` // Linear projection to window end
	Exceeded     bool        `json:"exceeded"`
	Level        BudgetLevel `json:"level"`
}

// BudgetStatus covers both budget windows.
type BudgetStatus struct {
	Daily   WindowStatus `json:"daily"`
	Monthly WindowStatus `json:"monthly"`
}

// Tracker prices and persists token usage.
type Tracker struct {
	mem       *memory.Store
	cfg       config.BudgetConfig
	sessionID string
	now       func() time.Time
}

// NewTracker creates a usage tracker bound to a session.
func NewTracker(mem *memory.Store, cfg config.BudgetConfig, sessionID string) *Tracker {
	return &Tracker{mem: mem, cfg: cfg, sessionID: sessionID, now: time.Now}
}

// Record prices the usage and persists it. Errors are logged and swallowed;
// losing a usage row must never fail an orchestration.
func (t *Tracker) Record(ctx context.Context, rec *types.TokenUsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	if rec.SessionID == "" {
		rec.SessionID = t.sessionID
	}
	Price(rec)

	if err := t.mem.RecordTokenUsage(ctx, rec); err != nil {
		logging.Usage("Failed to record usage for %s (continuing): %v", rec.OrchestrationID, err)
		return
	}
	logging.Get(logging.CategoryUsage).Debug(
		"Recorded usage: model=%s in=%d out=%d cost=$%.4f savings=$%.4f",
		rec.Model, rec.Usage.Input, rec.Usage.Output, rec.TotalCostUSD, rec.CacheSavingsUSD)
}

// Price fills the cost fields of a usage record from the model pricing table.
// Cache savings compare what cache-read tokens cost against what they would
// have cost as fresh input.
func Price(rec *types.TokenUsageRecord) {
	p := PricingFor(rec.Model)
	perM := func(tokens int, price float64) float64 {
		return float64(tokens) / 1_000_000 * price
	}

	rec.InputCostUSD = perM(rec.Usage.Input, p.InputPerM)
	rec.OutputCostUSD = perM(rec.Usage.Output, p.OutputPerM)
	rec.CacheCreateCostUSD = perM(rec.Usage.CacheCreate, p.CacheCreatePerM)
	rec.CacheReadCostUSD = perM(rec.Usage.CacheRead, p.CacheReadPerM)
	rec.TotalCostUSD = rec.InputCostUSD + rec.OutputCostUSD +
		rec.CacheCreateCostUSD + rec.CacheReadCostUSD

	rec.CacheSavingsUSD = perM(rec.Usage.CacheRead, p.InputPerM-p.CacheReadPerM)
	if wouldHave := rec.TotalCostUSD + rec.CacheSavingsUSD; wouldHave > 0 {
		rec.CacheSavingsPct = rec.CacheSavingsUSD / wouldHave * 100
	}
}

// Summary aggregates usage over a period with optional filters.
func (t *Tracker) Summary(ctx context.Context, f memory.UsageFilter) (*memory.UsageSummary, error) {
	return t.mem.SumUsage(ctx, f)
}

// BudgetStatus reports both budget windows at the given instant.
func (t *Tracker) BudgetStatus(ctx context.Context) (*BudgetStatus, error) {
	now := t.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	monthEnd := monthStart.AddDate(0, 1, 0)

	daily, err := t.windowStatus(ctx, t.cfg.DailyUSD, dayStart, dayEnd, now)
	if err != nil {
		return nil, err
	}
	monthly, err := t.windowStatus(ctx, t.cfg.MonthlyUSD, monthStart, monthEnd, now)
	if err != nil {
		return nil, err
	}
	return &BudgetStatus{Daily: daily, Monthly: monthly}, nil
}

func (t *Tracker) windowStatus(ctx context.Context, limit float64, start, end, now time.Time) (WindowStatus, error) {
	sum, err := t.mem.SumUsage(ctx, memory.UsageFilter{Since: start, Until: now})
	if err != nil {
		return WindowStatus{}, err
	}

	st := WindowStatus{LimitUSD: limit, UsedUSD: sum.TotalCostUSD, Level: BudgetOK}

	// Linear projection over elapsed window time.
	elapsed := now.Sub(start)
	if elapsed > 0 {
		st.ProjectedUSD = sum.TotalCostUSD / elapsed.Seconds() * end.Sub(start).Seconds()
	}

	if limit <= 0 { // unlimited
		return st, nil
	}
	st.Percent = st.UsedUSD / limit * 100
	st.Exceeded = st.UsedUSD >= limit
	switch {
	case st.Percent >= t.cfg.AlertCritical*100:
		st.Level = BudgetCritical
	case st.Percent >= t.cfg.AlertWarning*100:
		st.Level = BudgetWarning
	}
	return st, nil
}

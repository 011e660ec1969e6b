package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/memory"
	"helmsman/internal/types"
)

func newTestTracker(t *testing.T, cfg config.BudgetConfig) (*Tracker, *memory.Store) {
	t.Helper()
	mem, err := memory.NewStore(filepath.Join(t.TempDir(), "helm.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return NewTracker(mem, cfg, "sess-1"), mem
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPricingResolvesByLongestPrefix(t *testing.T) {
	if p := PricingFor("gemini-2.0-flash-001"); !approx(p.InputPerM, 0.10) {
		t.Errorf("versioned model pricing = %+v", p)
	}
	if p := PricingFor("gemini-2.5-pro-preview"); !approx(p.OutputPerM, 10.00) {
		t.Errorf("pro pricing = %+v", p)
	}
	if p := PricingFor("some-unknown-model"); !approx(p.InputPerM, defaultPricing.InputPerM) {
		t.Errorf("unknown model should use default pricing, got %+v", p)
	}
}

func TestPriceComputesCostsAndCacheSavings(t *testing.T) {
	rec := &types.TokenUsageRecord{
		Model: "gemini-2.0-flash",
		Usage: types.TokenUsage{Input: 1_000_000, Output: 500_000, CacheRead: 2_000_000},
	}
	Price(rec)

	if !approx(rec.InputCostUSD, 0.10) {
		t.Errorf("input cost = %f", rec.InputCostUSD)
	}
	if !approx(rec.OutputCostUSD, 0.20) {
		t.Errorf("output cost = %f", rec.OutputCostUSD)
	}
	if !approx(rec.CacheReadCostUSD, 0.05) {
		t.Errorf("cache read cost = %f", rec.CacheReadCostUSD)
	}
	// savings = cacheRead x (input price - cache read price) = 2M x 0.075/M
	if !approx(rec.CacheSavingsUSD, 0.15) {
		t.Errorf("cache savings = %f", rec.CacheSavingsUSD)
	}
	if !approx(rec.TotalCostUSD, 0.35) {
		t.Errorf("total = %f", rec.TotalCostUSD)
	}
	if rec.CacheSavingsPct <= 0 {
		t.Errorf("savings pct = %f", rec.CacheSavingsPct)
	}
}

func TestRecordIsBestEffort(t *testing.T) {
	tr, mem := newTestTracker(t, config.DefaultBudgetConfig())
	mem.Close()

	// Recording against a closed store must not panic or propagate.
	tr.Record(context.Background(), &types.TokenUsageRecord{
		Model: "gemini-2.0-flash",
		Usage: types.TokenUsage{Input: 10},
	})
}

func TestRecordFillsDefaults(t *testing.T) {
	tr, mem := newTestTracker(t, config.DefaultBudgetConfig())
	ctx := context.Background()

	rec := &types.TokenUsageRecord{
		Model: "gemini-2.0-flash",
		Usage: types.TokenUsage{Input: 1000, Output: 200},
	}
	tr.Record(ctx, rec)
	if rec.ID == "" || rec.SessionID != "sess-1" || rec.Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", rec)
	}

	sum, err := mem.SumUsage(ctx, memory.UsageFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Records != 1 || sum.Usage.Input != 1000 {
		t.Errorf("persisted sum = %+v", sum)
	}
}

func TestBudgetStatusLevels(t *testing.T) {
	cfg := config.BudgetConfig{DailyUSD: 10, MonthlyUSD: 1000, AlertWarning: 0.80, AlertCritical: 0.95}
	tr, mem := newTestTracker(t, cfg)
	ctx := context.Background()

	// Noon: half the day elapsed.
	noon := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return noon }

	rec := &types.TokenUsageRecord{
		ID:           "u1",
		Model:        "gemini-2.0-flash",
		Timestamp:    noon.Add(-time.Hour),
		TotalCostUSD: 8.5, // 85% of daily budget
		SessionID:    "sess-1",
	}
	if err := mem.RecordTokenUsage(ctx, rec); err != nil {
		t.Fatal(err)
	}

	st, err := tr.BudgetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Daily.Level != BudgetWarning {
		t.Errorf("daily level = %s, want warning (%.1f%%)", st.Daily.Level, st.Daily.Percent)
	}
	if st.Daily.Exceeded {
		t.Error("daily should not be exceeded at 85%")
	}
	// Half the day spent 8.5 -> projects to ~17 for the full day.
	if st.Daily.ProjectedUSD < 16 || st.Daily.ProjectedUSD > 18 {
		t.Errorf("projected = %.2f, want ~17", st.Daily.ProjectedUSD)
	}
	if st.Monthly.Level != BudgetOK {
		t.Errorf("monthly level = %s, want ok", st.Monthly.Level)
	}
}

func TestBudgetStatusCriticalAndExceeded(t *testing.T) {
	cfg := config.BudgetConfig{DailyUSD: 10, MonthlyUSD: 0, AlertWarning: 0.80, AlertCritical: 0.95}
	tr, mem := newTestTracker(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	mem.RecordTokenUsage(ctx, &types.TokenUsageRecord{
		ID: "u1", Model: "m", Timestamp: now.Add(-time.Hour), TotalCostUSD: 11,
	})

	st, err := tr.BudgetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Daily.Level != BudgetCritical || !st.Daily.Exceeded {
		t.Errorf("daily = %+v", st.Daily)
	}
	// Monthly limit 0 means unlimited: always ok, never exceeded.
	if st.Monthly.Level != BudgetOK || st.Monthly.Exceeded || st.Monthly.Percent != 0 {
		t.Errorf("unlimited monthly = %+v", st.Monthly)
	}
}

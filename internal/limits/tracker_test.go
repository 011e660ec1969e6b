package limits

import (
	"testing"
	"time"

	"helmsman/internal/config"
)

func newTestTracker(t *testing.T, plan string, fiveHour, daily, weekly int) *Tracker {
	t.Helper()
	tr, err := NewTracker(config.LimitsConfig{
		Plan: plan, FiveHour: fiveHour, Daily: daily, Weekly: weekly,
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestUnknownPlanRejected(t *testing.T) {
	if _, err := NewTracker(config.LimitsConfig{Plan: "enterprise"}); err == nil {
		t.Fatal("expected error for unknown plan")
	}
}

func TestTierThresholds(t *testing.T) {
	cases := []struct {
		messages int
		want     Tier
	}{
		{4, TierOK},        // 40%
		{5, TierWarning},   // 50%
		{7, TierWarning},   // 70%
		{8, TierCritical},  // 80%
		{9, TierEmergency}, // exactly 90% is emergency
		{10, TierEmergency},
	}
	for _, tc := range cases {
		tr := newTestTracker(t, "pro", 10, 1000, 10000)
		for i := 0; i < tc.messages; i++ {
			tr.RecordMessage()
		}
		st := tr.Status()
		if st.Windows[0].Tier != tc.want {
			t.Errorf("%d/10 messages: tier = %s, want %s", tc.messages, st.Windows[0].Tier, tc.want)
		}
	}
}

func TestOldSamplesAgeOut(t *testing.T) {
	tr := newTestTracker(t, "pro", 10, 20, 100)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	now := base
	tr.now = func() time.Time { return now }

	// Six messages now; then advance past the 5-hour window.
	for i := 0; i < 6; i++ {
		tr.RecordMessage()
	}
	if st := tr.Status(); st.Windows[0].Tier != TierWarning {
		t.Fatalf("tier = %s, want warning", st.Windows[0].Tier)
	}

	now = base.Add(6 * time.Hour)
	st := tr.Status()
	if st.Windows[0].Count != 0 {
		t.Errorf("5h count after expiry = %d", st.Windows[0].Count)
	}
	// The daily window still sees them.
	if st.Windows[1].Count != 6 {
		t.Errorf("daily count = %d, want 6", st.Windows[1].Count)
	}
}

func TestOverallIsWorstWindow(t *testing.T) {
	// Tight daily limit; roomy five-hour.
	tr := newTestTracker(t, "pro", 1000, 10, 10000)
	for i := 0; i < 9; i++ {
		tr.RecordMessage()
	}
	st := tr.Status()
	if st.Overall != TierEmergency {
		t.Errorf("overall = %s, want emergency from daily window", st.Overall)
	}
}

func TestResetEstimate(t *testing.T) {
	tr := newTestTracker(t, "pro", 10, 100, 1000)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.RecordMessage()
	now = base.Add(time.Hour)
	st := tr.Status()

	want := base.Add(5 * time.Hour)
	if !st.Windows[0].ResetAt.Equal(want) {
		t.Errorf("reset at %s, want %s", st.Windows[0].ResetAt, want)
	}
}

func TestPaceAgainstSafePace(t *testing.T) {
	tr, err := NewTracker(config.LimitsConfig{Plan: "pro", SafePace: 2})
	if err != nil {
		t.Fatal(err)
	}
	// 20 messages inside the 5h window = 4/hour > safe 2/hour.
	for i := 0; i < 20; i++ {
		tr.RecordMessage()
	}
	st := tr.Status()
	if st.PacePerHour != 4 {
		t.Errorf("pace = %.1f, want 4", st.PacePerHour)
	}
	if !st.OverSafePace {
		t.Error("expected over safe pace")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tr := newTestTracker(t, "free", 0, 0, 0)
	for i := 0; i < 3; i++ {
		tr.RecordMessage()
	}
	snap := tr.Snapshot()

	restored := newTestTracker(t, "free", 0, 0, 0)
	restored.Restore(snap)
	if got := restored.Status().Windows[0].Count; got != 3 {
		t.Errorf("restored count = %d, want 3", got)
	}
}

// Package limits tracks message counts against plan quotas over rolling
// windows at three scales: 5-hour, daily, weekly. The loop consults it
// between phases to decide whether to keep going, slow down, or wrap up.
package limits

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/logging"
)

// Tier classifies window consumption.
type Tier string

const (
	TierOK        Tier = "ok"
	TierWarning   Tier = "warning"   // >= 50%
	TierCritical  Tier = "critical"  // >= 75%
	TierEmergency Tier = "emergency" // >= 90%
)

// rank orders tiers for severity comparison.
func (t Tier) rank() int {
	switch t {
	case TierEmergency:
		return 3
	case TierCritical:
		return 2
	case TierWarning:
		return 1
	default:
		return 0
	}
}

// WindowStatus describes one rolling window at query time.
type WindowStatus struct {
	Name    string    `json:"name"` // five_hour, daily, weekly
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	Percent float64   `json:"percent"`
	Tier    Tier      `json:"tier"`
	ResetAt time.Time `json:"reset_at"` // When the oldest counted sample ages out
}

// Status is the full limit picture.
type Status struct {
	Windows      []WindowStatus `json:"windows"`
	Overall      Tier           `json:"overall"`
	PacePerHour  float64        `json:"pace_per_hour"` // Over the 5-hour window
	SafePace     float64        `json:"safe_pace"`
	OverSafePace bool           `json:"over_safe_pace"`
}

type window struct {
	name  string
	span  time.Duration
	limit int
}

// Tracker counts messages against plan windows.
type Tracker struct {
	mu      sync.Mutex
	samples []time.Time // ascending
	windows []window
	preset  config.PlanPreset
	now     func() time.Time
}

// NewTracker creates a tracker for the configured plan.
func NewTracker(cfg config.LimitsConfig) (*Tracker, error) {
	preset, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid limits config: %w", err)
	}
	return &Tracker{
		preset: preset,
		windows: []window{
			{name: "five_hour", span: 5 * time.Hour, limit: preset.FiveHour},
			{name: "daily", span: 24 * time.Hour, limit: preset.Daily},
			{name: "weekly", span: 7 * 24 * time.Hour, limit: preset.Weekly},
		},
		now: time.Now,
	}, nil
}

// RecordMessage counts one outbound message against all windows.
func (t *Tracker) RecordMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, t.now().UTC())
}

// Status drops aged-out samples and reports every window plus pacing.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	t.prune(now)

	st := Status{Overall: TierOK, SafePace: t.preset.SafePace}
	for _, w := range t.windows {
		ws := t.windowStatus(w, now)
		st.Windows = append(st.Windows, ws)
		if ws.Tier.rank() > st.Overall.rank() {
			st.Overall = ws.Tier
		}
	}

	// Pace over the 5-hour window in messages/hour.
	fiveHour := t.countSince(now.Add(-5 * time.Hour))
	st.PacePerHour = float64(fiveHour) / 5
	st.OverSafePace = t.preset.SafePace > 0 && st.PacePerHour > t.preset.SafePace

	if st.Overall != TierOK {
		logging.Limits("Limit tier %s: pace %.1f msg/h (safe %.1f)",
			st.Overall, st.PacePerHour, st.SafePace)
	}
	return st
}

// Snapshot returns the retained samples for persistence across restarts.
func (t *Tracker) Snapshot() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.samples))
	copy(out, t.samples)
	return out
}

// Restore seeds the tracker with persisted samples. Out-of-order input is
// tolerated; samples past the weekly window are dropped on the next query.
func (t *Tracker) Restore(samples []time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, samples...)
	sort.Slice(t.samples, func(i, j int) bool { return t.samples[i].Before(t.samples[j]) })
}

func (t *Tracker) windowStatus(w window, now time.Time) WindowStatus {
	cutoff := now.Add(-w.span)
	count := t.countSince(cutoff)

	ws := WindowStatus{Name: w.name, Count: count, Limit: w.limit, Tier: TierOK}
	if w.limit > 0 {
		ws.Percent = float64(count) / float64(w.limit) * 100
	}
	switch {
	case ws.Percent >= 90:
		ws.Tier = TierEmergency
	case ws.Percent >= 75:
		ws.Tier = TierCritical
	case ws.Percent >= 50:
		ws.Tier = TierWarning
	}

	// The window relaxes when its oldest counted sample ages out.
	if idx := t.firstAt(cutoff); idx < len(t.samples) && count > 0 {
		ws.ResetAt = t.samples[idx].Add(w.span)
	}
	return ws
}

// prune discards samples older than the widest window.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-7 * 24 * time.Hour)
	idx := t.firstAt(cutoff)
	if idx > 0 {
		t.samples = append(t.samples[:0], t.samples[idx:]...)
	}
}

func (t *Tracker) countSince(cutoff time.Time) int {
	return len(t.samples) - t.firstAt(cutoff)
}

// firstAt returns the index of the first sample at or after cutoff.
func (t *Tracker) firstAt(cutoff time.Time) int {
	return sort.Search(len(t.samples), func(i int) bool {
		return !t.samples[i].Before(cutoff)
	})
}

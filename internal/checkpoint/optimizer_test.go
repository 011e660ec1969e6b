package checkpoint

import (
	"testing"

	"helmsman/internal/config"
	"helmsman/internal/types"
)

func newTestOptimizer() *Optimizer {
	return NewOptimizer(config.DefaultLoopConfig())
}

func TestStartsAtConfiguredThreshold(t *testing.T) {
	o := newTestOptimizer()
	if o.Threshold() != 75 {
		t.Errorf("threshold = %.0f, want 75", o.Threshold())
	}
	if o.ShouldCheckpoint(74.9) {
		t.Error("below threshold should not checkpoint")
	}
	if !o.ShouldCheckpoint(76) {
		t.Error("above threshold should checkpoint")
	}
}

func TestFailureLowersThreshold(t *testing.T) {
	o := newTestOptimizer()
	o.RecordOutcome(Sample{ContextPercent: 76, Success: false})
	if o.Threshold() != 73 {
		t.Errorf("threshold after failure = %.0f, want 73", o.Threshold())
	}
}

func TestSuccessStreakRaisesThreshold(t *testing.T) {
	o := newTestOptimizer()
	for i := 0; i < successStreak; i++ {
		o.RecordOutcome(Sample{ContextPercent: 75, Success: true})
	}
	if o.Threshold() != 77 {
		t.Errorf("threshold after streak = %.0f, want 77", o.Threshold())
	}
	// A failure breaks the next streak and pulls back down.
	for i := 0; i < successStreak-1; i++ {
		o.RecordOutcome(Sample{Success: true})
	}
	o.RecordOutcome(Sample{Success: false})
	if o.Threshold() != 75 {
		t.Errorf("threshold = %.0f, want 75", o.Threshold())
	}
}

func TestThresholdStaysInBounds(t *testing.T) {
	o := newTestOptimizer()
	for i := 0; i < 50; i++ {
		o.RecordOutcome(Sample{Success: false})
	}
	if o.Threshold() != 60 {
		t.Errorf("lower bound = %.0f, want 60", o.Threshold())
	}
	for i := 0; i < 50*successStreak; i++ {
		o.RecordOutcome(Sample{Success: true})
	}
	if o.Threshold() != 85 {
		t.Errorf("upper bound = %.0f, want 85", o.Threshold())
	}
}

func TestCompactionDetectionResetsThreshold(t *testing.T) {
	o := newTestOptimizer()
	o.RecordOutcome(Sample{Success: false}) // threshold now 73

	if o.ObserveTokens(120000) {
		t.Error("first observation cannot be a compaction")
	}
	if o.ObserveTokens(110000) {
		t.Error("drop below 50k must not trigger")
	}
	if !o.ObserveTokens(30000) {
		t.Error("80k drop should register as compaction")
	}
	if o.Threshold() != 75 {
		t.Errorf("threshold after compaction = %.0f, want reset to 75", o.Threshold())
	}
}

func TestPerPatternSuggestionBlends(t *testing.T) {
	o := newTestOptimizer()
	maxTokens := 200000

	// No history: suggestion equals the global threshold.
	if got := o.SuggestThreshold(types.PatternDebate, maxTokens); got != 75 {
		t.Errorf("no-history suggestion = %.1f, want 75", got)
	}

	// Debate runs historically checkpoint early (~100k tokens = 50%).
	for _, tok := range []int{95000, 100000, 105000} {
		o.RecordTokensUntilCheckpoint(types.PatternDebate, tok)
	}
	got := o.SuggestThreshold(types.PatternDebate, maxTokens)
	if got >= 75 {
		t.Errorf("early-checkpoint pattern should lower suggestion, got %.1f", got)
	}
	if got < 60 || got > 85 {
		t.Errorf("suggestion out of bounds: %.1f", got)
	}
}

func TestSuccessRateRollingWindow(t *testing.T) {
	o := newTestOptimizer()
	if o.SuccessRate() != 1 {
		t.Errorf("empty success rate = %.2f, want 1", o.SuccessRate())
	}
	for i := 0; i < rollingWindow; i++ {
		o.RecordOutcome(Sample{Success: i%2 == 0})
	}
	if got := o.SuccessRate(); got != 0.5 {
		t.Errorf("success rate = %.2f, want 0.5", got)
	}
}

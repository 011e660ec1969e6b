package quality

import (
	"strings"
	"testing"

	"helmsman/internal/types"
)

func TestDefaultThresholdsPerPhase(t *testing.T) {
	g := NewGates(nil)
	want := map[types.Phase]float64{
		types.PhaseResearch:  75,
		types.PhaseDesign:    80,
		types.PhaseImplement: 85,
		types.PhaseTest:      90,
		types.PhaseValidate:  90,
	}
	for phase, th := range want {
		if got := g.Threshold(phase); got != th {
			t.Errorf("%s threshold = %.0f, want %.0f", phase, got, th)
		}
	}
}

func TestThresholdOverrides(t *testing.T) {
	g := NewGates(map[types.Phase]float64{types.PhaseResearch: 60})
	if g.Threshold(types.PhaseResearch) != 60 {
		t.Errorf("override ignored: %.0f", g.Threshold(types.PhaseResearch))
	}
	if g.Threshold(types.PhaseTest) != 90 {
		t.Errorf("unrelated threshold changed: %.0f", g.Threshold(types.PhaseTest))
	}
}

func TestSubstantiveResearchPasses(t *testing.T) {
	g := NewGates(nil)
	output := strings.Repeat("Compared token bucket and leaky bucket with references to the source papers.\n", 12) +
		"Alternative approaches were compared against the reference implementation."
	res := g.Evaluate(types.PhaseResearch, output)
	if !res.Passed {
		t.Errorf("substantive research failed gate: %.1f %v", res.Score, res.SubScores)
	}
	if len(res.SubScores) != 3 {
		t.Errorf("research sub-metrics = %d, want 3", len(res.SubScores))
	}
}

func TestThinOutputFailsGate(t *testing.T) {
	g := NewGates(nil)
	res := g.Evaluate(types.PhaseImplement, "done")
	if res.Passed {
		t.Errorf("trivial output passed implement gate at %.1f", res.Score)
	}
	if res.Score < 0 || res.Score > 100 {
		t.Errorf("score out of range: %.1f", res.Score)
	}
}

func TestScoreIsMeanOfSubScores(t *testing.T) {
	g := NewGates(nil)
	res := g.Evaluate(types.PhaseTest, "test cases assert edge and boundary behavior on empty and invalid input")
	var sum float64
	for _, v := range res.SubScores {
		sum += v
	}
	want := sum / float64(len(res.SubScores))
	if res.Score != want {
		t.Errorf("score %.2f != mean %.2f", res.Score, want)
	}
}

func TestConfidenceHealthy(t *testing.T) {
	m := NewMonitor()
	c := m.Assess(Inputs{
		RecentQuality:         []float64{85, 88, 90},
		TasksPerHour:          2,
		MedianTasksPerHour:    2,
		Iterations:            1,
		MaxIterations:         10,
		ErrorRate:             0.05,
		HistoricalSuccessRate: 0.9,
		HistoricalSamples:     20,
	})
	if c.Status != HealthHealthy {
		t.Errorf("status = %s (%.1f), want healthy", c.Status, c.Overall)
	}
	if len(c.Signals) != 5 {
		t.Errorf("signals = %d, want 5", len(c.Signals))
	}
}

func TestConfidenceCriticalOnBadSignals(t *testing.T) {
	m := NewMonitor()
	c := m.Assess(Inputs{
		RecentQuality:         []float64{30, 25},
		TasksPerHour:          0.1,
		MedianTasksPerHour:    2,
		Iterations:            9,
		MaxIterations:         10,
		ErrorRate:             0.8,
		HistoricalSuccessRate: 0.2,
		HistoricalSamples:     10,
	})
	if c.Status != HealthCritical {
		t.Errorf("status = %s (%.1f), want critical", c.Status, c.Overall)
	}
}

func TestIterationSignalInverted(t *testing.T) {
	if got := iterationSignal(0, 10); got != 100 {
		t.Errorf("fresh task = %.0f, want 100", got)
	}
	if got := iterationSignal(10, 10); got != 0 {
		t.Errorf("cap hit = %.0f, want 0", got)
	}
	if iterationSignal(2, 10) <= iterationSignal(8, 10) {
		t.Error("more iterations should score lower")
	}
}

func TestErrorSignalClamped(t *testing.T) {
	if got := errorSignal(1.5); got != 0 {
		t.Errorf("over-1 rate = %.0f, want 0", got)
	}
	if got := errorSignal(-0.5); got != 100 {
		t.Errorf("negative rate = %.0f, want 100", got)
	}
}

func TestHistoricalSignalDiscountsFewSamples(t *testing.T) {
	few := historicalSignal(1.0, 1)
	many := historicalSignal(1.0, 20)
	if few >= many {
		t.Errorf("few=%.1f many=%.1f, want few < many", few, many)
	}
	if got := historicalSignal(0.5, 0); got != 70 {
		t.Errorf("no samples = %.1f, want neutral 70", got)
	}
}

func TestQualitySignalWeightsRecent(t *testing.T) {
	improving := qualitySignal([]float64{50, 60, 90})
	declining := qualitySignal([]float64{90, 60, 50})
	if improving <= declining {
		t.Errorf("improving=%.1f declining=%.1f", improving, declining)
	}
}

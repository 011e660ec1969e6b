// Package quality scores orchestration output per phase and derives a
// session-level confidence score from five signals.
package quality

import (
	"strings"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// Default pass thresholds per phase. Later phases demand more.
var defaultThresholds = map[types.Phase]float64{
	types.PhaseResearch:  75,
	types.PhaseDesign:    80,
	types.PhaseImplement: 85,
	types.PhaseTest:      90,
	types.PhaseValidate:  90,
}

// GateResult is the outcome of one quality gate check.
type GateResult struct {
	Phase     types.Phase        `json:"phase"`
	Score     float64            `json:"score"` // 0-100
	SubScores map[string]float64 `json:"sub_scores"`
	Threshold float64            `json:"threshold"`
	Passed    bool               `json:"passed"`
}

// Gates evaluates phase output against per-phase thresholds.
type Gates struct {
	thresholds map[types.Phase]float64
}

// NewGates creates quality gates. Overrides replace default thresholds for
// the named phases.
func NewGates(overrides map[types.Phase]float64) *Gates {
	th := make(map[types.Phase]float64, len(defaultThresholds))
	for p, v := range defaultThresholds {
		th[p] = v
	}
	for p, v := range overrides {
		th[p] = v
	}
	return &Gates{thresholds: th}
}

// Threshold returns the pass bar for a phase.
func (g *Gates) Threshold(phase types.Phase) float64 {
	if v, ok := g.thresholds[phase]; ok {
		return v
	}
	return 80
}

// Evaluate scores the output of one phase. Sub-metrics are fixed per phase;
// the phase score is their mean.
func (g *Gates) Evaluate(phase types.Phase, output string) GateResult {
	res := GateResult{
		Phase:     phase,
		Threshold: g.Threshold(phase),
		SubScores: subScores(phase, output),
	}

	var sum float64
	for _, v := range res.SubScores {
		sum += v
	}
	if len(res.SubScores) > 0 {
		res.Score = sum / float64(len(res.SubScores))
	}
	res.Passed = res.Score >= res.Threshold

	logging.Quality("Gate %s: %.1f (threshold %.0f, passed=%v)",
		phase, res.Score, res.Threshold, res.Passed)
	return res
}

// subScores computes the fixed sub-metrics for a phase from its output text.
// Heuristic but deterministic: substance (length), structure (steps/lists),
// and phase-specific signal terms.
func subScores(phase types.Phase, output string) map[string]float64 {
	lower := strings.ToLower(output)

	substance := clampScore(float64(len(output)) / 8)     // ~800 chars for full marks
	structure := clampScore(60 + float64(lineCount(output))*5)

	signal := func(terms ...string) float64 {
		score := 40.0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score += 60.0 / float64(len(terms)) * 1.5
			}
		}
		return clampScore(score)
	}

	switch phase {
	case types.PhaseResearch:
		return map[string]float64{
			"coverage":  substance,
			"sources":   signal("source", "reference", "compared", "alternative"),
			"relevance": structure,
		}
	case types.PhaseDesign:
		return map[string]float64{
			"completeness": substance,
			"interfaces":   signal("interface", "contract", "schema", "type"),
			"risk_handling": signal("risk", "failure", "fallback", "error"),
		}
	case types.PhaseImplement:
		return map[string]float64{
			"completeness":   substance,
			"error_handling": signal("error", "handle", "validate", "edge"),
			"security":       signal("sanitize", "escape", "permission", "secret"),
			"structure":      structure,
		}
	case types.PhaseTest:
		return map[string]float64{
			"coverage":   signal("test", "case", "assert", "cover"),
			"edge_cases": signal("edge", "boundary", "empty", "invalid"),
			"substance":  substance,
		}
	case types.PhaseValidate:
		return map[string]float64{
			"criteria_met": signal("criteria", "verified", "passed", "confirmed"),
			"regressions":  signal("regression", "unchanged", "compatible"),
			"substance":    substance,
		}
	default:
		return map[string]float64{"substance": substance, "structure": structure}
	}
}

func lineCount(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

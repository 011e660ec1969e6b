package plan

import (
	"fmt"
	"sort"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// Criterion weights. They sum to 1.0; the total is scaled to 0-100.
const (
	weightCompleteness = 0.25
	weightFeasibility  = 0.25
	weightRisk         = 0.20
	weightClarity      = 0.15
	weightEfficiency   = 0.15
)

// Score is the evaluation of one plan.
type Score struct {
	PlanID   string   `json:"plan_id"`
	Strategy Strategy `json:"strategy"`

	Completeness float64 `json:"completeness"`
	Feasibility  float64 `json:"feasibility"`
	Risk         float64 `json:"risk"`
	Clarity      float64 `json:"clarity"`
	Efficiency   float64 `json:"efficiency"`

	Total float64 `json:"total"` // 0-100
}

// Comparison is the outcome of ranking candidate plans.
type Comparison struct {
	Scores      []Score  `json:"scores"` // Sorted best-first
	Winner      *Plan    `json:"-"`
	WinnerID    string   `json:"winner_id"`
	NeedsReview bool     `json:"needs_review"`
	Reason      string   `json:"reason,omitempty"`
	Margin      float64  `json:"margin"`
}

// Evaluator scores and ranks plans.
type Evaluator struct {
	tieThreshold float64
	pub          Publisher
}

// NewEvaluator creates a plan evaluator. A nil publisher discards events.
func NewEvaluator(tieThreshold int, pub Publisher) *Evaluator {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Evaluator{tieThreshold: float64(tieThreshold), pub: pub}
}

// Compare scores every plan, ranks them, and flags near-ties for review.
func (e *Evaluator) Compare(plans []*Plan) (*Comparison, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("no plans to compare")
	}

	byID := make(map[string]*Plan, len(plans))
	scores := make([]Score, 0, len(plans))
	for _, p := range plans {
		s := e.scorePlan(p)
		scores = append(scores, s)
		byID[p.ID] = p
		e.pub.Publish(TopicPlanEvaluated, s)
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Total > scores[j].Total })

	cmp := &Comparison{
		Scores:   scores,
		Winner:   byID[scores[0].PlanID],
		WinnerID: scores[0].PlanID,
	}

	if len(scores) > 1 {
		cmp.Margin = scores[0].Total - scores[1].Total
		if cmp.Margin < e.tieThreshold {
			cmp.NeedsReview = true
			cmp.Reason = fmt.Sprintf("margin %.1f between %s and %s is below tie threshold %.0f",
				cmp.Margin, scores[0].Strategy, scores[1].Strategy, e.tieThreshold)
			e.pub.Publish(TopicPlansTie, cmp)
			logging.Plans("Plan tie: %s", cmp.Reason)
		}
	}
	e.pub.Publish(TopicPlansCompared, cmp)

	logging.Plans("Plan winner for task %s: %s (%.1f)",
		cmp.Winner.TaskID, cmp.Winner.Strategy, scores[0].Total)
	return cmp, nil
}

// scorePlan computes the five weighted criteria for one plan, each in [0,100].
func (e *Evaluator) scorePlan(p *Plan) Score {
	s := Score{PlanID: p.ID, Strategy: p.Strategy}

	s.Completeness = scoreCompleteness(p)
	s.Feasibility = scoreFeasibility(p)
	s.Risk = scoreRisk(p)
	s.Clarity = scoreClarity(p)
	s.Efficiency = scoreEfficiency(p)

	s.Total = s.Completeness*weightCompleteness +
		s.Feasibility*weightFeasibility +
		s.Risk*weightRisk +
		s.Clarity*weightClarity +
		s.Efficiency*weightEfficiency
	return s
}

// Completeness: phase coverage plus having risks and estimates at all.
func scoreCompleteness(p *Plan) float64 {
	phases := make(map[types.Phase]bool)
	for _, st := range p.Steps {
		phases[st.Phase] = true
	}
	score := float64(len(phases)) / float64(len(types.Phases)) * 70
	if len(p.Risks) > 0 {
		score += 15
	}
	if p.Estimates.Hours > 0 {
		score += 15
	}
	return clamp100(score)
}

// Feasibility: estimate confidence dominates, penalized by complexity.
func scoreFeasibility(p *Plan) float64 {
	score := p.Estimates.Confidence * 100
	score -= float64(p.Estimates.Complexity) * 0.15
	return clamp100(score)
}

// Risk: start high, charge per hazard by severity. Mitigations claw back.
func scoreRisk(p *Plan) float64 {
	score := 100.0
	for _, r := range p.Risks {
		switch r.Severity {
		case SeverityHigh:
			score -= 25
		case SeverityMedium:
			score -= 15
		default:
			score -= 5
		}
		if r.Mitigation != "" {
			score += 5
		}
	}
	return clamp100(score)
}

// Clarity: ordered steps with details.
func scoreClarity(p *Plan) float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	detailed := 0
	for _, st := range p.Steps {
		if st.Details != "" {
			detailed++
		}
	}
	return clamp100(60 + float64(detailed)/float64(len(p.Steps))*40)
}

// Efficiency: fewer hours scores higher, normalized against complexity.
func scoreEfficiency(p *Plan) float64 {
	if p.Estimates.Hours <= 0 {
		return 50
	}
	expected := float64(p.Estimates.Complexity) / 10
	if expected <= 0 {
		expected = 1
	}
	ratio := expected / p.Estimates.Hours // >1 means faster than par
	return clamp100(ratio * 70)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

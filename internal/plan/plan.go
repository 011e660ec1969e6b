// Package plan generates competing strategy plans for complex tasks, scores
// them on weighted criteria, and selects a winner. Narrow margins are
// flagged for human review instead of silently picking.
package plan

import (
	"time"

	"helmsman/internal/types"
)

// Strategy is the risk posture of a generated plan.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// Severity grades a risk.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Step is one ordered action in a plan.
type Step struct {
	Order   int         `json:"order"`
	Action  string      `json:"action"`
	Details string      `json:"details,omitempty"`
	Phase   types.Phase `json:"phase"`
}

// Risk is a identified hazard with its mitigation.
type Risk struct {
	Description string   `json:"description"`
	Mitigation  string   `json:"mitigation"`
	Severity    Severity `json:"severity"`
}

// Estimates holds effort and confidence figures for a plan.
type Estimates struct {
	Hours      float64 `json:"hours"`
	Complexity int     `json:"complexity"`
	Confidence float64 `json:"confidence"` // 0-1
}

// Analysis summarizes the planner's read of the task.
type Analysis struct {
	Complexity      int    `json:"complexity"`
	RiskLevel       string `json:"risk_level"`
	InnovationLevel string `json:"innovation_level"`
}

// Plan is one candidate approach to a task.
type Plan struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Strategy     Strategy  `json:"strategy"`
	Steps        []Step    `json:"steps"`
	Risks        []Risk    `json:"risks"`
	Estimates    Estimates `json:"estimates"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Analysis     Analysis  `json:"analysis"`
	CreatedAt    time.Time `json:"created_at"`
}

// Bus event topics emitted during evaluation.
const (
	TopicPlanEvaluated  = "plan:evaluated"
	TopicPlansCompared  = "plans:compared"
	TopicPlansTie       = "plans:tie"
)

// Publisher decouples plan events from the message bus implementation.
type Publisher interface {
	Publish(topic string, payload any)
}

// NopPublisher discards events; used when no bus is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(string, any) {}

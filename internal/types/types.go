// Package types defines the shared domain model for helmsman: tasks,
// orchestrations, observations, and token usage. All subsystems exchange
// these types; persistence lives in internal/memory.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// TASKS
// =============================================================================

// Priority represents task priority levels.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sortable rank; lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Phase is a stage of work for a task.
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhaseDesign    Phase = "design"
	PhaseImplement Phase = "implement"
	PhaseTest      Phase = "test"
	PhaseValidate  Phase = "validate"
)

// Phases lists the execution order of phases.
var Phases = []Phase{PhaseResearch, PhaseDesign, PhaseImplement, PhaseTest, PhaseValidate}

// TaskStatus represents the lifecycle state of a task.
// Transitions are strictly pending -> claimed -> in_progress -> (completed|failed).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Claim is a lease on a task held by a single owner for a bounded time.
type Claim struct {
	Owner       string    `json:"owner"`
	LeaseExpiry time.Time `json:"lease_expiry"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// AcceptanceCriterion is a single ordered acceptance check on a task.
// The met set grows monotonically within an attempt and resets on failure.
type AcceptanceCriterion struct {
	Text string `json:"text"`
	Met  bool   `json:"met"`
}

// Task is one unit of backlog work.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Phase       Phase    `json:"phase,omitempty"`

	EstimateHours      float64               `json:"estimate_hours,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	DependsOn          []string              `json:"depends_on,omitempty"`

	Status        TaskStatus `json:"status"`
	Claim         *Claim     `json:"claim,omitempty"`
	ClaimFailures int        `json:"claim_failures,omitempty"`

	Result         string    `json:"result,omitempty"`
	FailReason     string    `json:"fail_reason,omitempty"`
	QualityHistory []float64 `json:"quality_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CriteriaMet reports how many acceptance criteria are met.
func (t *Task) CriteriaMet() (met, total int) {
	for _, c := range t.AcceptanceCriteria {
		if c.Met {
			met++
		}
	}
	return met, len(t.AcceptanceCriteria)
}

// Terminal reports whether the task is in a terminal state.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// =============================================================================
// ORCHESTRATIONS
// =============================================================================

// Pattern is one of the five agent collaboration modes.
type Pattern string

const (
	PatternParallel  Pattern = "parallel"
	PatternConsensus Pattern = "consensus"
	PatternDebate    Pattern = "debate"
	PatternReview    Pattern = "review"
	PatternEnsemble  Pattern = "ensemble"
)

// KnownPatterns lists all supported patterns.
var KnownPatterns = []Pattern{
	PatternParallel, PatternConsensus, PatternDebate, PatternReview, PatternEnsemble,
}

// TokenUsage holds per-bucket token counts for one orchestration or call.
type TokenUsage struct {
	Input       int `json:"input"`
	Output      int `json:"output"`
	CacheCreate int `json:"cache_create"`
	CacheRead   int `json:"cache_read"`
}

// Total returns the sum over all buckets.
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.CacheCreate + u.CacheRead
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheCreate += other.CacheCreate
	u.CacheRead += other.CacheRead
}

// Orchestration records one execution of a pattern by the agent orchestrator.
type Orchestration struct {
	ID        string   `json:"id"`
	Pattern   Pattern  `json:"pattern"`
	AgentIDs  []string `json:"agent_ids"`
	TaskID    string   `json:"task_id,omitempty"`
	Input     string   `json:"input"`
	Result    string   `json:"result"`
	Success   bool     `json:"success"`

	Duration time.Duration `json:"duration"`
	Usage    TokenUsage    `json:"usage"`
	CostUSD  float64       `json:"cost_usd"`

	SessionID string    `json:"session_id,omitempty"`
	Concepts  []string  `json:"concepts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// OBSERVATIONS
// =============================================================================

// ObservationType classifies an observation.
type ObservationType string

const (
	ObsDecision     ObservationType = "decision"
	ObsBugfix       ObservationType = "bugfix"
	ObsFeature      ObservationType = "feature"
	ObsPatternUsage ObservationType = "pattern_usage"
	ObsDiscovery    ObservationType = "discovery"
	ObsRefactor     ObservationType = "refactor"
)

// Observation is an appendable insight attached to an orchestration.
type Observation struct {
	ID              string            `json:"id"`
	OrchestrationID string            `json:"orchestration_id"`
	Type            ObservationType   `json:"type"`
	Content         string            `json:"content"`
	Concepts        []string          `json:"concepts,omitempty"`
	Importance      int               `json:"importance"` // 1-10
	AgentInsights   map[string]string `json:"agent_insights,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Normalize enforces observation invariants: concepts lowercase, importance
// clipped to [1,10].
func (o *Observation) Normalize() {
	for i, c := range o.Concepts {
		o.Concepts[i] = strings.ToLower(strings.TrimSpace(c))
	}
	if o.Importance < 1 {
		o.Importance = 1
	}
	if o.Importance > 10 {
		o.Importance = 10
	}
}

// =============================================================================
// TOKEN USAGE RECORDS
// =============================================================================

// TokenUsageRecord is the denormalized per-call usage row persisted by the
// usage tracker.
type TokenUsageRecord struct {
	ID              string     `json:"id"`
	OrchestrationID string     `json:"orchestration_id"`
	AgentID         string     `json:"agent_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	Model           string     `json:"model"`
	Usage           TokenUsage `json:"usage"`

	InputCostUSD       float64 `json:"input_cost_usd"`
	OutputCostUSD      float64 `json:"output_cost_usd"`
	CacheCreateCostUSD float64 `json:"cache_create_cost_usd"`
	CacheReadCostUSD   float64 `json:"cache_read_cost_usd"`
	TotalCostUSD       float64 `json:"total_cost_usd"`

	CacheSavingsUSD float64 `json:"cache_savings_usd"`
	CacheSavingsPct float64 `json:"cache_savings_pct"`

	Pattern   Pattern `json:"pattern,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

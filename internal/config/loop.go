package config

import (
	"fmt"
	"time"
)

// LoopConfig configures the continuous loop orchestrator and planning.
type LoopConfig struct {
	// Planning
	ComplexityThreshold int           `json:"complexity_threshold"` // Competitive planning kicks in at this score
	PlanTieThreshold    int           `json:"plan_tie_threshold"`   // Score margin below which plans tie
	PlanCacheTTL        time.Duration `json:"plan_cache_ttl"`

	// Iteration
	MaxIterations int           `json:"max_iterations"` // Phase-loop retries per task
	ClaimLease    time.Duration `json:"claim_lease"`    // Task claim lease duration
	HeartbeatEvery time.Duration `json:"heartbeat_every"`
	WrapUpBudget  time.Duration `json:"wrap_up_budget"` // Graceful shutdown budget
	TieDecisionTimeout time.Duration `json:"tie_decision_timeout"` // Wait for human on tied plans

	// Checkpointing
	CheckpointThresholdStart int `json:"checkpoint_threshold_start"` // Context percent
	CheckpointThresholdMin   int `json:"checkpoint_threshold_min"`
	CheckpointThresholdMax   int `json:"checkpoint_threshold_max"`
	CompactionDropTokens     int `json:"compaction_drop_tokens"`

	// Retry policy for orchestration patterns
	PatternRetryAttempts int           `json:"pattern_retry_attempts"`
	RetryBackoffBase     time.Duration `json:"retry_backoff_base"`
	RetryBackoffMax      time.Duration `json:"retry_backoff_max"`

	// Timeouts
	AgentTimeout    time.Duration `json:"timeout_agent"`
	VectorTimeout   time.Duration `json:"timeout_vector"`
	DatabaseTimeout time.Duration `json:"timeout_database"`
	SSEWriteTimeout time.Duration `json:"timeout_sse_write"`

	// Autosave cadence for loop state
	AutosaveEvery time.Duration `json:"autosave_every"`

	// Phase -> pattern assignments. Keys are phase names, values pattern names.
	PhasePatterns map[string]string `json:"phase_patterns,omitempty"`
}

// DefaultLoopConfig returns production defaults for the loop.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ComplexityThreshold:      40,
		PlanTieThreshold:         10,
		PlanCacheTTL:             5 * time.Minute,
		MaxIterations:            10,
		ClaimLease:               5 * time.Minute,
		HeartbeatEvery:           30 * time.Second,
		WrapUpBudget:             60 * time.Second,
		TieDecisionTimeout:       5 * time.Minute,
		CheckpointThresholdStart: 75,
		CheckpointThresholdMin:   60,
		CheckpointThresholdMax:   85,
		CompactionDropTokens:     50000,
		PatternRetryAttempts:     3,
		RetryBackoffBase:         1 * time.Second,
		RetryBackoffMax:          30 * time.Second,
		AgentTimeout:             60 * time.Second,
		VectorTimeout:            5 * time.Second,
		DatabaseTimeout:          2 * time.Second,
		SSEWriteTimeout:          10 * time.Second,
		AutosaveEvery:            1 * time.Minute,
		PhasePatterns: map[string]string{
			"research":  "parallel",
			"design":    "debate",
			"implement": "parallel",
			"test":      "parallel",
			"validate":  "review",
		},
	}
}

func (c *LoopConfig) validate() error {
	if c.ComplexityThreshold < 0 || c.ComplexityThreshold > 100 {
		return fmt.Errorf("complexity_threshold must be in [0,100]")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1")
	}
	if c.CheckpointThresholdMin > c.CheckpointThresholdMax {
		return fmt.Errorf("checkpoint threshold range inverted")
	}
	if c.CheckpointThresholdStart < c.CheckpointThresholdMin || c.CheckpointThresholdStart > c.CheckpointThresholdMax {
		return fmt.Errorf("checkpoint_threshold_start outside configured range")
	}
	return nil
}

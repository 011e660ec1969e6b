// Package agent abstracts LLM-backed agent invocation behind a Runner
// interface and loads agent definitions from markdown assets. The
// orchestrator composes Runners; it never talks to a provider SDK directly.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/types"
)

// =============================================================================
// RUNNER INTERFACE
// =============================================================================

// Options tune one invocation. Zero values defer to the agent definition,
// which in turn defers to the runner's configured defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Result is the outcome of one agent invocation.
type Result struct {
	AgentID    string
	OutputText string
	Model      string
	Usage      types.TokenUsage
	DurationMS int64
}

// Runner invokes a single agent with instructions and inputs.
type Runner interface {
	Invoke(ctx context.Context, agentID, instructions string, inputs map[string]string, opts Options) (*Result, error)
}

// NewRunner builds a runner for the configured provider.
func NewRunner(cfg config.AgentsConfig, reg *Registry) (Runner, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiRunner(cfg, reg)
	case "mock":
		return NewMockRunner(), nil
	default:
		return nil, fmt.Errorf("unsupported agent provider: %s (use 'gemini' or 'mock')", cfg.Provider)
	}
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// RetriableError marks a transient invocation failure (rate limit, server
// error, timeout). The orchestrator retries these with backoff; anything
// else is fatal for the attempt.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return "retriable: " + e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as transient.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// IsRetriable reports whether the invocation may be retried.
func IsRetriable(err error) bool {
	var re *RetriableError
	if errors.As(err, &re) {
		return true
	}
	// Deadline pressure is transient; cancellation is not.
	return errors.Is(err, context.DeadlineExceeded)
}

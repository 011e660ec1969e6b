// Package orchestrator executes multi-agent collaboration patterns. One
// Execute call runs one orchestration: pre-flight hooks, the pattern's
// agent fan-out with retry, synthesis, persistence, and the completion
// event on the bus.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"helmsman/internal/agent"
	"helmsman/internal/config"
	"helmsman/internal/hooks"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/types"
	"helmsman/internal/usage"
)

// TopicExecutionComplete carries a *Execution after every finished run.
const TopicExecutionComplete = "orchestrator:execution:complete"

// Agent invocations fan out through a bounded pool.
const maxConcurrentAgents = 4

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the orchestration lifecycle position. Terminal states are done
// and error; error is reachable from every state except done.
type State string

const (
	StateInit           State = "init"
	StateContextLoading State = "contextLoading"
	StateExecuting      State = "executing"
	StateSynthesizing   State = "synthesizing"
	StatePersisting     State = "persisting"
	StateDone           State = "done"
	StateError          State = "error"
)

// =============================================================================
// REQUEST / RESULT TYPES
// =============================================================================

// Aggregation selects how consensus votes combine.
type Aggregation string

const (
	AggregateMajority  Aggregation = "majority"
	AggregateWeighted  Aggregation = "weighted"
	AggregateUnanimous Aggregation = "unanimous"
)

// SelectMode picks the ensemble output selection strategy.
type SelectMode string

const (
	SelectBestOf SelectMode = "best-of"
	SelectMerge  SelectMode = "merge"
	SelectVote   SelectMode = "vote"
)

// Options tune one pattern execution. Zero values take the documented
// defaults.
type Options struct {
	// Parallel: successful outputs required; 0 means all.
	MinSuccess int
	// Parallel: optional reducer replacing the default concatenation.
	Reduce func(outputs []AgentOutput) string

	// Consensus.
	Aggregation Aggregation        // default majority
	Weights     map[string]float64 // weighted aggregation; default 1 each
	Threshold   float64            // support fraction, default 0.7

	// Debate and review rounds; default 3.
	Rounds int
	// Debate: synthesizer agent; default the first agent.
	Synthesizer string
	// Review: approvals needed; 0 means all reviewers.
	MinApprovals int

	// Ensemble.
	Select SelectMode             // default best-of
	Score  func(out string) float64 // best-of scoring; default substance heuristic

	// Per-invocation tuning passed through to the runner.
	Invoke agent.Options
}

// Request describes one orchestration to execute.
type Request struct {
	Pattern  types.Pattern
	TaskID   string
	Phase    types.Phase
	Input    string
	AgentIDs []string
	Options  Options
}

// AgentOutput is one agent's contribution.
type AgentOutput struct {
	AgentID string           `json:"agent_id"`
	Output  string           `json:"output"`
	Usage   types.TokenUsage `json:"usage"`
	Err     error            `json:"-"`
}

// Execution is the outcome of one orchestration.
type Execution struct {
	ID      string        `json:"id"`
	Pattern types.Pattern `json:"pattern"`
	TaskID  string        `json:"task_id,omitempty"`
	Phase   types.Phase   `json:"phase,omitempty"`

	Success bool   `json:"success"`
	Result  string `json:"result"`

	// Pattern-specific findings.
	Decision     string   `json:"decision,omitempty"`     // consensus
	Deadlock     bool     `json:"deadlock,omitempty"`     // consensus
	Converged    bool     `json:"converged,omitempty"`    // debate
	Approved     bool     `json:"approved,omitempty"`     // review
	Alternatives []string `json:"alternatives,omitempty"` // ensemble

	Outputs  []AgentOutput    `json:"outputs"`
	Usage    types.TokenUsage `json:"usage"`
	Duration time.Duration    `json:"duration"`
	State    State            `json:"state"`

	mu sync.Mutex
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Publisher receives completion events. The message bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any)
}

// Orchestrator runs collaboration patterns over an agent runner.
type Orchestrator struct {
	runner  agent.Runner
	mem     *memory.Store  // optional
	hooks   *hooks.Pipeline
	pub     Publisher
	tracker *usage.Tracker // optional
	cfg     config.LoopConfig
}

// New creates an orchestrator. mem, pipeline, pub, and tracker may be nil;
// the corresponding stages become no-ops.
func New(runner agent.Runner, mem *memory.Store, pipeline *hooks.Pipeline, pub Publisher, tracker *usage.Tracker, cfg config.LoopConfig) *Orchestrator {
	if pipeline == nil {
		pipeline = hooks.NewPipeline()
	}
	return &Orchestrator{
		runner:  runner,
		mem:     mem,
		hooks:   pipeline,
		pub:     pub,
		tracker: tracker,
		cfg:     cfg,
	}
}

// Execute runs one orchestration through the full state machine.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Execution, error) {
	if len(req.AgentIDs) == 0 {
		return nil, fmt.Errorf("orchestration requires at least one agent")
	}
	if !knownPattern(req.Pattern) {
		return nil, fmt.Errorf("unknown pattern: %s", req.Pattern)
	}

	exec := &Execution{
		ID:      uuid.NewString(),
		Pattern: req.Pattern,
		TaskID:  req.TaskID,
		Phase:   req.Phase,
		State:   StateInit,
	}
	start := time.Now()

	o.transition(exec, StateContextLoading)
	payload, err := o.hooks.RunBefore(ctx, hooks.Payload{
		"orchestration_id": exec.ID,
		"pattern":          string(req.Pattern),
		"task_id":          req.TaskID,
		"input":            req.Input,
		"agents":           req.AgentIDs,
	})
	if err != nil {
		return exec, o.fail(ctx, exec, start, fmt.Errorf("pre-flight: %w", err))
	}
	// Hooks may enrich the input with retrieved context.
	if enriched, ok := payload["input"].(string); ok && enriched != "" {
		req.Input = enriched
	}

	o.transition(exec, StateExecuting)
	runErr := o.runPattern(ctx, exec, req)

	o.transition(exec, StateSynthesizing)
	if runErr != nil {
		return exec, o.fail(ctx, exec, start, runErr)
	}
	exec.Duration = time.Since(start)

	o.transition(exec, StatePersisting)
	o.persist(ctx, exec, req)

	if _, err := o.hooks.RunAfter(ctx, hooks.Payload{
		"orchestration_id": exec.ID,
		"success":          exec.Success,
		"result":           exec.Result,
	}); err != nil {
		logging.Agents("Post-flight hooks: %v", err)
	}

	o.transition(exec, StateDone)
	if o.pub != nil {
		o.pub.Publish(TopicExecutionComplete, exec)
	}
	logging.Agents("Orchestration %s (%s) done: success=%t agents=%d tokens=%d in %s",
		exec.ID, exec.Pattern, exec.Success, len(req.AgentIDs), exec.Usage.Total(), exec.Duration)
	return exec, nil
}

func (o *Orchestrator) runPattern(ctx context.Context, exec *Execution, req Request) error {
	switch req.Pattern {
	case types.PatternParallel:
		return o.runParallel(ctx, exec, req)
	case types.PatternConsensus:
		return o.runConsensus(ctx, exec, req)
	case types.PatternDebate:
		return o.runDebate(ctx, exec, req)
	case types.PatternReview:
		return o.runReview(ctx, exec, req)
	case types.PatternEnsemble:
		return o.runEnsemble(ctx, exec, req)
	default:
		return fmt.Errorf("unknown pattern: %s", req.Pattern)
	}
}

func (o *Orchestrator) fail(ctx context.Context, exec *Execution, start time.Time, cause error) error {
	exec.Duration = time.Since(start)
	o.transition(exec, StateError)
	if err := o.hooks.RunOnError(ctx, hooks.Payload{
		"orchestration_id": exec.ID,
		"pattern":          string(exec.Pattern),
	}, cause); err != nil {
		logging.Agents("onError hooks: %v", err)
	}
	if o.pub != nil {
		o.pub.Publish(TopicExecutionComplete, exec)
	}
	return cause
}

func (o *Orchestrator) transition(exec *Execution, next State) {
	logging.AgentsDebug("Orchestration %s: %s -> %s", exec.ID, exec.State, next)
	exec.State = next
}

// persist writes the orchestration record and is best-effort: a down store
// never fails a finished orchestration.
func (o *Orchestrator) persist(ctx context.Context, exec *Execution, req Request) {
	if o.mem == nil {
		return
	}
	rec := &types.Orchestration{
		ID:       exec.ID,
		Pattern:  exec.Pattern,
		AgentIDs: req.AgentIDs,
		TaskID:   req.TaskID,
		Input:    req.Input,
		Result:   exec.Result,
		Success:  exec.Success,
		Duration: exec.Duration,
		Usage:    exec.Usage,
	}
	if err := o.mem.RecordOrchestration(ctx, rec); err != nil {
		logging.Agents("Persist orchestration %s: %v", exec.ID, err)
	}
}

// =============================================================================
// INVOCATION WITH RETRY
// =============================================================================

// invoke runs one agent call with exponential backoff and jitter on
// retriable failures, and accounts usage on success.
func (o *Orchestrator) invoke(ctx context.Context, exec *Execution, agentID, instructions string, inputs map[string]string, opts agent.Options) (*agent.Result, error) {
	attempts := o.cfg.PatternRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(o.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, err := o.runner.Invoke(ctx, agentID, instructions, inputs, opts)
		if err == nil {
			o.account(exec, agentID, res)
			return res, nil
		}
		lastErr = err
		if !agent.IsRetriable(err) {
			break
		}
		logging.AgentsDebug("Agent %s attempt %d/%d failed: %v", agentID, attempt, attempts, err)
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, lastErr)
}

func (o *Orchestrator) backoff(retry int) time.Duration {
	base := o.cfg.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := o.cfg.RetryBackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base << (retry - 1)
	if d > max || d <= 0 {
		d = max
	}
	// Equal jitter: half fixed, half random.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (o *Orchestrator) account(exec *Execution, agentID string, res *agent.Result) {
	exec.mu.Lock()
	exec.Usage.Add(res.Usage)
	exec.mu.Unlock()
	if o.tracker != nil {
		o.tracker.Record(context.Background(), &types.TokenUsageRecord{
			OrchestrationID: exec.ID,
			AgentID:         agentID,
			Model:           res.Model,
			Usage:           res.Usage,
			Pattern:         exec.Pattern,
		})
	}
}

// fanOut invokes a prompt per agent through the bounded pool. Per-agent
// failures land in the output slice; the fan-out itself never fails.
func (o *Orchestrator) fanOut(ctx context.Context, exec *Execution, agentIDs []string, prompt func(agentID string) string, inputs map[string]string, opts agent.Options) []AgentOutput {
	outs := make([]AgentOutput, len(agentIDs))
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentAgents)
	for i, id := range agentIDs {
		i, id := i, id
		g.Go(func() error {
			res, err := o.invoke(ctx, exec, id, prompt(id), inputs, opts)
			if err != nil {
				outs[i] = AgentOutput{AgentID: id, Err: err}
				return nil
			}
			outs[i] = AgentOutput{AgentID: id, Output: res.OutputText, Usage: res.Usage}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return outs
}

func knownPattern(p types.Pattern) bool {
	for _, known := range types.KnownPatterns {
		if p == known {
			return true
		}
	}
	return false
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"helmsman/internal/agent"
	"helmsman/internal/config"
	"helmsman/internal/hooks"
	"helmsman/internal/types"
)

func testConfig() config.LoopConfig {
	cfg := config.DefaultLoopConfig()
	cfg.RetryBackoffBase = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return cfg
}

func newTestOrchestrator(runner agent.Runner) (*Orchestrator, *recordingPublisher) {
	pub := &recordingPublisher{}
	return New(runner, nil, nil, pub, nil, testConfig()), pub
}

func TestExecuteRejectsZeroAgents(t *testing.T) {
	o, _ := newTestOrchestrator(agent.NewMockRunner())
	if _, err := o.Execute(context.Background(), Request{Pattern: types.PatternParallel}); err == nil {
		t.Fatal("expected error for zero agents")
	}
}

func TestExecuteRejectsUnknownPattern(t *testing.T) {
	o, _ := newTestOrchestrator(agent.NewMockRunner())
	if _, err := o.Execute(context.Background(), Request{Pattern: "tango", AgentIDs: []string{"a"}}); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}

func TestParallelConcatenatesAndSucceeds(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("a", "alpha findings").Script("b", "beta findings")

	o, pub := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		Input:    "survey rate limiter designs",
		AgentIDs: []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Success || exec.State != StateDone {
		t.Errorf("success=%t state=%s", exec.Success, exec.State)
	}
	if !strings.Contains(exec.Result, "alpha findings") || !strings.Contains(exec.Result, "beta findings") {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.Usage.Total() == 0 {
		t.Error("usage not aggregated")
	}
	if got := pub.count(TopicExecutionComplete); got != 1 {
		t.Errorf("completion events = %d", got)
	}
}

func TestParallelMinSuccessToleratesFailures(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("a", "works")
	m.ScriptError("b", errors.New("fatal config error"))

	o, _ := newTestOrchestrator(m)

	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"a", "b"},
		Options:  Options{MinSuccess: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Success {
		t.Error("min-success 1 with one good output must succeed")
	}

	// Default requires all agents.
	m2 := agent.NewMockRunner()
	m2.Script("a", "works")
	m2.ScriptError("b", errors.New("fatal config error"))
	o2, _ := newTestOrchestrator(m2)
	exec2, err := o2.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec2.Success {
		t.Error("default min-success must require every agent")
	}
}

func TestConsensusRerunFlipsDissenters(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("v1", "A\nbattle tested")
	m.Script("v2", "A\nsimplest option")
	m.Script("v3", "B\nfaster to ship").Script("v3", "A\nconvinced by reliability arguments")
	m.Script("v4", "A\nteam knows it")
	m.Script("v5", "B\nless code").Script("v5", "B\nstill prefer less code")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternConsensus,
		Input:    "Choose storage engine A or B",
		AgentIDs: []string{"v1", "v2", "v3", "v4", "v5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// 3/5 = 0.6 < 0.7 triggers the rerun; v3 flips, giving 4/5 = 0.8.
	if !exec.Success || exec.Deadlock {
		t.Fatalf("success=%t deadlock=%t result=%q", exec.Success, exec.Deadlock, exec.Result)
	}
	if exec.Decision != "A" {
		t.Errorf("decision = %q, want A", exec.Decision)
	}
}

func TestConsensusDeadlockWhenDissentersHold(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("v1", "A\nreason")
	m.Script("v2", "A\nreason")
	m.Script("v3", "A\nreason")
	m.Script("v4", "B\nreason") // repeats on rerun
	m.Script("v5", "B\nreason")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternConsensus,
		AgentIDs: []string{"v1", "v2", "v3", "v4", "v5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Success || !exec.Deadlock {
		t.Errorf("success=%t deadlock=%t", exec.Success, exec.Deadlock)
	}
	if !strings.Contains(exec.Result, "Deadlock") {
		t.Errorf("result = %q", exec.Result)
	}
}

func TestConsensusWeightedAggregation(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("senior", "A\nexperience")
	m.Script("junior", "B\npreference")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternConsensus,
		AgentIDs: []string{"senior", "junior"},
		Options: Options{
			Aggregation: AggregateWeighted,
			Weights:     map[string]float64{"senior": 9, "junior": 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Success || exec.Decision != "A" {
		t.Errorf("decision=%q success=%t", exec.Decision, exec.Success)
	}
}

func TestConsensusVotePrefixStripped(t *testing.T) {
	decision, rationale := parseVote("Decision: A\nbecause it is proven")
	if decision != "A" || rationale != "because it is proven" {
		t.Errorf("parsed %q / %q", decision, rationale)
	}
}

func TestDebateConvergesEarly(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("synth", "draft: use a token bucket").Script("synth", "CONVERGED use a token bucket with burst 10")
	m.Script("critic", "consider burst handling")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternDebate,
		Input:    "design the rate limiter",
		AgentIDs: []string{"synth", "critic"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Converged || !exec.Success {
		t.Errorf("converged=%t success=%t", exec.Converged, exec.Success)
	}
	if strings.Contains(exec.Result, convergedMarker) {
		t.Errorf("marker leaked into result: %q", exec.Result)
	}
	if !strings.Contains(exec.Result, "burst 10") {
		t.Errorf("result = %q", exec.Result)
	}
}

func TestDebateInitialProposalFailureIsFatal(t *testing.T) {
	m := agent.NewMockRunner()
	m.ScriptError("synth", errors.New("model rejected prompt"))

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternDebate,
		AgentIDs: []string{"synth", "critic"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.State != StateError {
		t.Errorf("state = %s, want error", exec.State)
	}
}

func TestReviewApprovesAfterRevision(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("builder", "artifact v1").Script("builder", "artifact v2")
	m.Script("r1", "APPROVE")
	m.Script("r2", "Needs input validation").Script("r2", "APPROVE with the validation added")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternReview,
		Input:    "implement the parser",
		AgentIDs: []string{"builder", "r1", "r2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Approved || !exec.Success {
		t.Errorf("approved=%t success=%t", exec.Approved, exec.Success)
	}
	if exec.Result != "artifact v2" {
		t.Errorf("result = %q", exec.Result)
	}
}

func TestReviewExhaustsRoundsWithoutApproval(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("builder", "artifact")
	m.Script("r1", "still not good enough")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternReview,
		AgentIDs: []string{"builder", "r1"},
		Options:  Options{Rounds: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Success || exec.Approved {
		t.Errorf("unapproved artifact must not succeed: %+v", exec)
	}
	if exec.Result == "" {
		t.Error("last artifact should still be surfaced")
	}
}

func TestReviewNeedsTwoAgents(t *testing.T) {
	o, _ := newTestOrchestrator(agent.NewMockRunner())
	if _, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternReview,
		AgentIDs: []string{"solo"},
	}); err == nil {
		t.Fatal("expected error for review without reviewers")
	}
}

func TestEnsembleBestOfKeepsAlternatives(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("a", "short")
	m.Script("b", "a considerably longer and more structured answer\nwith a second line\nand a third")
	m.Script("c", "medium sized answer here")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternEnsemble,
		AgentIDs: []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(exec.Result, "a considerably longer") {
		t.Errorf("best-of picked %q", exec.Result)
	}
	if len(exec.Alternatives) != 2 {
		t.Errorf("alternatives = %d, want 2", len(exec.Alternatives))
	}
}

func TestEnsembleVoteMajority(t *testing.T) {
	m := agent.NewMockRunner()
	m.Script("a", "X\nfirst rationale")
	m.Script("b", "Y\nsecond rationale")
	m.Script("c", "X\nthird rationale")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternEnsemble,
		AgentIDs: []string{"a", "b", "c"},
		Options:  Options{Select: SelectVote},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Decision != "X" {
		t.Errorf("decision = %q", exec.Decision)
	}
	if d, _ := parseVote(exec.Result); d != "X" {
		t.Errorf("result votes %q: %q", d, exec.Result)
	}
}

func TestRetriableFailureRetries(t *testing.T) {
	m := agent.NewMockRunner()
	m.ScriptError("solo", agent.Retriable(errors.New("429 rate limited")))
	m.Script("solo", "recovered output")

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"solo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Success || !strings.Contains(exec.Result, "recovered output") {
		t.Errorf("retry did not recover: %+v", exec)
	}
	if calls := len(m.Calls()); calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	m := agent.NewMockRunner()
	m.ScriptError("solo", errors.New("400 invalid request"))

	o, _ := newTestOrchestrator(m)
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"solo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Success {
		t.Error("all agents failed; must not succeed")
	}
	if calls := len(m.Calls()); calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestBeforeHookAbortsExecution(t *testing.T) {
	pipeline := hooks.NewPipeline()
	pipeline.Register(hooks.BeforeExecution, "budget-gate", 1, func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
		return nil, errors.New("daily budget exceeded")
	})

	m := agent.NewMockRunner()
	o := New(m, nil, pipeline, nil, nil, testConfig())
	exec, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"a"},
	})
	if err == nil {
		t.Fatal("expected pre-flight abort")
	}
	if exec.State != StateError {
		t.Errorf("state = %s", exec.State)
	}
	if len(m.Calls()) != 0 {
		t.Error("agents invoked despite aborted pre-flight")
	}
}

func TestBeforeHookEnrichesInput(t *testing.T) {
	pipeline := hooks.NewPipeline()
	pipeline.Register(hooks.BeforeExecution, "context-loader", 1, func(_ context.Context, p hooks.Payload) (hooks.Payload, error) {
		p["input"] = p["input"].(string) + "\n\nRelevant history: prior art exists"
		return p, nil
	})

	m := agent.NewMockRunner()
	o := New(m, nil, pipeline, nil, nil, testConfig())
	if _, err := o.Execute(context.Background(), Request{
		Pattern:  types.PatternParallel,
		Input:    "base task",
		AgentIDs: []string{"a"},
	}); err != nil {
		t.Fatal(err)
	}

	calls := m.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Instructions, "prior art exists") {
		t.Errorf("enriched input not passed through: %+v", calls)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, topic)
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == topic {
			n++
		}
	}
	return n
}

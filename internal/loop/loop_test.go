package loop

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"helmsman/internal/agent"
	"helmsman/internal/bus"
	"helmsman/internal/checkpoint"
	"helmsman/internal/config"
	"helmsman/internal/embedding"
	"helmsman/internal/hil"
	"helmsman/internal/limits"
	"helmsman/internal/memory"
	"helmsman/internal/orchestrator"
	"helmsman/internal/plan"
	"helmsman/internal/quality"
	"helmsman/internal/retrieval"
	"helmsman/internal/state"
	"helmsman/internal/task"
	"helmsman/internal/types"
	"helmsman/internal/vector"
)

type fixture struct {
	loop  *Loop
	tasks *task.Manager
	mem   *memory.Store
	bus   *bus.Bus
	cfg   config.LoopConfig
}

// lowGates passes every phase on any non-trivial output; loop tests exercise
// loop mechanics, not gate scoring.
func lowGates() *quality.Gates {
	return quality.NewGates(map[types.Phase]float64{
		types.PhaseResearch:  5,
		types.PhaseDesign:    5,
		types.PhaseImplement: 5,
		types.PhaseTest:      5,
		types.PhaseValidate:  5,
	})
}

func newFixture(t *testing.T, runner agent.Runner, mutate func(*Deps, *config.LoopConfig)) *fixture {
	t.Helper()
	helmDir := t.TempDir()
	mem, err := memory.NewStore(filepath.Join(helmDir, "helm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	cfg := config.DefaultLoopConfig()
	cfg.RetryBackoffBase = time.Millisecond
	cfg.TieDecisionTimeout = 50 * time.Millisecond
	cfg.PhasePatterns = map[string]string{
		"research": "parallel", "design": "parallel",
		"implement": "parallel", "test": "parallel", "validate": "review",
	}

	deps := Deps{
		Tasks:     task.NewManager(mem, helmDir),
		Orch:      orchestrator.New(runner, mem, nil, b, nil, cfg),
		Planner:   plan.NewPlanner(cfg),
		Evaluator: plan.NewEvaluator(cfg.PlanTieThreshold, b),
		Gates:     lowGates(),
		Detector:  hil.NewDetector(),
		States:    state.NewStore(helmDir),
		Bus:       b,
		Memory:    mem,
		Roster: func(phase types.Phase) []string {
			return []string{"lead", "second"}
		},
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	if deps.Optimizer == nil {
		deps.Optimizer = checkpoint.NewOptimizer(cfg)
	}

	l, err := New("sess-test", deps, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{loop: l, tasks: deps.Tasks, mem: mem, bus: b, cfg: cfg}
}

// seedTask puts a pending task in the store and claims it for the session.
func (f *fixture) seedAndClaim(t *testing.T, tk *types.Task) *types.Task {
	t.Helper()
	ctx := context.Background()
	tk.Status = types.TaskPending
	if tk.Priority == "" {
		tk.Priority = types.PriorityMedium
	}
	tk.CreatedAt = time.Now().UTC()
	if err := f.mem.UpsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.Claim(ctx, tk.ID, "sess-test", time.Minute); err != nil {
		t.Fatal(err)
	}
	return tk
}

// defaultRunner answers every agent with output that passes low gates and
// approves review rounds.
func defaultRunner() *agent.MockRunner {
	m := agent.NewMockRunner()
	m.Script("lead", "Findings: the token bucket approach covers burst and steady-state cases.\nDetails follow with assertions and edge case notes.")
	m.Script("second", "APPROVE\nThe artifact meets the acceptance criteria.")
	return m
}

func collect(b *bus.Bus, topic string) <-chan any {
	ch := make(chan any, 16)
	b.Subscribe(topic, func(_ string, payload any) {
		select {
		case ch <- payload:
		default:
		}
	})
	return ch
}

// =============================================================================
// TASK COMPLETION
// =============================================================================

func TestSimpleResearchTaskCompletes(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	completed := collect(f.bus, TopicTaskCompleted)

	tk := f.seedAndClaim(t, &types.Task{
		ID:    "T1",
		Title: "Research token bucket algorithms",
	})

	if err := f.loop.runTask(context.Background(), tk); err != nil {
		t.Fatal(err)
	}

	got, err := f.tasks.Get(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if len(got.QualityHistory) == 0 {
		t.Error("quality history not appended")
	}

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Error("task:completed never published")
	}

	// One observation per successful phase, attached to real orchestrations.
	orchs, err := f.mem.QueryOrchestrations(context.Background(), memory.OrchestrationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(orchs) != len(types.Phases) {
		t.Errorf("orchestrations = %d, want %d", len(orchs), len(types.Phases))
	}
	recorded := 0
	for _, o := range orchs {
		obs, err := f.mem.ObservationsFor(context.Background(), o.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, ob := range obs {
			if ob.ID == "" || ob.Content == "" {
				t.Errorf("observation missing id or content: %+v", ob)
			}
		}
		recorded += len(obs)
	}
	if recorded != len(types.Phases) {
		t.Errorf("observations recorded = %d, want %d", recorded, len(types.Phases))
	}
}

func TestGateFailureIteratesThenFails(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		// Implement can never pass; two iterations then give up.
		d.Gates = quality.NewGates(map[types.Phase]float64{
			types.PhaseResearch:  5,
			types.PhaseDesign:    5,
			types.PhaseImplement: 101,
			types.PhaseTest:      5,
			types.PhaseValidate:  5,
		})
		cfg.MaxIterations = 2
	})
	failed := collect(f.bus, TopicTaskFailed)

	tk := f.seedAndClaim(t, &types.Task{ID: "T-fail", Title: "Implement the widget"})
	err := f.loop.runTask(context.Background(), tk)
	if err == nil {
		t.Fatal("expected task failure")
	}

	got, _ := f.tasks.Get(context.Background(), "T-fail")
	if got.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FailReason == "" {
		t.Error("fail reason not recorded")
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Error("task:failed never published")
	}
}

// =============================================================================
// PLANNING AND TIES
// =============================================================================

func TestSimpleTaskGetsSinglePlan(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	tk := &types.Task{ID: "T1", Title: "Research token bucket algorithms"}

	p, err := f.loop.planTask(context.Background(), tk)
	if err != nil {
		t.Fatal(err)
	}
	if p.Strategy != plan.StrategyBalanced {
		t.Errorf("strategy = %s, want balanced below the complexity threshold", p.Strategy)
	}
}

func TestTieTimesOutToBalanced(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)

	tk := &types.Task{
		ID:          "T2",
		Title:       "Migrate authentication to OAuth2",
		Description: "Replace the legacy session auth with OAuth2 across the API surface. Database sessions must migrate without downtime.",
	}
	complexity := plan.EstimateComplexity(tk.Title, tk.Description, 0, 0)
	plans := f.loop.deps.Planner.Generate(tk, complexity, false)
	if len(plans) != 3 {
		t.Fatalf("plans = %d, want 3 for complexity %d", len(plans), complexity)
	}
	cmp, err := f.loop.deps.Evaluator.Compare(plans)
	if err != nil {
		t.Fatal(err)
	}
	cmp.NeedsReview = true // force the tie path

	chosen := f.loop.resolveTie(context.Background(), tk, plans, cmp)
	if chosen.Strategy != plan.StrategyBalanced {
		t.Errorf("fallback strategy = %s, want balanced", chosen.Strategy)
	}
}

func TestTieHonorsHumanDecision(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		cfg.TieDecisionTimeout = 2 * time.Second
	})

	tk := &types.Task{
		ID:          "T2",
		Title:       "Migrate authentication to OAuth2",
		Description: "Replace the legacy session auth with OAuth2 across the API surface. Database sessions must migrate without downtime.",
	}
	plans := f.loop.deps.Planner.Generate(tk, 72, false)
	cmp, err := f.loop.deps.Evaluator.Compare(plans)
	if err != nil {
		t.Fatal(err)
	}
	cmp.NeedsReview = true

	var aggressive *plan.Plan
	for _, p := range plans {
		if p.Strategy == plan.StrategyAggressive {
			aggressive = p
		}
	}
	if aggressive == nil {
		t.Fatal("no aggressive plan generated at complexity 72")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.bus.Publish(TopicPlanDecision, map[string]any{
			"task_id": "T2", "plan_id": aggressive.ID,
		})
	}()

	chosen := f.loop.resolveTie(context.Background(), tk, plans, cmp)
	if chosen.ID != aggressive.ID {
		t.Errorf("chosen = %s, want the human-selected aggressive plan", chosen.Strategy)
	}
}

// =============================================================================
// SAFETY CHECKS
// =============================================================================

func TestSafetyCheckpointPastThreshold(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)

	// Default learned threshold is 75; 76% of the window crosses it.
	if got := f.loop.safetyCheck(context.Background(), 76, types.PatternParallel, "routine summary text"); got != decideCheckpoint {
		t.Errorf("decision = %s, want checkpoint", got)
	}
	if got := f.loop.safetyCheck(context.Background(), 40, types.PatternParallel, "routine summary text"); got != decideContinue {
		t.Errorf("decision = %s, want continue", got)
	}
}

func TestSafetyWrapUpOnEmergencyLimits(t *testing.T) {
	lt, err := limits.NewTracker(config.LimitsConfig{Plan: "free"})
	if err != nil {
		t.Fatal(err)
	}
	// 46 of 50 five-hour messages = 92%, emergency tier.
	now := time.Now().UTC()
	samples := make([]time.Time, 46)
	for i := range samples {
		samples[i] = now.Add(-time.Minute)
	}
	lt.Restore(samples)

	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		d.Limits = lt
	})

	if got := f.loop.safetyCheck(context.Background(), 10, types.PatternParallel, "routine text"); got != decideWrapUp {
		t.Errorf("decision = %s, want wrap-up at 92%% of the window", got)
	}
}

func TestSafetyStopsOnUnapprovedRiskyAction(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	alerts := collect(f.bus, TopicAlertWarning)

	risky := "Next step: DROP TABLE users and rm -rf the data directory in production"
	if got := f.loop.safetyCheck(context.Background(), 10, types.PatternParallel, risky); got != decideStop {
		t.Errorf("decision = %s, want stop without human approval", got)
	}
	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Error("no alert surfaced for the blocked action")
	}
}

func TestSafetyContinuesOnApprovedRiskyAction(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		cfg.TieDecisionTimeout = 2 * time.Second
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.bus.Publish(TopicHILDecision, map[string]any{
			"session_id": "sess-test", "approved": true,
		})
	}()

	risky := "Next step: DROP TABLE users in production during the migration window"
	if got := f.loop.safetyCheck(context.Background(), 10, types.PatternParallel, risky); got != decideContinue {
		t.Errorf("decision = %s, want continue after approval", got)
	}
}

func TestHILVerdictFeedsDetectorStats(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		cfg.TieDecisionTimeout = 2 * time.Second
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.bus.Publish(TopicHILDecision, map[string]any{
			"session_id": "sess-test", "approved": true,
		})
	}()
	risky := "Next step: DROP TABLE users in production during the migration window"
	if got := f.loop.safetyCheck(context.Background(), 10, types.PatternParallel, risky); got != decideContinue {
		t.Fatalf("decision = %s, want continue after approval", got)
	}

	var tp int
	for _, s := range f.loop.deps.Detector.PatternStats() {
		tp += s.TP
	}
	if tp != 1 {
		t.Errorf("true positives after approval = %d, want 1", tp)
	}
}

func TestHILFalseAlarmCountsAgainstPattern(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		cfg.TieDecisionTimeout = 2 * time.Second
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.bus.Publish(TopicHILDecision, map[string]any{
			"session_id": "sess-test", "approved": false, "false_alarm": true,
		})
	}()
	risky := "Next step: DROP TABLE users in production during the migration window"
	if got := f.loop.safetyCheck(context.Background(), 10, types.PatternParallel, risky); got != decideStop {
		t.Fatalf("decision = %s, want stop on denial", got)
	}

	var fp int
	for _, s := range f.loop.deps.Detector.PatternStats() {
		fp += s.FP
	}
	if fp != 1 {
		t.Errorf("false positives after false-alarm verdict = %d, want 1", fp)
	}
}

func TestPatternHistoryLowersCheckpointThreshold(t *testing.T) {
	mcfg := config.DefaultMemoryConfig()
	mcfg.MaxContextTokens = 100000
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		vs := vector.NewStore(d.Memory, embedding.NewLocalEngine(64), mcfg)
		d.Retriever = retrieval.NewRetriever(d.Memory, vector.NewHybrid(vs, mcfg), mcfg)
	})

	// Two tasks with this pattern historically checkpointed around 10% of
	// the window; the blended threshold drops below the global 75.
	f.loop.deps.Optimizer.RecordTokensUntilCheckpoint(types.PatternParallel, 10000)
	f.loop.deps.Optimizer.RecordTokensUntilCheckpoint(types.PatternParallel, 10000)

	if got := f.loop.safetyCheck(context.Background(), 65, types.PatternParallel, "routine text"); got != decideCheckpoint {
		t.Errorf("decision = %s, want checkpoint below the global threshold", got)
	}
	// A pattern with no history keeps the global threshold.
	if got := f.loop.safetyCheck(context.Background(), 65, types.PatternDebate, "routine text"); got != decideContinue {
		t.Errorf("decision = %s, want continue for an unseen pattern", got)
	}
}

func TestTaskTokensFeedCompactionDetector(t *testing.T) {
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		cfg.CompactionDropTokens = 1
	})
	tk := f.seedAndClaim(t, &types.Task{ID: "T1", Title: "Research token bucket algorithms"})
	if err := f.loop.runTask(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	// The phase loop observed a growing total; a drop back to zero now reads
	// as an external compaction.
	if !f.loop.deps.Optimizer.ObserveTokens(0) {
		t.Error("token totals never reached the compaction detector")
	}
}

func TestCheckpointTrimsHistoryAndSavesState(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	l := f.loop

	for iter := 1; iter <= 2; iter++ {
		for _, phase := range types.Phases[:3] {
			l.history = append(l.history, state.PhaseRecord{
				TaskID: "T1", Phase: phase, Iteration: iter, Passed: true,
			})
		}
	}
	l.tokensInTask = 120000
	l.deps.Optimizer.ObserveTokens(120000)

	l.doCheckpoint(&types.Task{ID: "T1"}, types.PhaseImplement, 2, types.PatternParallel)

	if len(l.history) != 3 {
		t.Errorf("history = %d records, want only the current iteration", len(l.history))
	}
	if l.tokensInTask != 0 {
		t.Error("token counter not reset")
	}
	if l.lastSummary == "" {
		t.Error("no checkpoint summary produced")
	}

	snap, err := f.loop.deps.States.Load()
	if err != nil {
		t.Fatalf("no snapshot saved: %v", err)
	}
	if snap.TaskID != "T1" || snap.CheckpointSummary == "" {
		t.Errorf("snapshot = %+v", snap)
	}

	// The intentional trim must not read as an external compaction.
	if l.deps.Optimizer.ObserveTokens(100) {
		t.Error("checkpoint trim tripped the compaction detector")
	}
}

// =============================================================================
// RUN LOOP
// =============================================================================

func TestRunReturnsOnCancel(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunCompletesBacklogThenIdles(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	completed := collect(f.bus, TopicTaskCompleted)

	ctx := context.Background()
	tk := &types.Task{
		ID: "T1", Title: "Research token bucket algorithms",
		Priority: types.PriorityHigh, Status: types.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.mem.UpsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(runCtx) }()

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("task never completed under Run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	got, _ := f.tasks.Get(ctx, "T1")
	if got.Status != types.TaskCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSkipTaskFailsInFlight(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	failed := collect(f.bus, TopicTaskFailed)

	tk := f.seedAndClaim(t, &types.Task{ID: "T-skip", Title: "Research token bucket algorithms"})
	f.loop.SkipTask()

	if err := f.loop.runTask(context.Background(), tk); err == nil {
		t.Fatal("expected skip to abort the task")
	}
	got, _ := f.tasks.Get(context.Background(), "T-skip")
	if got.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FailReason != "skipped by operator" {
		t.Errorf("fail reason = %q", got.FailReason)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Error("task:failed never published")
	}
}

func TestPauseHoldsTaskSelection(t *testing.T) {
	f := newFixture(t, defaultRunner(), nil)
	completed := collect(f.bus, TopicTaskCompleted)
	updates := collect(f.bus, TopicSessionUpdate)

	ctx := context.Background()
	tk := &types.Task{
		ID: "T1", Title: "Research token bucket algorithms",
		Priority: types.PriorityHigh, Status: types.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.mem.UpsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	f.loop.Pause()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(runCtx) }()

	// The loop reports paused and leaves the backlog untouched.
	deadline := time.After(10 * time.Second)
	for {
		var status string
		select {
		case payload := <-updates:
			d, _ := payload.(map[string]any)
			status, _ = d["status"].(string)
		case <-deadline:
			t.Fatal("loop never reported paused")
		}
		if status == "paused" {
			break
		}
	}
	got, _ := f.tasks.Get(ctx, "T1")
	if got.Status != types.TaskPending {
		t.Fatalf("paused loop touched the task: status = %s", got.Status)
	}

	f.loop.Resume()
	select {
	case <-completed:
	case <-time.After(15 * time.Second):
		t.Fatal("task never completed after resume")
	}
}

func TestEmergencyLimitsDeferSelectionThenResume(t *testing.T) {
	// Generous daily and weekly quotas keep the five-hour window the only
	// constraint.
	lt, err := limits.NewTracker(config.LimitsConfig{Plan: "free", Daily: 1000, Weekly: 6000})
	if err != nil {
		t.Fatal(err)
	}
	// 46 of 50 five-hour messages, all about to slide out of the window.
	now := time.Now().UTC()
	samples := make([]time.Time, 46)
	for i := range samples {
		samples[i] = now.Add(-5 * time.Hour).Add(2 * time.Second)
	}
	lt.Restore(samples)

	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		d.Limits = lt
	})
	completed := collect(f.bus, TopicTaskCompleted)
	alerts := collect(f.bus, TopicAlertWarning)

	ctx := context.Background()
	tk := &types.Task{
		ID: "T1", Title: "Research token bucket algorithms",
		Priority: types.PriorityHigh, Status: types.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.mem.UpsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(runCtx) }()

	// Selection is deferred with an alert while the window is exhausted.
	select {
	case <-alerts:
	case <-time.After(5 * time.Second):
		t.Fatal("no deferral alert at the emergency tier")
	}
	if got, _ := f.tasks.Get(ctx, "T1"); got.Status != types.TaskPending {
		t.Fatalf("task started at the emergency tier: status = %s", got.Status)
	}

	// Once the samples age out the loop picks the task up on its own.
	select {
	case <-completed:
	case <-time.After(20 * time.Second):
		t.Fatal("task never completed after the window freed")
	}
}

func TestRestoreRehydratesLearnedState(t *testing.T) {
	lt, err := limits.NewTracker(config.LimitsConfig{Plan: "pro"})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, defaultRunner(), func(d *Deps, cfg *config.LoopConfig) {
		d.Limits = lt
	})

	samples := []time.Time{time.Now().Add(-time.Minute).UTC()}
	f.loop.Restore(&state.Snapshot{
		SessionID:         "sess-old",
		CheckpointSummary: "prior work summary",
		LimitSamples:      samples,
		PhaseHistory:      []state.PhaseRecord{{TaskID: "T0", Phase: types.PhaseResearch}},
	})

	if f.loop.lastSummary != "prior work summary" {
		t.Error("summary not restored")
	}
	if len(f.loop.history) != 1 {
		t.Error("history not restored")
	}
	if got := lt.Status().Windows[0].Count; got != 1 {
		t.Errorf("limit samples not restored: count = %d", got)
	}
}

// Package loop drives the continuous task loop for one session: select an
// eligible task, claim it, plan it, run the five phases through the
// orchestrator with quality gates and safety checks, and record the outcome.
// One task is in progress per loop at a time.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/bus"
	"helmsman/internal/checkpoint"
	"helmsman/internal/config"
	"helmsman/internal/hil"
	"helmsman/internal/limits"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/orchestrator"
	"helmsman/internal/plan"
	"helmsman/internal/quality"
	"helmsman/internal/retrieval"
	"helmsman/internal/state"
	"helmsman/internal/task"
	"helmsman/internal/types"
	"helmsman/internal/usage"
)

// Bus topics published and consumed by the loop.
const (
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"
	TopicSessionUpdate = "session:update"
	TopicAlertWarning  = "alert:warning"

	// Human decisions arrive on these topics from the dashboard.
	TopicPlanDecision = "plans:decision"
	TopicHILDecision  = "hil:decision"
)

// How often the idle loop re-checks the backlog.
const idlePollEvery = 5 * time.Second

// Claim contention backoff.
const claimBackoff = 2 * time.Second

var (
	errWrapUp  = errors.New("wrap-up requested")
	errStopped = errors.New("loop stopped")
	errSkipped = errors.New("task skipped by operator")
)

// Executor runs one orchestration. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Execution, error)
}

// Deps are the subsystems the loop composes. Tasks, Orch, Planner,
// Evaluator, and Gates are required; the rest degrade to no-ops when nil.
type Deps struct {
	Tasks     *task.Manager
	Orch      Executor
	Planner   *plan.Planner
	Evaluator *plan.Evaluator
	Gates     *quality.Gates
	Retriever *retrieval.Retriever
	Optimizer *checkpoint.Optimizer
	Detector  *hil.Detector
	Usage     *usage.Tracker
	Limits    *limits.Tracker
	States    *state.Store
	Bus       *bus.Bus
	Memory    *memory.Store

	// Roster selects the agents for a phase.
	Roster func(phase types.Phase) []string
}

// Loop is the continuous loop orchestrator for one session.
type Loop struct {
	sessionID string
	deps      Deps
	cfg       config.LoopConfig

	// Set once a wrap-up decision is made; no new tasks start after that.
	wrappingUp bool

	// Operator controls, set from the dashboard goroutine.
	paused   atomic.Bool
	skipTask atomic.Bool

	// Per-task running state.
	history      []state.PhaseRecord
	lastSummary  string
	tokensInTask int
	lastAutosave time.Time
	hilVerdicts  int
}

// New creates a loop bound to a session.
func New(sessionID string, deps Deps, cfg config.LoopConfig) (*Loop, error) {
	if deps.Tasks == nil || deps.Orch == nil || deps.Planner == nil || deps.Evaluator == nil || deps.Gates == nil {
		return nil, fmt.Errorf("loop requires tasks, orchestrator, planner, evaluator, and gates")
	}
	if deps.Roster == nil {
		return nil, fmt.Errorf("loop requires a roster function")
	}
	return &Loop{sessionID: sessionID, deps: deps, cfg: cfg}, nil
}

// Run drives the loop until the context is canceled or a wrap-up or stop
// decision ends the session. Always persists a final snapshot on the way
// out.
func (l *Loop) Run(ctx context.Context) error {
	logging.Loop("Session %s: loop started", l.sessionID)
	defer l.saveSnapshot("", "", 0)

	limitHold := false
	for {
		if err := ctx.Err(); err != nil {
			logging.Loop("Session %s: shutdown requested", l.sessionID)
			return err
		}
		if l.wrappingUp {
			logging.Loop("Session %s: wrapped up, not starting new tasks", l.sessionID)
			return nil
		}
		if l.paused.Load() {
			l.publishSession("paused", "", "", 0)
			if !sleepCtx(ctx, idlePollEvery) {
				return ctx.Err()
			}
			continue
		}
		// Task selection is denied while message limits sit at the emergency
		// tier; the rolling window frees capacity on its own.
		if l.limitsEmergency() {
			if !limitHold {
				logging.Loop("Session %s: message limits at emergency tier, deferring task selection", l.sessionID)
				l.publishAlert("Message limits nearly exhausted; deferring new tasks")
				limitHold = true
			}
			l.publishSession("idle", "", "", 0)
			if !sleepCtx(ctx, idlePollEvery) {
				return ctx.Err()
			}
			continue
		}
		if limitHold {
			logging.Loop("Session %s: message limit window freed, resuming task selection", l.sessionID)
			limitHold = false
		}

		next, err := l.deps.Tasks.NextEligible(ctx)
		if errors.Is(err, memory.ErrNotFound) {
			l.publishSession("idle", "", "", 0)
			if !sleepCtx(ctx, idlePollEvery) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			logging.Loop("Session %s: task selection failed: %v", l.sessionID, err)
			if !sleepCtx(ctx, idlePollEvery) {
				return ctx.Err()
			}
			continue
		}

		if _, err := l.deps.Tasks.Claim(ctx, next.ID, l.sessionID, l.cfg.ClaimLease); err != nil {
			if errors.Is(err, memory.ErrClaimContended) {
				logging.Loop("Session %s: claim contention on %s, backing off", l.sessionID, next.ID)
				if !sleepCtx(ctx, claimBackoff) {
					return ctx.Err()
				}
				continue
			}
			logging.Loop("Session %s: claim %s failed: %v", l.sessionID, next.ID, err)
			continue
		}

		if err := l.runTask(ctx, next); err != nil {
			switch {
			case errors.Is(err, errWrapUp):
				// A rate-limit wrap-up holds at the selection gate and
				// resumes when the window frees; anything else ends the
				// session after the current task.
				if !l.limitsEmergency() {
					l.wrappingUp = true
				}
			case errors.Is(err, errStopped), errors.Is(err, context.Canceled):
				return err
			default:
				logging.Loop("Session %s: task %s errored: %v", l.sessionID, next.ID, err)
			}
		}
	}
}

// Pause holds the loop at the task-selection gate. The in-flight task, if
// any, runs to its next boundary as usual.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume releases a paused loop.
func (l *Loop) Resume() { l.paused.Store(false) }

// SkipTask abandons the in-flight task at the next phase boundary.
func (l *Loop) SkipTask() { l.skipTask.Store(true) }

func (l *Loop) limitsEmergency() bool {
	return l.deps.Limits != nil && l.deps.Limits.Status().Overall == limits.TierEmergency
}

// =============================================================================
// SINGLE TASK
// =============================================================================

// runTask executes one claimed task end to end: planning, the phase loop
// with iteration, and terminal bookkeeping.
func (l *Loop) runTask(ctx context.Context, t *types.Task) error {
	logging.Loop("Task %s: starting (%s, priority %s)", t.ID, t.Title, t.Priority)
	l.history = nil
	l.tokensInTask = 0

	stopHeartbeat := l.startHeartbeat(ctx, t.ID)
	defer stopHeartbeat()

	if err := l.deps.Tasks.Start(ctx, t.ID, l.sessionID); err != nil {
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	chosen, err := l.planTask(ctx, t)
	if err != nil {
		return l.failTask(ctx, t, fmt.Sprintf("planning: %v", err))
	}

	startIdx := 0
	var scores []float64
	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		failedIdx, phaseScores, err := l.runPhases(ctx, t, chosen, iteration, startIdx)
		scores = append(scores, phaseScores...)
		if err != nil {
			if errors.Is(err, errWrapUp) || errors.Is(err, context.Canceled) {
				// Graceful exit: put the task back for the next session.
				l.releaseTask(t.ID)
				return err
			}
			if errors.Is(err, errStopped) {
				return l.failTask(ctx, t, "stopped by safety check")
			}
			if errors.Is(err, errSkipped) {
				return l.failTask(ctx, t, "skipped by operator")
			}
			return l.failTask(ctx, t, fmt.Sprintf("%s: %v", ClassifyFailure(err), err))
		}
		if failedIdx < 0 {
			return l.completeTask(ctx, t, scores)
		}
		// Loop back to the earliest failed phase.
		startIdx = failedIdx
		logging.Loop("Task %s: iteration %d failed at %s, retrying", t.ID, iteration, types.Phases[failedIdx])
	}

	return l.failTask(ctx, t, fmt.Sprintf("quality gates still failing after %d iterations", l.cfg.MaxIterations))
}

// runPhases walks the phases from startIdx. Returns the index of the first
// failed phase, or -1 when all passed.
func (l *Loop) runPhases(ctx context.Context, t *types.Task, chosen *plan.Plan, iteration, startIdx int) (failedIdx int, scores []float64, err error) {
	for idx := startIdx; idx < len(types.Phases); idx++ {
		if l.skipTask.Swap(false) {
			return -1, scores, errSkipped
		}
		phase := types.Phases[idx]
		pattern := l.patternFor(phase)
		roster := l.deps.Roster(phase)
		if len(roster) == 0 {
			return -1, scores, fmt.Errorf("no agents available for phase %s", phase)
		}

		l.publishSession("running", t.ID, phase, iteration)

		input, ctxTokens := l.buildInput(ctx, t, chosen, phase, roster, pattern)
		l.tokensInTask += ctxTokens

		exec, execErr := l.deps.Orch.Execute(ctx, orchestrator.Request{
			Pattern:  pattern,
			TaskID:   t.ID,
			Phase:    phase,
			Input:    input,
			AgentIDs: roster,
		})
		if l.deps.Limits != nil {
			l.deps.Limits.RecordMessage()
		}
		if execErr != nil {
			return -1, scores, fmt.Errorf("phase %s: %w", phase, execErr)
		}
		l.tokensInTask += exec.Usage.Total()
		if l.deps.Optimizer != nil && l.deps.Optimizer.ObserveTokens(l.tokensInTask) {
			logging.Loop("Task %s: external compaction detected, checkpoint learner reset", t.ID)
		}

		gate := l.deps.Gates.Evaluate(phase, exec.Result)
		scores = append(scores, gate.Score)
		contextPct := l.contextPercent()
		l.history = append(l.history, state.PhaseRecord{
			TaskID: t.ID, Phase: phase, Pattern: pattern, Iteration: iteration,
			GateScore: gate.Score, Passed: gate.Passed, CompletedAt: time.Now().UTC(),
		})
		if l.deps.Optimizer != nil {
			l.deps.Optimizer.RecordOutcome(checkpoint.Sample{
				ContextPercent: contextPct, Success: gate.Passed, Pattern: pattern,
			})
		}
		l.recordObservation(ctx, t, phase, exec)

		if !gate.Passed {
			logging.Loop("Task %s: %s gate failed (%.1f < %.0f)", t.ID, phase, gate.Score, gate.Threshold)
			return idx, scores, nil
		}
		logging.Loop("Task %s: %s passed (%.1f) via %s", t.ID, phase, gate.Score, pattern)

		// Safety checks between phases; the current phase is already done.
		switch l.safetyCheck(ctx, contextPct, pattern, t.Title+"\n"+exec.Result) {
		case decideCheckpoint:
			l.doCheckpoint(t, phase, iteration, pattern)
		case decideWrapUp:
			return -1, scores, errWrapUp
		case decideStop:
			return -1, scores, errStopped
		}
		if err := ctx.Err(); err != nil {
			// Finish-current-phase semantics: the phase above completed,
			// shutdown is honored at the boundary.
			return -1, scores, err
		}
		l.maybeAutosave(t.ID, phase, iteration)
	}
	return -1, scores, nil
}

// maybeAutosave persists a snapshot when the autosave cadence has elapsed.
// Runs at phase boundaries so the snapshot never races the phase loop.
func (l *Loop) maybeAutosave(taskID string, phase types.Phase, iteration int) {
	if l.cfg.AutosaveEvery <= 0 {
		return
	}
	if time.Since(l.lastAutosave) < l.cfg.AutosaveEvery {
		return
	}
	l.lastAutosave = time.Now()
	l.saveSnapshot(taskID, phase, iteration)
}

// =============================================================================
// PLANNING
// =============================================================================

// planTask scores complexity and, above the threshold, runs competitive
// planning. Ties block on a human decision and fall back to balanced.
func (l *Loop) planTask(ctx context.Context, t *types.Task) (*plan.Plan, error) {
	complexity := plan.EstimateComplexity(t.Title, t.Description, len(t.DependsOn), len(t.AcceptanceCriteria))
	logging.Loop("Task %s: complexity %d (threshold %d)", t.ID, complexity, l.cfg.ComplexityThreshold)

	plans := l.deps.Planner.Generate(t, complexity, false)
	if len(plans) == 1 {
		return plans[0], nil
	}

	cmp, err := l.deps.Evaluator.Compare(plans)
	if err != nil {
		return nil, err
	}
	if !cmp.NeedsReview {
		return cmp.Winner, nil
	}
	return l.resolveTie(ctx, t, plans, cmp), nil
}

// resolveTie blocks on a human plan decision from the dashboard, up to the
// configured timeout, then falls back to the balanced strategy.
func (l *Loop) resolveTie(ctx context.Context, t *types.Task, plans []*plan.Plan, cmp *plan.Comparison) *plan.Plan {
	logging.Loop("Task %s: plan tie (%s), awaiting decision", t.ID, cmp.Reason)
	l.publishAlert(fmt.Sprintf("Plan tie on task %s: %s", t.ID, cmp.Reason))

	if l.deps.Bus != nil {
		decisionCh := make(chan string, 1)
		unsubscribe := l.deps.Bus.Subscribe(TopicPlanDecision, func(_ string, payload any) {
			d, ok := payload.(map[string]any)
			if !ok || d["task_id"] != t.ID {
				return
			}
			if planID, ok := d["plan_id"].(string); ok {
				select {
				case decisionCh <- planID:
				default:
				}
			}
		})
		defer unsubscribe()

		timeout := l.cfg.TieDecisionTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		select {
		case planID := <-decisionCh:
			for _, p := range plans {
				if p.ID == planID {
					logging.Loop("Task %s: human selected %s plan", t.ID, p.Strategy)
					return p
				}
			}
			logging.Loop("Task %s: decided plan %s not found, falling back", t.ID, planID)
		case <-time.After(timeout):
			logging.Loop("Task %s: tie decision timed out, falling back to balanced", t.ID)
		case <-ctx.Done():
		}
	}

	for _, p := range plans {
		if p.Strategy == plan.StrategyBalanced {
			return p
		}
	}
	return cmp.Winner
}

// =============================================================================
// INPUT ASSEMBLY
// =============================================================================

// buildInput renders the phase prompt: task, plan steps for the phase, and
// retrieved historical context. Returns the input and its context token cost.
func (l *Loop) buildInput(ctx context.Context, t *types.Task, chosen *plan.Plan, phase types.Phase, roster []string, pattern types.Pattern) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n\n## Phase: %s\n", t.Title, t.Description, phase)
	if chosen != nil {
		for _, step := range chosen.Steps {
			if step.Phase == phase {
				fmt.Fprintf(&b, "- %s: %s\n", step.Action, step.Details)
			}
		}
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c.Text)
		}
	}

	tokens := 0
	if l.deps.Retriever != nil {
		retrieved, err := l.deps.Retriever.Retrieve(ctx, t.Title+" "+t.Description, roster, pattern)
		if err == nil && len(retrieved.Layer1) > 0 {
			b.WriteString("\n## Relevant history\n")
			for _, entry := range retrieved.Layer1 {
				fmt.Fprintf(&b, "- %s\n", entry.Summary)
			}
			tokens = retrieved.TokenCount
		}
	}
	if l.lastSummary != "" {
		b.WriteString("\n## Session summary\n")
		b.WriteString(l.lastSummary)
		b.WriteString("\n")
	}
	return b.String(), tokens
}

// =============================================================================
// TERMINAL BOOKKEEPING
// =============================================================================

func (l *Loop) completeTask(ctx context.Context, t *types.Task, scores []float64) error {
	avg := 0.0
	for _, s := range scores {
		avg += s
	}
	if len(scores) > 0 {
		avg /= float64(len(scores))
	}
	result := fmt.Sprintf("Completed in %d phase runs, mean gate score %.1f", len(scores), avg)
	if err := l.deps.Tasks.Complete(ctx, t.ID, result, avg); err != nil {
		return fmt.Errorf("complete %s: %w", t.ID, err)
	}
	l.publish(TopicTaskCompleted, map[string]any{
		"task_id": t.ID, "session_id": l.sessionID, "quality": avg,
	})
	logging.Loop("Task %s: completed (mean quality %.1f)", t.ID, avg)
	return nil
}

func (l *Loop) failTask(ctx context.Context, t *types.Task, reason string) error {
	if err := l.deps.Tasks.Fail(ctx, t.ID, reason); err != nil {
		logging.Loop("Task %s: recording failure failed: %v", t.ID, err)
	}
	l.publish(TopicTaskFailed, map[string]any{
		"task_id": t.ID, "session_id": l.sessionID, "reason": reason,
	})
	logging.Loop("Task %s: failed: %s", t.ID, reason)
	return fmt.Errorf("task %s failed: %s", t.ID, reason)
}

// releaseTask puts a claimed task back to pending, using a short detached
// context so it survives session cancellation.
func (l *Loop) releaseTask(taskID string) {
	budget := l.cfg.WrapUpBudget
	if budget <= 0 {
		budget = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := l.deps.Tasks.Release(ctx, taskID); err != nil {
		logging.Loop("Task %s: release failed: %v", taskID, err)
	}
	l.saveSnapshot(taskID, "", 0)
}

func (l *Loop) recordObservation(ctx context.Context, t *types.Task, phase types.Phase, exec *orchestrator.Execution) {
	if l.deps.Memory == nil || !exec.Success {
		return
	}
	obsType, ok := map[types.Phase]types.ObservationType{
		types.PhaseResearch:  types.ObsDiscovery,
		types.PhaseDesign:    types.ObsDecision,
		types.PhaseImplement: types.ObsFeature,
		types.PhaseTest:      types.ObsPatternUsage,
		types.PhaseValidate:  types.ObsDecision,
	}[phase]
	if !ok {
		return
	}
	obs := &types.Observation{
		ID:              uuid.NewString(),
		OrchestrationID: exec.ID,
		Type:            obsType,
		Content:         summarize(exec.Result, 500),
		Importance:      5,
	}
	if err := l.deps.Memory.RecordObservation(ctx, obs); err != nil {
		logging.Loop("Task %s: observation not recorded: %v", t.ID, err)
	}
}

// =============================================================================
// HEARTBEAT, STATE, EVENTS
// =============================================================================

func (l *Loop) startHeartbeat(ctx context.Context, taskID string) (stop func()) {
	every := l.cfg.HeartbeatEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := l.deps.Tasks.Heartbeat(hbCtx, taskID, l.sessionID, l.cfg.ClaimLease); err != nil {
					logging.Loop("Task %s: heartbeat failed: %v", taskID, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (l *Loop) saveSnapshot(taskID string, phase types.Phase, iteration int) {
	if l.deps.States == nil {
		return
	}
	snap := &state.Snapshot{
		SessionID:         l.sessionID,
		TaskID:            taskID,
		Phase:             phase,
		Iteration:         iteration,
		PhaseHistory:      l.history,
		CheckpointSummary: l.lastSummary,
	}
	if l.deps.Optimizer != nil {
		snap.CheckpointThreshold = l.deps.Optimizer.Threshold()
	}
	if l.deps.Limits != nil {
		snap.LimitSamples = l.deps.Limits.Snapshot()
	}
	if err := l.deps.States.Save(snap); err != nil {
		logging.Loop("Session %s: state save failed: %v", l.sessionID, err)
	}
}

// Restore rehydrates learned state from a prior session snapshot.
func (l *Loop) Restore(snap *state.Snapshot) {
	if snap == nil {
		return
	}
	l.history = snap.PhaseHistory
	l.lastSummary = snap.CheckpointSummary
	if l.deps.Limits != nil && len(snap.LimitSamples) > 0 {
		l.deps.Limits.Restore(snap.LimitSamples)
	}
}

func (l *Loop) patternFor(phase types.Phase) types.Pattern {
	if name, ok := l.cfg.PhasePatterns[string(phase)]; ok {
		return types.Pattern(name)
	}
	switch phase {
	case types.PhaseDesign:
		return types.PatternDebate
	case types.PhaseValidate:
		return types.PatternReview
	default:
		return types.PatternParallel
	}
}

func (l *Loop) contextPercent() float64 {
	if l.deps.Retriever == nil {
		return 0
	}
	return l.deps.Retriever.PercentOfWindow(l.tokensInTask)
}

func (l *Loop) publish(topic string, payload any) {
	if l.deps.Bus != nil {
		l.deps.Bus.Publish(topic, payload)
	}
}

func (l *Loop) publishSession(status string, taskID string, phase types.Phase, iteration int) {
	l.publish(TopicSessionUpdate, map[string]any{
		"session_id": l.sessionID,
		"status":     status,
		"task_id":    taskID,
		"phase":      string(phase),
		"iteration":  iteration,
	})
}

func (l *Loop) publishAlert(message string) {
	l.publish(TopicAlertWarning, map[string]any{
		"session_id": l.sessionID,
		"message":    message,
	})
}

func summarize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

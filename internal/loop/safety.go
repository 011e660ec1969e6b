package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helmsman/internal/hil"
	"helmsman/internal/limits"
	"helmsman/internal/logging"
	"helmsman/internal/state"
	"helmsman/internal/types"
)

// Detector thresholds are recalibrated after this many human verdicts.
const recalibrateEvery = 5

// decision is the outcome of the between-phase safety checks.
type decision int

const (
	decideContinue decision = iota
	decideCheckpoint
	decideWrapUp
	decideStop
)

func (d decision) String() string {
	switch d {
	case decideCheckpoint:
		return "checkpoint"
	case decideWrapUp:
		return "wrap-up"
	case decideStop:
		return "stop"
	default:
		return "continue"
	}
}

// safetyCheck runs between phases: budget, rate limits, context pressure,
// and human-review detection on the just-produced output. The strongest
// applicable decision wins; checks are ordered hard-stop first.
func (l *Loop) safetyCheck(ctx context.Context, contextPct float64, pattern types.Pattern, actionText string) decision {
	// Budget: an exceeded window means finish gracefully, never start more
	// work.
	if l.deps.Usage != nil {
		if status, err := l.deps.Usage.BudgetStatus(ctx); err == nil {
			if status.Daily.Exceeded || status.Monthly.Exceeded {
				logging.Loop("Session %s: budget exceeded (daily %.0f%%, monthly %.0f%%), wrapping up",
					l.sessionID, status.Daily.Percent, status.Monthly.Percent)
				l.publishAlert("Budget exceeded; wrapping up")
				return decideWrapUp
			}
		}
	}

	// Rate limits: emergency tier wraps up, critical raises an alert.
	if l.deps.Limits != nil {
		status := l.deps.Limits.Status()
		switch status.Overall {
		case limits.TierEmergency:
			logging.Loop("Session %s: rate limits at emergency tier, wrapping up", l.sessionID)
			l.publishAlert("Message limits nearly exhausted; wrapping up")
			return decideWrapUp
		case limits.TierCritical:
			l.publishAlert("Message limits past 75%; slowing down")
		}
	}

	// Human review: a triggered detection blocks until a decision arrives.
	if l.deps.Detector != nil {
		if det := l.deps.Detector.Evaluate(actionText); det.Triggered {
			logging.Loop("Session %s: human review triggered (%s, %.2f)", l.sessionID, det.Pattern, det.Confidence)
			l.publishAlert(fmt.Sprintf("Human review required: %s (matched %s)",
				det.Pattern, strings.Join(det.Matched, ", ")))
			verdict, decided := l.awaitHILApproval(ctx)
			if decided {
				l.recordHILFeedback(det, verdict)
			}
			if !decided || !verdict.approved {
				return decideStop
			}
		}
	}

	// Context pressure: checkpoint past the learned threshold, blended with
	// the pattern's token history when one exists.
	if l.deps.Optimizer != nil {
		threshold := l.deps.Optimizer.Threshold()
		if l.deps.Retriever != nil {
			threshold = l.deps.Optimizer.SuggestThreshold(pattern, l.deps.Retriever.WindowTokens())
		}
		if contextPct >= threshold {
			return decideCheckpoint
		}
	}

	return decideContinue
}

// recordHILFeedback feeds a human verdict back into the detector. Any
// rendered verdict confirms the detection was worth surfacing; an explicit
// false-alarm marking counts against the pattern instead.
func (l *Loop) recordHILFeedback(det hil.Detection, verdict hilVerdict) {
	l.deps.Detector.RecordFeedback(hil.Feedback{
		Pattern:    det.Pattern,
		Triggered:  true,
		WasCorrect: !verdict.falseAlarm,
	})
	l.hilVerdicts++
	if l.hilVerdicts%recalibrateEvery == 0 {
		l.deps.Detector.Recalibrate()
	}
}

// hilVerdict is one human decision on a review-blocked action.
type hilVerdict struct {
	approved   bool
	falseAlarm bool
}

// awaitHILApproval blocks for a human verdict from the dashboard, up to the
// tie-decision timeout. Times out to denial: unreviewed risky actions do
// not proceed. decided is false when no human rendered a verdict.
func (l *Loop) awaitHILApproval(ctx context.Context) (verdict hilVerdict, decided bool) {
	if l.deps.Bus == nil {
		return hilVerdict{}, false
	}
	verdictCh := make(chan hilVerdict, 1)
	unsubscribe := l.deps.Bus.Subscribe(TopicHILDecision, func(_ string, payload any) {
		d, ok := payload.(map[string]any)
		if !ok || d["session_id"] != l.sessionID {
			return
		}
		approved, _ := d["approved"].(bool)
		falseAlarm, _ := d["false_alarm"].(bool)
		select {
		case verdictCh <- hilVerdict{approved: approved, falseAlarm: falseAlarm}:
		default:
		}
	})
	defer unsubscribe()

	timeout := l.cfg.TieDecisionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	select {
	case v := <-verdictCh:
		logging.Loop("Session %s: human verdict approved=%t", l.sessionID, v.approved)
		return v, true
	case <-time.After(timeout):
		logging.Loop("Session %s: human review timed out, denying", l.sessionID)
		return hilVerdict{}, false
	case <-ctx.Done():
		return hilVerdict{}, false
	}
}

// doCheckpoint summarizes completed work, trims the in-memory history, and
// persists a snapshot so the loop can resume lean.
func (l *Loop) doCheckpoint(t *types.Task, phase types.Phase, iteration int, pattern types.Pattern) {
	logging.Loop("Task %s: checkpointing at %s (threshold %.0f)", t.ID, phase, l.thresholdNow())

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s checkpoint after %s (iteration %d): ", t.ID, phase, iteration)
	passed := 0
	for _, rec := range l.history {
		if rec.Passed {
			passed++
		}
	}
	fmt.Fprintf(&b, "%d/%d phase runs passed.", passed, len(l.history))
	l.lastSummary = b.String()

	// Keep only the current iteration's records in memory.
	var kept []state.PhaseRecord
	for _, rec := range l.history {
		if rec.Iteration == iteration {
			kept = append(kept, rec)
		}
	}
	l.history = kept

	if l.deps.Optimizer != nil {
		l.deps.Optimizer.RecordTokensUntilCheckpoint(pattern, l.tokensInTask)
		l.deps.Optimizer.ResetTokenBaseline()
	}
	l.tokensInTask = 0
	if l.deps.Retriever != nil {
		l.deps.Retriever.Invalidate()
	}
	l.saveSnapshot(t.ID, phase, iteration)
}

func (l *Loop) thresholdNow() float64 {
	if l.deps.Optimizer == nil {
		return 0
	}
	return l.deps.Optimizer.Threshold()
}

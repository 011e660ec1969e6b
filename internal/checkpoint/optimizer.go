// Package checkpoint learns when to request context checkpoints. The
// optimizer adapts a context-percent threshold from observed outcomes and
// keeps per-pattern token statistics for blended suggestions.
package checkpoint

import (
	"math"
	"sync"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// Threshold moves by this many percentage points per adjustment.
const adjustStep = 2.0

// Number of recent samples the rolling success rate considers.
const rollingWindow = 10

// Consecutive successes before the threshold is allowed to drift up.
const successStreak = 5

// Sample records one checkpoint decision and its outcome.
type Sample struct {
	ContextPercent float64       `json:"context_percent"`
	Success        bool          `json:"success"`
	Pattern        types.Pattern `json:"pattern,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// patternStats tracks running mean/variance of tokens-until-checkpoint per
// pattern (Welford's algorithm).
type patternStats struct {
	n    int
	mean float64
	m2   float64
}

func (p *patternStats) add(x float64) {
	p.n++
	delta := x - p.mean
	p.mean += delta / float64(p.n)
	p.m2 += delta * (x - p.mean)
}

func (p *patternStats) variance() float64 {
	if p.n < 2 {
		return 0
	}
	return p.m2 / float64(p.n-1)
}

// Optimizer adapts the checkpoint threshold.
type Optimizer struct {
	mu        sync.Mutex
	threshold float64
	start     float64
	min, max  float64
	dropTok   int

	samples   []Sample
	streak    int // consecutive successes
	perPat    map[types.Pattern]*patternStats
	lastToken int // last observed token count, for compaction detection
}

// NewOptimizer creates an optimizer from loop configuration.
func NewOptimizer(cfg config.LoopConfig) *Optimizer {
	return &Optimizer{
		threshold: float64(cfg.CheckpointThresholdStart),
		start:     float64(cfg.CheckpointThresholdStart),
		min:       float64(cfg.CheckpointThresholdMin),
		max:       float64(cfg.CheckpointThresholdMax),
		dropTok:   cfg.CompactionDropTokens,
		perPat:    make(map[types.Pattern]*patternStats),
		lastToken: -1,
	}
}

// Threshold returns the current global threshold in percent.
func (o *Optimizer) Threshold() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threshold
}

// ShouldCheckpoint reports whether the given context percent crosses the
// current threshold.
func (o *Optimizer) ShouldCheckpoint(contextPercent float64) bool {
	return contextPercent >= o.Threshold()
}

// RecordOutcome feeds one checkpoint outcome back into the learner. Failures
// pull the threshold down immediately; a streak of successes nudges it up.
func (o *Optimizer) RecordOutcome(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.samples = append(o.samples, s)
	if len(o.samples) > rollingWindow {
		o.samples = o.samples[len(o.samples)-rollingWindow:]
	}

	if s.Success {
		o.streak++
		if o.streak >= successStreak {
			o.adjust(adjustStep)
			o.streak = 0
		}
	} else {
		o.streak = 0
		o.adjust(-adjustStep)
	}
}

// ObserveTokens feeds the current total token count. A drop of at least the
// compaction threshold within one interval means an external compaction
// happened: reset the learner's run state and start from the configured
// threshold again.
func (o *Optimizer) ObserveTokens(total int) (compacted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.lastToken >= 0 && o.lastToken-total >= o.dropTok {
		logging.Checkpoint("Compaction detected: tokens %d -> %d, resetting threshold to %.0f%%",
			o.lastToken, total, o.start)
		o.threshold = o.start
		o.streak = 0
		o.samples = nil
		compacted = true
	}
	o.lastToken = total
	return compacted
}

// ResetTokenBaseline re-seeds compaction detection after an intentional
// checkpoint trim, so the next token observation is not mistaken for an
// external compaction.
func (o *Optimizer) ResetTokenBaseline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastToken = 0
}

// RecordTokensUntilCheckpoint feeds per-pattern token distance for the
// blended suggestion.
func (o *Optimizer) RecordTokensUntilCheckpoint(pattern types.Pattern, tokens int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.perPat[pattern]
	if !ok {
		st = &patternStats{}
		o.perPat[pattern] = st
	}
	st.add(float64(tokens))
}

// SuggestThreshold blends the global threshold with the per-pattern history
// for a new task. Patterns that historically checkpoint early (high variance
// or low mean tokens) pull the suggestion down.
func (o *Optimizer) SuggestThreshold(pattern types.Pattern, maxContextTokens int) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.perPat[pattern]
	if !ok || st.n < 2 || maxContextTokens <= 0 {
		return o.threshold
	}

	// Predicted checkpoint point one standard deviation before the mean,
	// expressed as a percent of the context window.
	predicted := (st.mean - math.Sqrt(st.variance())) / float64(maxContextTokens) * 100
	blended := 0.7*o.threshold + 0.3*predicted
	return clamp(blended, o.min, o.max)
}

// SuccessRate reports the rolling success rate over recent samples.
func (o *Optimizer) SuccessRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.samples) == 0 {
		return 1
	}
	ok := 0
	for _, s := range o.samples {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(o.samples))
}

// adjust moves the threshold, clamped to the configured range. Caller holds
// the lock.
func (o *Optimizer) adjust(delta float64) {
	prev := o.threshold
	o.threshold = clamp(o.threshold+delta, o.min, o.max)
	if o.threshold != prev {
		logging.Checkpoint("Threshold adjusted %.0f%% -> %.0f%%", prev, o.threshold)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

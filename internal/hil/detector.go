// Package hil decides when a proposed action needs a human before it runs.
// Seven built-in pattern families score input text on weighted keyword,
// regex, and booster hits; user feedback tunes thresholds and can grow
// pattern vocabularies over time.
package hil

import (
	"sort"
	"strings"
	"sync"

	"helmsman/internal/logging"
)

// Confidence never exceeds this cap regardless of hit count.
const maxConfidence = 1.0

// thresholdRaise is applied to a pattern with poor precision.
const thresholdRaise = 0.05

// minSupport is how many distinct false-negative texts must contain a term
// before it is promoted to a pattern keyword.
const minSupport = 3

// minObservations gates recalibration so a single bad call cannot move a
// threshold.
const minObservations = 5

// Detection is the result of evaluating one input.
type Detection struct {
	Triggered  bool      `json:"triggered"`
	Pattern    PatternID `json:"pattern,omitempty"`
	Confidence float64   `json:"confidence"`
	Matched    []string  `json:"matched,omitempty"` // highlighted terms
}

// Feedback is a user verdict on a prior detection.
type Feedback struct {
	Pattern    PatternID // Pattern that triggered (or should have)
	Triggered  bool      // What the detector said
	WasCorrect bool      // Whether the user agreed
	Text       string    // Original input, used for keyword extraction on misses
}

// Stats summarizes learning state for one pattern.
type Stats struct {
	TP, FP, TN, FN int
	Precision      float64
	Recall         float64
	Threshold      float64
}

// Detector classifies actions as needing human review.
type Detector struct {
	mu       sync.RWMutex
	patterns map[PatternID]*pattern
}

// NewDetector creates a detector with the built-in pattern families.
func NewDetector() *Detector {
	return &Detector{patterns: builtinPatterns()}
}

// Evaluate scores text against every pattern and returns the strongest
// detection. Triggered is set when that confidence meets the pattern's
// threshold.
func (d *Detector) Evaluate(text string) Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lower := strings.ToLower(text)
	best := Detection{}
	for _, p := range d.patterns {
		conf, matched := scorePattern(p, text, lower)
		if conf > best.Confidence {
			best = Detection{
				Pattern:    p.id,
				Confidence: conf,
				Matched:    matched,
				Triggered:  conf >= p.threshold,
			}
		}
	}
	if best.Triggered {
		logging.HIL("Review trigger: pattern=%s confidence=%.2f terms=%v",
			best.Pattern, best.Confidence, best.Matched)
	}
	return best
}

func scorePattern(p *pattern, text, lower string) (float64, []string) {
	var conf float64
	var matched []string

	for kw, w := range p.keywords {
		if strings.Contains(lower, kw) {
			conf += w
			matched = append(matched, kw)
		}
	}
	for _, wr := range p.regexes {
		if wr.re.MatchString(text) {
			conf += wr.weight
			matched = append(matched, wr.label)
		}
	}
	// Boosters only amplify an existing base hit.
	if conf > 0 {
		for term, w := range p.boosters {
			if strings.Contains(lower, term) {
				conf += w
				matched = append(matched, term)
			}
		}
	}
	if conf > maxConfidence {
		conf = maxConfidence
	}
	sort.Strings(matched)
	return conf, matched
}

// RecordFeedback updates the confusion counts for a pattern.
func (d *Detector) RecordFeedback(fb Feedback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.patterns[fb.Pattern]
	if !ok {
		return
	}
	switch {
	case fb.Triggered && fb.WasCorrect:
		p.stats.TP++
	case fb.Triggered && !fb.WasCorrect:
		p.stats.FP++
	case !fb.Triggered && fb.WasCorrect:
		p.stats.TN++
	default: // missed detection
		p.stats.FN++
		if fb.Text != "" {
			p.fnTexts = append(p.fnTexts, strings.ToLower(fb.Text))
		}
	}
}

// Recalibrate recomputes precision/recall per pattern, raises thresholds on
// low precision, and promotes frequent false-negative terms to keywords.
func (d *Detector) Recalibrate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.patterns {
		s := p.stats
		if s.TP+s.FP >= minObservations && s.precision() < 0.5 {
			prev := p.threshold
			p.threshold += thresholdRaise
			if p.threshold > 0.95 {
				p.threshold = 0.95
			}
			logging.HIL("Pattern %s precision %.2f: threshold %.2f -> %.2f",
				p.id, s.precision(), prev, p.threshold)
		}
		d.extractKeywords(p)
	}
}

// extractKeywords promotes terms that appear in enough distinct missed
// inputs. Caller holds the lock.
func (d *Detector) extractKeywords(p *pattern) {
	if len(p.fnTexts) < minSupport {
		return
	}
	support := make(map[string]int)
	for _, text := range p.fnTexts {
		seen := make(map[string]bool)
		for _, word := range strings.Fields(text) {
			word = strings.Trim(word, ".,!?;:\"'()")
			if len(word) < 4 || seen[word] {
				continue
			}
			seen[word] = true
			support[word]++
		}
	}
	for word, n := range support {
		if n < minSupport {
			continue
		}
		if _, exists := p.keywords[word]; exists {
			continue
		}
		p.keywords[word] = 0.3
		logging.HIL("Pattern %s learned keyword %q (support %d)", p.id, word, n)
	}
	p.fnTexts = nil
}

// PatternStats exposes per-pattern learning state.
func (d *Detector) PatternStats() map[PatternID]Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[PatternID]Stats, len(d.patterns))
	for id, p := range d.patterns {
		out[id] = Stats{
			TP: p.stats.TP, FP: p.stats.FP, TN: p.stats.TN, FN: p.stats.FN,
			Precision: p.stats.precision(),
			Recall:    p.stats.recall(),
			Threshold: p.threshold,
		}
	}
	return out
}

package quality

import (
	"helmsman/internal/logging"
)

// Signal names for the confidence breakdown.
const (
	SignalQuality    = "quality"
	SignalVelocity   = "velocity"
	SignalIterations = "iterations"
	SignalErrorRate  = "error_rate"
	SignalHistorical = "historical"
)

// HealthTier classifies overall confidence.
type HealthTier string

const (
	HealthHealthy  HealthTier = "healthy"  // >= 70
	HealthWarning  HealthTier = "warning"  // >= 50
	HealthCritical HealthTier = "critical" // < 50
)

// Inputs are the raw measurements behind the five signals.
type Inputs struct {
	RecentQuality []float64 // Recent gate scores, 0-100

	TasksPerHour       float64 // Current velocity
	MedianTasksPerHour float64 // Historical baseline; 0 means unknown

	Iterations    int // Iterations spent on the current task
	MaxIterations int

	ErrorRate float64 // Failed orchestration fraction, 0-1

	HistoricalSuccessRate float64 // Success rate on similar past tasks, 0-1
	HistoricalSamples     int     // How many past tasks back that rate
}

// Confidence is the blended health score.
type Confidence struct {
	Overall float64            `json:"overall"` // 0-100
	Signals map[string]float64 `json:"signals"`
	Status  HealthTier         `json:"status"`
}

// Monitor computes confidence scores. Stateless; all state arrives in Inputs.
type Monitor struct{}

// NewMonitor creates a confidence monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Assess blends the five signals with equal weights into one score.
func (m *Monitor) Assess(in Inputs) Confidence {
	signals := map[string]float64{
		SignalQuality:    qualitySignal(in.RecentQuality),
		SignalVelocity:   velocitySignal(in.TasksPerHour, in.MedianTasksPerHour),
		SignalIterations: iterationSignal(in.Iterations, in.MaxIterations),
		SignalErrorRate:  errorSignal(in.ErrorRate),
		SignalHistorical: historicalSignal(in.HistoricalSuccessRate, in.HistoricalSamples),
	}

	var sum float64
	for _, v := range signals {
		sum += v
	}
	overall := sum / float64(len(signals))

	c := Confidence{Overall: overall, Signals: signals, Status: tierFor(overall)}
	if c.Status != HealthHealthy {
		logging.Quality("Confidence %s: %.1f %v", c.Status, overall, signals)
	}
	return c
}

func tierFor(overall float64) HealthTier {
	switch {
	case overall >= 70:
		return HealthHealthy
	case overall >= 50:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// Weighted average of recent gate scores, newest heaviest.
func qualitySignal(recent []float64) float64 {
	if len(recent) == 0 {
		return 70 // neutral prior
	}
	var sum, weight float64
	for i, q := range recent {
		w := float64(i + 1) // later entries are newer
		sum += q * w
		weight += w
	}
	return clampScore(sum / weight)
}

// Velocity relative to the historical median; par scores 70.
func velocitySignal(current, median float64) float64 {
	if median <= 0 {
		return 70
	}
	return clampScore(current / median * 70)
}

// Fewer iterations score higher; hitting the cap scores zero.
func iterationSignal(iterations, max int) float64 {
	if max <= 0 {
		return 70
	}
	if iterations >= max {
		return 0
	}
	return clampScore((1 - float64(iterations)/float64(max)) * 100)
}

// Inverse error rate, clamped.
func errorSignal(rate float64) float64 {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return (1 - rate) * 100
}

// Historical success rate, discounted when backed by few samples.
func historicalSignal(rate float64, samples int) float64 {
	if samples <= 0 {
		return 70
	}
	score := clampScore(rate * 100)
	if samples < 5 {
		// Blend toward the neutral prior.
		alpha := float64(samples) / 5
		score = score*alpha + 70*(1-alpha)
	}
	return score
}

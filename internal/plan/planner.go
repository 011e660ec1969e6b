package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// Planner generates competing plans for a task.
type Planner struct {
	cfg   config.LoopConfig
	cache *lru.LRU[string, []*Plan]
}

// NewPlanner creates a competitive planner with a TTL'd plan cache.
func NewPlanner(cfg config.LoopConfig) *Planner {
	ttl := cfg.PlanCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Planner{
		cfg:   cfg,
		cache: lru.NewLRU[string, []*Plan](64, nil, ttl),
	}
}

// StrategiesFor maps a complexity score to the set of plans to generate.
func StrategiesFor(complexity, threshold int) []Strategy {
	switch {
	case complexity < threshold:
		return []Strategy{StrategyBalanced}
	case complexity < 70:
		return []Strategy{StrategyConservative, StrategyBalanced}
	default:
		return []Strategy{StrategyConservative, StrategyBalanced, StrategyAggressive}
	}
}

// Generate produces one plan per selected strategy. Results are cached by
// task id + complexity; force bypasses and refreshes the cache.
func (p *Planner) Generate(task *types.Task, complexity int, force bool) []*Plan {
	key := fmt.Sprintf("%s:%d", task.ID, complexity)
	if !force {
		if cached, ok := p.cache.Get(key); ok {
			logging.Plans("Plan cache hit for task %s", task.ID)
			return cached
		}
	}

	strategies := StrategiesFor(complexity, p.cfg.ComplexityThreshold)
	plans := make([]*Plan, 0, len(strategies))
	for _, s := range strategies {
		plans = append(plans, buildPlan(task, complexity, s))
	}
	p.cache.Add(key, plans)

	logging.Plans("Generated %d plan(s) for task %s (complexity %d)", len(plans), task.ID, complexity)
	return plans
}

// buildPlan derives steps, risks, and estimates for one strategy.
func buildPlan(task *types.Task, complexity int, strategy Strategy) *Plan {
	text := strings.ToLower(task.Title + " " + task.Description)

	pl := &Plan{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Strategy:  strategy,
		Steps:     buildSteps(task, strategy),
		Risks:     inferRisks(text, strategy),
		Analysis:  analyze(complexity, strategy),
		CreatedAt: time.Now().UTC(),
	}
	pl.Dependencies = inferDependencies(text)
	pl.Estimates = estimate(task, complexity, strategy)
	return pl
}

func buildSteps(task *types.Task, strategy Strategy) []Step {
	mk := func(order int, action, details string, phase types.Phase) Step {
		return Step{Order: order, Action: action, Details: details, Phase: phase}
	}

	steps := []Step{
		mk(1, "Survey prior art and constraints", "Collect existing approaches and boundary conditions for: "+task.Title, types.PhaseResearch),
		mk(2, "Draft the approach", "Define interfaces, data shapes, and failure handling", types.PhaseDesign),
		mk(3, "Implement the core change", task.Title, types.PhaseImplement),
		mk(4, "Write and run tests", "Cover the acceptance criteria and edge cases", types.PhaseTest),
		mk(5, "Validate end to end", "Exercise the change against realistic inputs", types.PhaseValidate),
	}

	switch strategy {
	case StrategyConservative:
		steps = append(steps,
			mk(6, "Stage a rollback path", "Keep the previous behavior switchable", types.PhaseValidate),
			mk(7, "Soak before rollout", "Run alongside existing behavior and compare", types.PhaseValidate),
		)
	case StrategyAggressive:
		// Skip the survey; start from design.
		steps = steps[1:]
		for i := range steps {
			steps[i].Order = i + 1
		}
	}
	return steps
}

// Keyword-driven risk inference. Severity shifts with strategy: aggressive
// plans accept the same hazards at higher severity.
func inferRisks(text string, strategy Strategy) []Risk {
	bump := func(s Severity) Severity {
		if strategy != StrategyAggressive {
			return s
		}
		switch s {
		case SeverityLow:
			return SeverityMedium
		default:
			return SeverityHigh
		}
	}

	var risks []Risk
	if containsAny(text, "database", "schema", "migration") {
		risks = append(risks, Risk{
			Description: "Data loss or corruption during schema change",
			Mitigation:  "Back up before migrating; make the migration reversible",
			Severity:    bump(SeverityHigh),
		})
	}
	if containsAny(text, "api", "protocol", "integration") {
		risks = append(risks, Risk{
			Description: "Breaking downstream API consumers",
			Mitigation:  "Version the contract; keep the old surface during transition",
			Severity:    bump(SeverityMedium),
		})
	}
	if containsAny(text, "auth", "oauth", "security", "credential") {
		risks = append(risks, Risk{
			Description: "Credential exposure or lockout during cutover",
			Mitigation:  "Dual-accept old and new credentials during rollout",
			Severity:    bump(SeverityHigh),
		})
	}
	if containsAny(text, "performance", "optimize", "scale") {
		risks = append(risks, Risk{
			Description: "Regression under production load",
			Mitigation:  "Benchmark before and after with realistic fixtures",
			Severity:    bump(SeverityMedium),
		})
	}
	if len(risks) == 0 {
		risks = append(risks, Risk{
			Description: "Scope grows beyond the task as written",
			Mitigation:  "Hold to the acceptance criteria; split follow-ups into new tasks",
			Severity:    bump(SeverityLow),
		})
	}
	return risks
}

func inferDependencies(text string) []string {
	keywords := map[string]string{
		"database": "data-store",
		"api":      "api-surface",
		"auth":     "identity-provider",
		"deploy":   "deployment-pipeline",
		"cache":    "cache-layer",
	}
	// Sorted keys keep plan content stable across runs.
	keys := make([]string, 0, len(keywords))
	for k := range keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var deps []string
	for _, k := range keys {
		if strings.Contains(text, k) {
			deps = append(deps, keywords[k])
		}
	}
	return deps
}

func estimate(task *types.Task, complexity int, strategy Strategy) Estimates {
	base := task.EstimateHours
	if base <= 0 {
		base = float64(complexity) / 10
	}
	switch strategy {
	case StrategyConservative:
		return Estimates{Hours: base * 1.5, Complexity: complexity, Confidence: 0.9}
	case StrategyAggressive:
		return Estimates{Hours: base * 0.6, Complexity: complexity, Confidence: 0.5}
	default:
		return Estimates{Hours: base, Complexity: complexity, Confidence: 0.75}
	}
}

func analyze(complexity int, strategy Strategy) Analysis {
	a := Analysis{Complexity: complexity}
	switch {
	case complexity >= 70:
		a.RiskLevel = "high"
	case complexity >= 40:
		a.RiskLevel = "medium"
	default:
		a.RiskLevel = "low"
	}
	switch strategy {
	case StrategyAggressive:
		a.InnovationLevel = "high"
	case StrategyConservative:
		a.InnovationLevel = "low"
	default:
		a.InnovationLevel = "medium"
	}
	return a
}

func containsAny(text string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

package plan

import (
	"strings"
	"sync"
	"testing"

	"helmsman/internal/config"
	"helmsman/internal/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(topic string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestStrategiesForComplexityBands(t *testing.T) {
	cases := []struct {
		complexity int
		want       []Strategy
	}{
		{32, []Strategy{StrategyBalanced}},
		{40, []Strategy{StrategyConservative, StrategyBalanced}},
		{69, []Strategy{StrategyConservative, StrategyBalanced}},
		{70, []Strategy{StrategyConservative, StrategyBalanced, StrategyAggressive}},
		{100, []Strategy{StrategyConservative, StrategyBalanced, StrategyAggressive}},
	}
	for _, tc := range cases {
		got := StrategiesFor(tc.complexity, 40)
		if len(got) != len(tc.want) {
			t.Errorf("complexity %d: %v, want %v", tc.complexity, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("complexity %d: %v, want %v", tc.complexity, got, tc.want)
				break
			}
		}
	}
}

func TestComplexityEstimation(t *testing.T) {
	low := EstimateComplexity("Research token bucket algorithms", "", 0, 0)
	high := EstimateComplexity("Migrate authentication to OAuth2",
		"Replace session auth with OAuth2 flows across the api and database schema", 2, 4)
	if low >= 40 {
		t.Errorf("research task complexity = %d, want < 40", low)
	}
	if high < 70 {
		t.Errorf("migration task complexity = %d, want >= 70", high)
	}
	// Deterministic.
	if low != EstimateComplexity("Research token bucket algorithms", "", 0, 0) {
		t.Error("complexity estimate not deterministic")
	}
}

func TestGenerateCountsAndKeywordRisks(t *testing.T) {
	p := NewPlanner(config.DefaultLoopConfig())
	task := &types.Task{ID: "T2", Title: "Migrate authentication to OAuth2",
		Description: "Move the api and user database to OAuth2"}

	plans := p.Generate(task, 72, false)
	if len(plans) != 3 {
		t.Fatalf("plan count = %d, want 3", len(plans))
	}

	seen := map[Strategy]bool{}
	for _, pl := range plans {
		seen[pl.Strategy] = true
		if len(pl.Steps) == 0 || pl.Estimates.Hours <= 0 {
			t.Errorf("%s plan incomplete: %+v", pl.Strategy, pl)
		}

		var hasData, hasAuth bool
		for _, r := range pl.Risks {
			lower := strings.ToLower(r.Description)
			if strings.Contains(lower, "data") || strings.Contains(lower, "schema") {
				hasData = true
			}
			if strings.Contains(lower, "credential") {
				hasAuth = true
			}
			if r.Mitigation == "" {
				t.Errorf("risk without mitigation: %+v", r)
			}
		}
		if !hasData || !hasAuth {
			t.Errorf("%s plan missing keyword risks (data=%v auth=%v)", pl.Strategy, hasData, hasAuth)
		}
	}
	if !seen[StrategyConservative] || !seen[StrategyBalanced] || !seen[StrategyAggressive] {
		t.Errorf("strategies = %v", seen)
	}
}

func TestInferredDependenciesAreStable(t *testing.T) {
	text := "deploy the api with auth against the database and a cache"
	want := []string{"api-surface", "identity-provider", "cache-layer", "data-store", "deployment-pipeline"}

	first := inferDependencies(text)
	if len(first) != len(want) {
		t.Fatalf("dependencies = %v", first)
	}
	for i := 0; i < 50; i++ {
		got := inferDependencies(text)
		for j := range got {
			if got[j] != first[j] {
				t.Fatalf("dependency order changed between runs: %v vs %v", got, first)
			}
		}
	}
}

func TestGenerateCachesUntilForced(t *testing.T) {
	p := NewPlanner(config.DefaultLoopConfig())
	task := &types.Task{ID: "T1", Title: "Add request logging"}

	first := p.Generate(task, 45, false)
	second := p.Generate(task, 45, false)
	if first[0].ID != second[0].ID {
		t.Error("cache miss on identical key")
	}

	forced := p.Generate(task, 45, true)
	if forced[0].ID == first[0].ID {
		t.Error("force-regenerate returned cached plans")
	}
	// Different complexity is a different key.
	other := p.Generate(task, 50, false)
	if other[0].ID == forced[0].ID {
		t.Error("complexity not part of cache key")
	}
}

func TestCompareRanksAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	planner := NewPlanner(config.DefaultLoopConfig())
	ev := NewEvaluator(10, pub)

	task := &types.Task{ID: "T2", Title: "Migrate authentication to OAuth2"}
	plans := planner.Generate(task, 72, false)

	cmp, err := ev.Compare(plans)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Winner == nil || cmp.WinnerID != cmp.Winner.ID {
		t.Fatalf("winner inconsistent: %+v", cmp)
	}
	if len(cmp.Scores) != 3 {
		t.Fatalf("scores = %d", len(cmp.Scores))
	}
	for i := 1; i < len(cmp.Scores); i++ {
		if cmp.Scores[i].Total > cmp.Scores[i-1].Total {
			t.Error("scores not sorted best-first")
		}
	}
	if pub.count(TopicPlanEvaluated) != 3 {
		t.Errorf("plan:evaluated events = %d, want 3", pub.count(TopicPlanEvaluated))
	}
	if pub.count(TopicPlansCompared) != 1 {
		t.Errorf("plans:compared events = %d, want 1", pub.count(TopicPlansCompared))
	}
}

func TestTieFlagsNeedsReview(t *testing.T) {
	pub := &recordingPublisher{}
	ev := NewEvaluator(10, pub)

	// Two hand-built plans engineered to score within the tie threshold.
	mk := func(strategy Strategy, confidence float64) *Plan {
		return &Plan{
			ID: string(strategy), TaskID: "T2", Strategy: strategy,
			Steps: []Step{
				{Order: 1, Action: "a", Details: "d", Phase: types.PhaseResearch},
				{Order: 2, Action: "b", Details: "d", Phase: types.PhaseImplement},
			},
			Risks:     []Risk{{Description: "r", Mitigation: "m", Severity: SeverityMedium}},
			Estimates: Estimates{Hours: 5, Complexity: 50, Confidence: confidence},
		}
	}
	cmp, err := ev.Compare([]*Plan{mk(StrategyBalanced, 0.75), mk(StrategyConservative, 0.73)})
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.NeedsReview || cmp.Reason == "" {
		t.Errorf("tie not flagged: %+v", cmp)
	}
	if pub.count(TopicPlansTie) != 1 {
		t.Errorf("plans:tie events = %d, want 1", pub.count(TopicPlansTie))
	}
}

func TestSinglePlanNeverNeedsReview(t *testing.T) {
	ev := NewEvaluator(10, nil)
	planner := NewPlanner(config.DefaultLoopConfig())
	plans := planner.Generate(&types.Task{ID: "T1", Title: "Research caching"}, 30, false)
	if len(plans) != 1 {
		t.Fatalf("plan count = %d, want 1", len(plans))
	}
	cmp, err := ev.Compare(plans)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.NeedsReview {
		t.Error("single plan flagged for review")
	}
}

func TestCompareEmptyFails(t *testing.T) {
	ev := NewEvaluator(10, nil)
	if _, err := ev.Compare(nil); err == nil {
		t.Fatal("expected error on empty plan list")
	}
}

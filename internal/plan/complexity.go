package plan

import "strings"

// Keyword groups and their complexity contributions. Scores accumulate and
// clamp to [0,100].
var complexitySignals = []struct {
	terms  []string
	points int
}{
	{[]string{"migrate", "migration", "rewrite", "redesign"}, 25},
	{[]string{"auth", "oauth", "security", "encryption"}, 20},
	{[]string{"distributed", "concurrent", "race", "consensus"}, 20},
	{[]string{"database", "schema", "index"}, 15},
	{[]string{"api", "protocol", "integration"}, 10},
	{[]string{"performance", "optimize", "scale"}, 10},
	{[]string{"refactor", "cleanup"}, 5},
	{[]string{"research", "investigate", "explore"}, 5},
}

// EstimateComplexity scores a task 0-100 from its text and structure.
// Deterministic so repeated runs plan identically.
func EstimateComplexity(title, description string, dependsOn, acceptance int) int {
	text := strings.ToLower(title + " " + description)

	score := 10 // base cost of any task
	for _, sig := range complexitySignals {
		for _, term := range sig.terms {
			if strings.Contains(text, term) {
				score += sig.points
				break
			}
		}
	}

	// Structural signals: long descriptions, many dependencies, many criteria.
	score += min(len(description)/200, 10)
	score += min(dependsOn*5, 15)
	score += min(acceptance*2, 10)

	if score > 100 {
		score = 100
	}
	return score
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

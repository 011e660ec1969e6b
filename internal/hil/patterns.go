package hil

import "regexp"

// PatternID names a built-in review-trigger family.
type PatternID string

const (
	PatternHighRisk       PatternID = "high_risk_ops"
	PatternDesignDecision PatternID = "design_decisions"
	PatternManualTest     PatternID = "manual_tests"
	PatternStrategic      PatternID = "strategic_choices"
	PatternCompliance     PatternID = "legal_compliance"
	PatternExternalImpact PatternID = "external_impact"
	PatternAmbiguity      PatternID = "ambiguity"
)

type weightedRegex struct {
	re     *regexp.Regexp
	weight float64
	label  string
}

// pattern is one detector family: keywords, regexes, and contextual boosters
// each contribute weighted confidence.
type pattern struct {
	id        PatternID
	threshold float64
	keywords  map[string]float64
	regexes   []weightedRegex
	boosters  map[string]float64 // secondary terms that amplify a base hit

	stats   feedbackStats
	fnTexts []string // texts from false negatives, for keyword extraction
}

type feedbackStats struct {
	TP, FP, TN, FN int
}

func (s feedbackStats) precision() float64 {
	if s.TP+s.FP == 0 {
		return 1
	}
	return float64(s.TP) / float64(s.TP+s.FP)
}

func (s feedbackStats) recall() float64 {
	if s.TP+s.FN == 0 {
		return 1
	}
	return float64(s.TP) / float64(s.TP+s.FN)
}

func builtinPatterns() map[PatternID]*pattern {
	mk := func(id PatternID, threshold float64, kw map[string]float64, res []weightedRegex, boost map[string]float64) *pattern {
		return &pattern{id: id, threshold: threshold, keywords: kw, regexes: res, boosters: boost}
	}
	return map[PatternID]*pattern{
		PatternHighRisk: mk(PatternHighRisk, 0.5,
			map[string]float64{
				"delete": 0.4, "drop": 0.4, "truncate": 0.5, "wipe": 0.5,
				"force-push": 0.6, "rm -rf": 0.8, "destroy": 0.5, "revoke": 0.4,
				"production": 0.3, "migration": 0.3, "rollback": 0.3,
			},
			[]weightedRegex{
				{re: regexp.MustCompile(`(?i)drop\s+(table|database|index)`), weight: 0.7, label: "drop statement"},
				{re: regexp.MustCompile(`(?i)delete\s+from\s+\w+(\s*;|\s*$)`), weight: 0.7, label: "unscoped delete"},
			},
			map[string]float64{"irreversible": 0.3, "permanent": 0.2, "all": 0.1}),

		PatternDesignDecision: mk(PatternDesignDecision, 0.6,
			map[string]float64{
				"architecture": 0.4, "schema": 0.3, "api contract": 0.5, "breaking change": 0.6,
				"tradeoff": 0.4, "redesign": 0.5, "interface": 0.2, "protocol": 0.3,
			},
			[]weightedRegex{
				{re: regexp.MustCompile(`(?i)(choose|decide)\s+between`), weight: 0.5, label: "choice framing"},
			},
			map[string]float64{"long-term": 0.2, "public": 0.2}),

		PatternManualTest: mk(PatternManualTest, 0.6,
			map[string]float64{
				"manual test": 0.7, "manually verify": 0.7, "visual check": 0.5,
				"usability": 0.4, "click through": 0.5, "on-device": 0.5,
			},
			nil,
			map[string]float64{"browser": 0.2, "ui": 0.2}),

		PatternStrategic: mk(PatternStrategic, 0.6,
			map[string]float64{
				"roadmap": 0.5, "prioritize": 0.4, "deprecate": 0.5, "sunset": 0.5,
				"pricing": 0.5, "vendor": 0.4, "buy vs build": 0.7,
			},
			nil,
			map[string]float64{"quarter": 0.2, "budget": 0.2}),

		PatternCompliance: mk(PatternCompliance, 0.5,
			map[string]float64{
				"gdpr": 0.7, "hipaa": 0.7, "pii": 0.6, "license": 0.4,
				"copyright": 0.5, "terms of service": 0.5, "audit": 0.4, "retention policy": 0.5,
			},
			[]weightedRegex{
				{re: regexp.MustCompile(`(?i)personal\s+(data|information)`), weight: 0.6, label: "personal data"},
			},
			map[string]float64{"legal": 0.3, "regulator": 0.3}),

		PatternExternalImpact: mk(PatternExternalImpact, 0.5,
			map[string]float64{
				"send email": 0.6, "notify users": 0.6, "publish": 0.5, "announce": 0.5,
				"webhook": 0.4, "third-party": 0.4, "charge": 0.6, "refund": 0.6,
			},
			[]weightedRegex{
				{re: regexp.MustCompile(`(?i)(post|tweet|broadcast)\s+to`), weight: 0.5, label: "outbound publish"},
			},
			map[string]float64{"customers": 0.2, "external": 0.2}),

		PatternAmbiguity: mk(PatternAmbiguity, 0.6,
			map[string]float64{
				"unclear": 0.5, "ambiguous": 0.6, "not sure": 0.5, "conflicting": 0.5,
				"underspecified": 0.6, "assumption": 0.4,
			},
			[]weightedRegex{
				{re: regexp.MustCompile(`(?i)(which|what)\s+.{0,40}\?\s*$`), weight: 0.4, label: "open question"},
			},
			map[string]float64{"requirements": 0.2, "interpret": 0.2}),
	}
}

package config

// BudgetConfig configures cost budgets and alert thresholds.
type BudgetConfig struct {
	DailyUSD   float64 `json:"budget_daily"`   // 0 = unlimited
	MonthlyUSD float64 `json:"budget_monthly"` // 0 = unlimited

	AlertWarning  float64 `json:"alert_warning"`  // Fraction of budget, default 0.80
	AlertCritical float64 `json:"alert_critical"` // Fraction of budget, default 0.95
}

// DefaultBudgetConfig returns production defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyUSD:      25.0,
		MonthlyUSD:    500.0,
		AlertWarning:  0.80,
		AlertCritical: 0.95,
	}
}

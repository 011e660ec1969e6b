package config

import "fmt"

// LimitsConfig configures message-limit windows per plan. Windows roll at
// three scales: 5-hour, daily, weekly.
type LimitsConfig struct {
	Plan string `json:"plan"` // free, pro, team

	// Overrides; zero means "use plan preset".
	FiveHour int `json:"five_hour,omitempty"`
	Daily    int `json:"daily,omitempty"`
	Weekly   int `json:"weekly,omitempty"`

	// SafePace is the sustainable messages/hour rate. Zero means preset.
	SafePace float64 `json:"safe_pace,omitempty"`
}

// PlanPreset holds the message quotas for a subscription plan.
type PlanPreset struct {
	FiveHour int
	Daily    int
	Weekly   int
	SafePace float64 // messages/hour
}

// planPresets enumerates the built-in plans. All values are configurable
// through LimitsConfig overrides.
var planPresets = map[string]PlanPreset{
	"free": {FiveHour: 50, Daily: 50, Weekly: 300, SafePace: 8},
	"pro":  {FiveHour: 450, Daily: 1000, Weekly: 6000, SafePace: 80},
	"team": {FiveHour: 2000, Daily: 10000, Weekly: 60000, SafePace: 350},
}

// DefaultLimitsConfig returns the pro plan defaults.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{Plan: "pro"}
}

// Resolve returns the effective quotas after applying plan preset and overrides.
func (c *LimitsConfig) Resolve() (PlanPreset, error) {
	preset, ok := planPresets[c.Plan]
	if !ok {
		return PlanPreset{}, fmt.Errorf("unknown limits plan %q", c.Plan)
	}
	if c.FiveHour > 0 {
		preset.FiveHour = c.FiveHour
	}
	if c.Daily > 0 {
		preset.Daily = c.Daily
	}
	if c.Weekly > 0 {
		preset.Weekly = c.Weekly
	}
	if c.SafePace > 0 {
		preset.SafePace = c.SafePace
	}
	return preset, nil
}

func (c *LimitsConfig) validate() error {
	_, err := c.Resolve()
	return err
}

// Package config holds all helmsman configuration.
// Config is loaded from .helm/config.json in the project workspace, then
// overridden by HELM_* environment variables. Unknown keys in the config
// file are logged and ignored.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all helmsman configuration.
type Config struct {
	// Core settings
	Name    string `json:"name"`
	Version string `json:"version"`

	// Subsystem configuration
	Loop      LoopConfig      `json:"loop"`
	Memory    MemoryConfig    `json:"memory"`
	Budget    BudgetConfig    `json:"budget"`
	Limits    LimitsConfig    `json:"limits"`
	Agents    AgentsConfig    `json:"agents"`
	Dashboard DashboardConfig `json:"dashboard"`
	Logging   LoggingConfig   `json:"logging"`
}

// LoggingConfig mirrors the structure read by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Default returns a fully populated configuration with production defaults.
func Default() *Config {
	return &Config{
		Name:      "helmsman",
		Version:   "1.0",
		Loop:      DefaultLoopConfig(),
		Memory:    DefaultMemoryConfig(),
		Budget:    DefaultBudgetConfig(),
		Limits:    DefaultLimitsConfig(),
		Agents:    DefaultAgentsConfig(),
		Dashboard: DefaultDashboardConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads .helm/config.json from the workspace, merging recognized
// options over defaults. A missing file yields pure defaults. Unknown
// top-level keys are reported through the returned warnings slice so the
// caller can log them; they never fail the load.
func Load(workspace string) (*Config, []string, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".helm", "config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	warnings := unknownKeys(data)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// unknownKeys reports top-level keys in raw that the Config struct does not
// recognize. Recognized options are enumerated by the struct's json tags.
func unknownKeys(raw []byte) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	known := map[string]bool{
		"name": true, "version": true, "loop": true, "memory": true,
		"budget": true, "limits": true, "agents": true, "dashboard": true,
		"logging": true,
	}
	var unknown []string
	for k := range m {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	return unknown
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if err := c.Loop.validate(); err != nil {
		return err
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	return nil
}

// applyEnv overlays HELM_* environment variables on the config.
func (c *Config) applyEnv() {
	if v, ok := envInt("HELM_COMPLEXITY_THRESHOLD"); ok {
		c.Loop.ComplexityThreshold = v
	}
	if v, ok := envInt("HELM_PLAN_TIE_THRESHOLD"); ok {
		c.Loop.PlanTieThreshold = v
	}
	if v, ok := envDuration("HELM_PLAN_CACHE_TTL"); ok {
		c.Loop.PlanCacheTTL = v
	}
	if v, ok := envInt("HELM_CONTEXT_TOKEN_BUDGET"); ok {
		c.Memory.ContextTokenBudget = v
	}
	if v, ok := envInt("HELM_CHECKPOINT_THRESHOLD_START"); ok {
		c.Loop.CheckpointThresholdStart = v
	}
	if v, ok := envFloat("HELM_BUDGET_DAILY"); ok {
		c.Budget.DailyUSD = v
	}
	if v, ok := envFloat("HELM_BUDGET_MONTHLY"); ok {
		c.Budget.MonthlyUSD = v
	}
	if v := os.Getenv("HELM_LIMITS_PLAN"); v != "" {
		c.Limits.Plan = v
	}
	if v := os.Getenv("HELM_DASHBOARD_ADDR"); v != "" {
		c.Dashboard.Addr = v
	}
	if v := os.Getenv("HELM_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

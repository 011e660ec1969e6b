package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchSpec(t *testing.T) {
	cfg := Default()

	if cfg.Loop.ComplexityThreshold != 40 {
		t.Errorf("complexity threshold = %d, want 40", cfg.Loop.ComplexityThreshold)
	}
	if cfg.Loop.PlanTieThreshold != 10 {
		t.Errorf("plan tie threshold = %d, want 10", cfg.Loop.PlanTieThreshold)
	}
	if cfg.Memory.ContextTokenBudget != 2000 {
		t.Errorf("context token budget = %d, want 2000", cfg.Memory.ContextTokenBudget)
	}
	if cfg.Loop.CheckpointThresholdStart != 75 {
		t.Errorf("checkpoint start = %d, want 75", cfg.Loop.CheckpointThresholdStart)
	}
	if cfg.Loop.CompactionDropTokens != 50000 {
		t.Errorf("compaction drop = %d, want 50000", cfg.Loop.CompactionDropTokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, warnings, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want 10", cfg.Loop.MaxIterations)
	}
}

func TestLoad_UnknownKeysWarned(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".helm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	body := `{"name":"helmsman","turbo_mode":true,"loop":{"max_iterations":3}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, warnings, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 1 || warnings[0] != "turbo_mode" {
		t.Fatalf("warnings = %v, want [turbo_mode]", warnings)
	}
	if cfg.Loop.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3", cfg.Loop.MaxIterations)
	}
	// Unset fields keep defaults.
	if cfg.Loop.ClaimLease != 5*time.Minute {
		t.Errorf("claim lease = %v, want 5m", cfg.Loop.ClaimLease)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HELM_COMPLEXITY_THRESHOLD", "55")
	t.Setenv("HELM_LIMITS_PLAN", "team")

	cfg, _, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Loop.ComplexityThreshold != 55 {
		t.Errorf("complexity threshold = %d, want 55", cfg.Loop.ComplexityThreshold)
	}
	if cfg.Limits.Plan != "team" {
		t.Errorf("plan = %q, want team", cfg.Limits.Plan)
	}
}

func TestLimitsResolve(t *testing.T) {
	c := LimitsConfig{Plan: "free", Daily: 75}
	preset, err := c.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if preset.FiveHour != 50 {
		t.Errorf("five hour = %d, want 50", preset.FiveHour)
	}
	if preset.Daily != 75 {
		t.Errorf("daily override = %d, want 75", preset.Daily)
	}

	bad := LimitsConfig{Plan: "platinum"}
	if _, err := bad.Resolve(); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}

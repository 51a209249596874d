package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Model.ModelID != "us.anthropic.claude-opus-4-6-v1" {
		t.Errorf("unexpected default model id: %s", cfg.Model.ModelID)
	}
	if cfg.Model.MaxTokens != 128000 {
		t.Errorf("expected 128000, got %d", cfg.Model.MaxTokens)
	}
	if !cfg.ScoutEnabled || cfg.ScoutMaxIterations != 8 {
		t.Errorf("unexpected scout defaults: enabled=%v maxIter=%d", cfg.ScoutEnabled, cfg.ScoutMaxIterations)
	}
	if !cfg.DeterministicVerificationGate {
		t.Error("expected deterministic verification gate to default on")
	}
	if cfg.ParallelSubagentsMaxWorkers != 3 {
		t.Errorf("expected 3 parallel subagent workers, got %d", cfg.ParallelSubagentsMaxWorkers)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
scout_max_iterations = 4

[model]
model_id = "custom-model"
`), 0644)

	cfg := Load(path)
	if cfg.ScoutMaxIterations != 4 {
		t.Errorf("expected 4, got %d", cfg.ScoutMaxIterations)
	}
	if cfg.Model.ModelID != "custom-model" {
		t.Errorf("expected custom-model, got %s", cfg.Model.ModelID)
	}
	// Defaults preserved for fields the TOML doesn't touch.
	if !cfg.PlanPhaseEnabled {
		t.Error("expected plan_phase_enabled default to be preserved")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SCOUT_ENABLED", "false")
	t.Setenv("MAX_TOOL_ITERATIONS", "50")

	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.ScoutEnabled {
		t.Error("expected SCOUT_ENABLED=false to override default")
	}
	if cfg.MaxToolIterations != 50 {
		t.Errorf("expected 50, got %d", cfg.MaxToolIterations)
	}
}

func TestEnvWinsOverTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte("max_tool_iterations = 10\n"), 0644)
	t.Setenv("MAX_TOOL_ITERATIONS", "99")

	cfg := Load(path)
	if cfg.MaxToolIterations != 99 {
		t.Errorf("expected env override 99, got %d", cfg.MaxToolIterations)
	}
}

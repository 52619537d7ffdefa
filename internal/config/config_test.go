package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	content := `
data_dir: /var/lib/optimizer
optimization:
  iterations: 8
  improvement_threshold: 0.5
  default_tasks: [angiogram-pci, quick-letter, investigation-summary]
optimizer:
  url: http://dspy:8002
  timeout: 45m
retention:
  max_age_days: 14
  interval: 2h
agents:
  quick-letter:
    prompt: Write a concise clinic letter.
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DEFAULT_ITERATIONS", "3")
	t.Setenv("BACKUP_S3_PATH_STYLE", "true")
	t.Setenv("DATA_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/optimizer" || cfg.OptimizerURL != "http://dspy:8002" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DefaultIterations != 3 {
		t.Fatalf("env should override file iterations, got %d", cfg.DefaultIterations)
	}
	if cfg.ImprovementThreshold != 0.5 || len(cfg.DefaultTasks) != 3 {
		t.Fatalf("optimization section not applied: %+v", cfg)
	}
	if cfg.OptimizerTimeout != 45*time.Minute || cfg.CleanupInterval != 2*time.Hour || cfg.CleanupMaxAgeDays != 14 {
		t.Fatalf("durations not applied: %+v", cfg)
	}
	if cfg.CleanupKeepBackups != 5 || cfg.HistoryCap != 200 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Agents["quick-letter"] != "Write a concise clinic letter." {
		t.Fatalf("agent baselines not loaded: %v", cfg.Agents)
	}
	if !cfg.BackupS3PathStyle {
		t.Fatalf("bool env not applied")
	}
	if cfg.JobsDir() != filepath.Join("/var/lib/optimizer", "jobs") {
		t.Fatalf("unexpected jobs dir %s", cfg.JobsDir())
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CandidateTTL != 7*24*time.Hour || cfg.WorkerPollInterval != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	if err := os.WriteFile(path, []byte("retention:\n  interval: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for bad duration")
	}
}

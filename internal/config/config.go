package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when CONFIG_FILE is unset. A missing file is not an error.
const DefaultConfigFile = "config/optimizer.yaml"

// Config holds shared runtime configuration for the API server, worker and operator CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	ConfigFile  string
	DataDir     string

	WorkerPollInterval time.Duration
	CandidateTTL       time.Duration
	HistoryCap         int

	CleanupInterval    time.Duration
	CleanupMaxAgeDays  int
	CleanupKeepBackups int

	DefaultIterations    int
	ImprovementThreshold float64
	DefaultTasks         []string
	OptimizerURL         string
	OptimizerTimeout     time.Duration
	// Agents maps agent ids to the baseline prompt used before any version exists.
	Agents map[string]string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	PostgresDSN string

	BackupExportDir   string
	BackupS3Bucket    string
	BackupS3Region    string
	BackupS3Endpoint  string
	BackupS3PathStyle bool
}

// fileConfig is the YAML layout of the optimizer config file.
type fileConfig struct {
	DataDir      string `yaml:"data_dir"`
	Optimization struct {
		Iterations           int      `yaml:"iterations"`
		ImprovementThreshold *float64 `yaml:"improvement_threshold"`
		DefaultTasks         []string `yaml:"default_tasks"`
	} `yaml:"optimization"`
	Optimizer struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"optimizer"`
	Retention struct {
		MaxAgeDays        int    `yaml:"max_age_days"`
		KeepRecentBackups int    `yaml:"keep_recent_backups"`
		Interval          string `yaml:"interval"`
		CandidateTTL      string `yaml:"candidate_ttl"`
		HistoryCap        int    `yaml:"history_cap"`
	} `yaml:"retention"`
	Agents map[string]struct {
		Prompt string `yaml:"prompt"`
	} `yaml:"agents"`
}

// Defaults returns the built-in configuration for local development.
func Defaults() Config {
	return Config{
		Env:                  "dev",
		HTTPPort:             "8080",
		MetricsAddr:          ":9090",
		ConfigFile:           DefaultConfigFile,
		DataDir:              "data",
		WorkerPollInterval:   time.Second,
		CandidateTTL:         7 * 24 * time.Hour,
		HistoryCap:           200,
		CleanupInterval:      6 * time.Hour,
		CleanupMaxAgeDays:    30,
		CleanupKeepBackups:   5,
		DefaultIterations:    5,
		ImprovementThreshold: 0.1,
		DefaultTasks:         []string{"angiogram-pci", "quick-letter"},
		OptimizerURL:         "http://localhost:8002",
		OptimizerTimeout:     30 * time.Minute,
		Agents:               map[string]string{},
		RateLimitCapacity:    20,
		RateLimitRefill:      1,
		BackupS3Region:       "us-east-1",
	}
}

// Load applies, in order, the defaults, the YAML config file and environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	cfg.ConfigFile = getEnv("CONFIG_FILE", cfg.ConfigFile)
	if err := cfg.applyFile(cfg.ConfigFile); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.Optimization.Iterations > 0 {
		c.DefaultIterations = fc.Optimization.Iterations
	}
	if fc.Optimization.ImprovementThreshold != nil {
		c.ImprovementThreshold = *fc.Optimization.ImprovementThreshold
	}
	if len(fc.Optimization.DefaultTasks) > 0 {
		c.DefaultTasks = fc.Optimization.DefaultTasks
	}
	if fc.Optimizer.URL != "" {
		c.OptimizerURL = fc.Optimizer.URL
	}
	if fc.Retention.MaxAgeDays > 0 {
		c.CleanupMaxAgeDays = fc.Retention.MaxAgeDays
	}
	if fc.Retention.KeepRecentBackups > 0 {
		c.CleanupKeepBackups = fc.Retention.KeepRecentBackups
	}
	if fc.Retention.HistoryCap > 0 {
		c.HistoryCap = fc.Retention.HistoryCap
	}
	durations := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.Optimizer.Timeout, &c.OptimizerTimeout, "optimizer.timeout"},
		{fc.Retention.Interval, &c.CleanupInterval, "retention.interval"},
		{fc.Retention.CandidateTTL, &c.CandidateTTL, "retention.candidate_ttl"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	for agent, a := range fc.Agents {
		if strings.TrimSpace(a.Prompt) != "" {
			c.Agents[agent] = a.Prompt
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.WorkerPollInterval = getEnvDuration("WORKER_POLL_INTERVAL", c.WorkerPollInterval)
	c.CandidateTTL = getEnvDuration("CANDIDATE_TTL", c.CandidateTTL)
	c.HistoryCap = getEnvInt("HISTORY_CAP", c.HistoryCap)
	c.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", c.CleanupInterval)
	c.CleanupMaxAgeDays = getEnvInt("CLEANUP_MAX_AGE_DAYS", c.CleanupMaxAgeDays)
	c.CleanupKeepBackups = getEnvInt("CLEANUP_KEEP_BACKUPS", c.CleanupKeepBackups)
	c.DefaultIterations = getEnvInt("DEFAULT_ITERATIONS", c.DefaultIterations)
	c.ImprovementThreshold = getEnvFloat("IMPROVEMENT_THRESHOLD", c.ImprovementThreshold)
	c.DefaultTasks = getEnvList("DEFAULT_TASKS", c.DefaultTasks)
	c.OptimizerURL = getEnv("OPTIMIZER_URL", c.OptimizerURL)
	c.OptimizerTimeout = getEnvDuration("OPTIMIZER_TIMEOUT", c.OptimizerTimeout)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", c.RateLimitCapacity)
	c.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", c.RateLimitRefill)
	c.PostgresDSN = getEnv("POSTGRES_DSN", c.PostgresDSN)
	c.BackupExportDir = getEnv("BACKUP_EXPORT_DIR", c.BackupExportDir)
	c.BackupS3Bucket = getEnv("BACKUP_S3_BUCKET", c.BackupS3Bucket)
	c.BackupS3Region = getEnv("BACKUP_S3_REGION", c.BackupS3Region)
	c.BackupS3Endpoint = getEnv("BACKUP_S3_ENDPOINT", c.BackupS3Endpoint)
	c.BackupS3PathStyle = getEnvBool("BACKUP_S3_PATH_STYLE", c.BackupS3PathStyle)
}

// JobsDir holds one JSON document per job.
func (c Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// CandidatesDir holds content-addressed candidates.
func (c Config) CandidatesDir() string {
	return filepath.Join(c.DataDir, "candidates")
}

// PromptsDir holds per-agent version histories.
func (c Config) PromptsDir() string {
	return filepath.Join(c.DataDir, "prompts")
}

// CorrectionsDir holds per-agent reviewer corrections.
func (c Config) CorrectionsDir() string {
	return filepath.Join(c.DataDir, "corrections")
}

// ScratchDir is emptied by every retention sweep.
func (c Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// HistoryPath is the apply history log.
func (c Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "apply_history.jsonl")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

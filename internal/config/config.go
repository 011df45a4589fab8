// Package config loads CodeFRAME's recognized configuration keys from
// config.yaml plus environment overrides, using a load→env-override→
// normalize pipeline and a content fingerprint for change detection that
// feeds the fsnotify watcher in watcher.go.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GateConfig is one project's configured command for a single quality gate
// An empty Command means the gate is skipped.
type GateConfig struct {
	Command         string  `yaml:"command"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	CoverageMinimum float64 `yaml:"coverage_minimum,omitempty"`
}

// ProjectGatesConfig is the per-project gate pipeline: the ordered
// tests/type_check/coverage/review/linting run.
type ProjectGatesConfig struct {
	Tests     GateConfig `yaml:"tests"`
	TypeCheck GateConfig `yaml:"type_check"`
	Coverage  GateConfig `yaml:"coverage"`
	Linting   GateConfig `yaml:"linting"`
}

// SandboxConfig configures the Docker-backed QualityGate sandbox's
// resource bounds.
type SandboxConfig struct {
	Image       string  `yaml:"image"`
	MemoryMB    int64   `yaml:"memory_mb"`
	CPUs        float64 `yaml:"cpus"`
	NetworkMode string  `yaml:"network_mode"`
}

// TelegramConfig configures the SYNC-blocker human notification channel.
type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Token      string `yaml:"token"`
	AllowedIDs string `yaml:"allowed_ids"` // comma-separated chat IDs
}

// ContextBudgetConfig configures ContextManager's HOT/WARM token ceilings
// and flash-save headroom.
type ContextBudgetConfig struct {
	HotBudgetTokens       int     `yaml:"hot_budget_tokens"`
	WarmBudgetTokens      int     `yaml:"warm_budget_tokens"`
	FlashSaveHeadroomRatio float64 `yaml:"flash_save_headroom_ratio"`
	RecencyWeight         float64 `yaml:"recency_weight"`
	UsageWeight           float64 `yaml:"usage_weight"`
	PinWeight             float64 `yaml:"pin_weight"`
	RecencyTauSeconds     int     `yaml:"recency_tau_seconds"`
}

// DeploymentMode controls cross-user project creation and the command
// validation policy enforced on gate commands.
type DeploymentMode string

const (
	DeploymentSelfHosted DeploymentMode = "selfhosted"
	DeploymentHosted     DeploymentMode = "hosted"
)

// OTelConfig configures the optional OpenTelemetry exporter; zero overhead
// when Enabled is false.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout", "otlphttp", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// MaintenanceConfig tunes the periodic lease-reclaim / blocker-deadline /
// retention sweep.
type MaintenanceConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	LeaseGraceSeconds       int `yaml:"lease_grace_seconds"`
	EventRetentionDays      int `yaml:"event_retention_days"`
	BlockerRetentionDays    int `yaml:"blocker_retention_days"`
}

// Config is CodeFRAME's full recognized configuration. Fields with a
// yaml:"-" tag are derived at load time, never round-tripped to disk.
type Config struct {
	HomeDir string `yaml:"-"`

	LLMProviderKey string `yaml:"llm_provider_key"`
	LLMModel       string `yaml:"llm_model"`
	LLMAPIKeyEnv   string `yaml:"llm_api_key_env"` // env var name holding the provider's API key

	DatabasePath  string `yaml:"database_path"`
	WorkspaceRoot string `yaml:"workspace_root"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	MinCoveragePercent     float64 `yaml:"min_coverage_percent"`
	MaxSelfCorrectAttempts int     `yaml:"max_self_correct_attempts"`

	Context ContextBudgetConfig `yaml:"context"`

	DefaultGates ProjectGatesConfig `yaml:"default_gates"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`

	Telegram TelegramConfig `yaml:"telegram"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`

	Telemetry OTelConfig `yaml:"telemetry"`

	DeploymentMode DeploymentMode `yaml:"deployment_mode"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used by the
// fsnotify watcher (watcher.go) to tell a real change from a touch with
// identical content.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "llm=%s/%s|db=%s|ws=%s|bind=%s|log=%s|cov=%.2f|attempts=%d|mode=%s",
		c.LLMProviderKey, c.LLMModel, c.DatabasePath, c.WorkspaceRoot, c.BindAddr, c.LogLevel,
		c.MinCoveragePercent, c.MaxSelfCorrectAttempts, c.DeploymentMode)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LLMProviderKey: "anthropic",
		LLMAPIKeyEnv:   "ANTHROPIC_API_KEY",

		BindAddr: "127.0.0.1:18080",
		LogLevel: "info",

		MinCoveragePercent:     85,
		MaxSelfCorrectAttempts: 3,

		Context: ContextBudgetConfig{
			HotBudgetTokens:        8000,
			WarmBudgetTokens:       32000,
			FlashSaveHeadroomRatio: 0.1,
			RecencyWeight:          0.5,
			UsageWeight:            0.3,
			PinWeight:              0.2,
			RecencyTauSeconds:      int((24 * time.Hour).Seconds()),
		},

		DefaultGates: ProjectGatesConfig{
			Tests:     GateConfig{TimeoutSeconds: 300},
			TypeCheck: GateConfig{TimeoutSeconds: 120},
			Coverage:  GateConfig{TimeoutSeconds: 300, CoverageMinimum: 85},
			Linting:   GateConfig{TimeoutSeconds: 60},
		},
		Sandbox: SandboxConfig{
			Image:       "golang:alpine",
			MemoryMB:    512,
			CPUs:        1,
			NetworkMode: "none",
		},

		Maintenance: MaintenanceConfig{
			IntervalSeconds:      30,
			EventRetentionDays:   90,
			BlockerRetentionDays: 90,
		},

		DeploymentMode: DeploymentSelfHosted,
	}
}

// HomeDir resolves CodeFRAME's config/state directory: CODEFRAME_HOME if
// set, else ~/.codeframe.
func HomeDir() string {
	if override := os.Getenv("CODEFRAME_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".codeframe")
}

// Load reads config.yaml from HomeDir(), applies environment overrides, and
// normalizes every unset-but-required field to its default.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create codeframe home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "codeframe.db")
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLMProviderKey == "" {
		cfg.LLMProviderKey = "anthropic"
	}
	if cfg.MinCoveragePercent <= 0 {
		cfg.MinCoveragePercent = 85
	}
	if cfg.MaxSelfCorrectAttempts <= 0 {
		cfg.MaxSelfCorrectAttempts = 3
	}
	if cfg.Context.HotBudgetTokens <= 0 {
		cfg.Context.HotBudgetTokens = 8000
	}
	if cfg.Context.WarmBudgetTokens <= 0 {
		cfg.Context.WarmBudgetTokens = 32000
	}
	if cfg.Context.FlashSaveHeadroomRatio <= 0 {
		cfg.Context.FlashSaveHeadroomRatio = 0.1
	}
	if cfg.Context.RecencyTauSeconds <= 0 {
		cfg.Context.RecencyTauSeconds = int((24 * time.Hour).Seconds())
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "golang:alpine"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.CPUs <= 0 {
		cfg.Sandbox.CPUs = 1
	}
	if cfg.Sandbox.NetworkMode == "" {
		cfg.Sandbox.NetworkMode = "none"
	}
	if cfg.Maintenance.IntervalSeconds <= 0 {
		cfg.Maintenance.IntervalSeconds = 30
	}
	if cfg.Maintenance.EventRetentionDays <= 0 {
		cfg.Maintenance.EventRetentionDays = 90
	}
	if cfg.Maintenance.BlockerRetentionDays <= 0 {
		cfg.Maintenance.BlockerRetentionDays = 90
	}
	if cfg.DeploymentMode == "" {
		cfg.DeploymentMode = DeploymentSelfHosted
	}
}

// APIKey resolves the active LLM provider's API key from the environment,
// checking LLMAPIKeyEnv first and falling back to the provider's
// conventional variable name.
func (c Config) APIKey() string {
	if c.LLMAPIKeyEnv != "" {
		if v := os.Getenv(c.LLMAPIKeyEnv); v != "" {
			return v
		}
	}
	conventional := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
	}
	if envVar, ok := conventional[c.LLMProviderKey]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_PROVIDER_KEY"); v != "" {
		cfg.LLMProviderKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("MIN_COVERAGE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinCoveragePercent = f
		}
	}
	if v := os.Getenv("MAX_SELF_CORRECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSelfCorrectAttempts = n
		}
	}
	if v := os.Getenv("CONTEXT_HOT_BUDGET_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.HotBudgetTokens = n
		}
	}
	if v := os.Getenv("CONTEXT_WARM_BUDGET_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.WarmBudgetTokens = n
		}
	}
	if v := os.Getenv("FLASH_SAVE_HEADROOM_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Context.FlashSaveHeadroomRatio = f
		}
	}
	if v := os.Getenv("GATE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultGates.Tests.TimeoutSeconds = n
			cfg.DefaultGates.TypeCheck.TimeoutSeconds = n
			cfg.DefaultGates.Coverage.TimeoutSeconds = n
			cfg.DefaultGates.Linting.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("DEPLOYMENT_MODE"); v != "" {
		cfg.DeploymentMode = DeploymentMode(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_IDS"); v != "" {
		cfg.Telegram.AllowedIDs = v
	}
}

// Package config provides configuration loading, validation, and hot-reload
// for the containment kernel.
//
// Configuration file: /etc/containment-kernel/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - The reloaded values are validated and logged; they are not applied to
//     components that are already running. Every change takes effect on
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., multipliers, zone thresholds).
//   - File paths must be absolute.
//   - Invalid config on startup: process refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the containment kernel.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this kernel process; the demo entrypoint logs it at
	// startup and passes it as the chain's Service metadata. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Execution configures the default per-chain ExecutionConfig ceilings.
	Execution ExecutionConfig `yaml:"execution"`

	// Breaker configures the CircuitBreaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Degrade configures the DegradeController.
	Degrade DegradeConfig `yaml:"degrade"`

	// Adaptive configures the AdaptiveBudgetHook.
	Adaptive AdaptiveConfig `yaml:"adaptive"`

	// SafeMode configures the persisted emergency-halt state file.
	SafeMode SafeModeConfig `yaml:"safe_mode"`

	// Ledger configures the optional BoltDB audit sink.
	Ledger LedgerConfig `yaml:"ledger"`

	// BudgetBackend configures the pluggable cross-process cost accumulator.
	BudgetBackend BudgetBackendConfig `yaml:"budget_backend"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// ExecutionConfig holds the default chain-level ceilings applied when a
// caller does not supply its own. Mirrors kernel.ExecutionConfig's fields.
type ExecutionConfig struct {
	// MaxCostUSD is the default per-chain cumulative USD ceiling.
	// Default: 5.00.
	MaxCostUSD float64 `yaml:"max_cost_usd"`

	// MaxSteps is the default per-chain step count ceiling. Default: 200.
	MaxSteps int `yaml:"max_steps"`

	// MaxRetriesTotal is the default per-chain total retry budget.
	// Default: 20.
	MaxRetriesTotal int `yaml:"max_retries_total"`

	// TimeoutMs is the default per-chain wall-clock deadline in
	// milliseconds. 0 disables the chain-level deadline. Default: 300000.
	TimeoutMs int64 `yaml:"timeout_ms"`
}

// BreakerConfig holds CircuitBreaker parameters.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit for one entity. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays OPEN before allowing a
	// HALF_OPEN probe. Default: 60s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// DegradeConfig holds DegradeController zone thresholds and hysteresis.
type DegradeConfig struct {
	// SoftMin, HardMin, EmergencyMin are the budget-utilization zone
	// boundaries. Defaults: 0.80, 0.85, 0.90.
	SoftMin      float64 `yaml:"soft_min"`
	HardMin      float64 `yaml:"hard_min"`
	EmergencyMin float64 `yaml:"emergency_min"`

	// StabilityWindow is the minimum time a lower signal level must hold
	// continuously before the controller steps down one level.
	// Default: 60s.
	StabilityWindow time.Duration `yaml:"stability_window"`
}

// AdaptiveConfig holds AdaptiveBudgetHook tunables.
type AdaptiveConfig struct {
	// MinMultiplier, MaxMultiplier bound the ceiling multiplier.
	// Defaults: 0.6, 1.2.
	MinMultiplier float64 `yaml:"min_multiplier"`
	MaxMultiplier float64 `yaml:"max_multiplier"`

	// TightenTrigger is the HALT-event count in Window that triggers a
	// tighten. Default: 3.
	TightenTrigger int `yaml:"tighten_trigger"`

	// TightenPct, LoosenPct, MaxStepPct bound each adjustment step.
	// Defaults: 0.10, 0.05, 0.05.
	TightenPct float64 `yaml:"tighten_pct"`
	LoosenPct  float64 `yaml:"loosen_pct"`
	MaxStepPct float64 `yaml:"max_step_pct"`

	// CooldownWindow is the minimum time between adjustments.
	// Default: 900s.
	CooldownWindow time.Duration `yaml:"cooldown_window"`

	// Window is the rolling event-history window evaluated on each Adjust.
	// Default: 300s.
	Window time.Duration `yaml:"window"`

	// AnomalyEnabled gates the independent spike-detection factor.
	// Default: false.
	AnomalyEnabled bool `yaml:"anomaly_enabled"`

	// SpikeFactor, AnomalyTightenPct, AnomalyWindow, RecentWindow tune
	// anomaly-mode detection and recovery.
	SpikeFactor       float64       `yaml:"spike_factor"`
	AnomalyTightenPct float64       `yaml:"anomaly_tighten_pct"`
	AnomalyWindow     time.Duration `yaml:"anomaly_window"`
	RecentWindow      time.Duration `yaml:"recent_window"`
}

// SafeModeConfig holds the persisted emergency-halt state file location.
type SafeModeConfig struct {
	// StatePath is the absolute path to the SAFE_MODE JSON state file.
	// Default: /var/lib/containment-kernel/safemode.json.
	StatePath string `yaml:"state_path"`
}

// LedgerConfig holds the optional BoltDB audit sink parameters.
type LedgerConfig struct {
	// Enabled controls whether SafetyEvents are persisted to disk in
	// addition to being drained to in-process sinks. Default: false.
	Enabled bool `yaml:"enabled"`

	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/containment-kernel/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the event retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// BudgetBackendConfig holds the pluggable cross-process accumulator
// parameters.
type BudgetBackendConfig struct {
	// Kind selects the backend: "local" or "redis". Default: "local".
	Kind string `yaml:"kind"`

	// RedisAddr is the address of the Redis server when kind="redis".
	RedisAddr string `yaml:"redis_addr"`

	// RedisKeyTTL bounds how long a chain's budget key lives in Redis.
	// Default: 24h.
	RedisKeyTTL time.Duration `yaml:"redis_key_ttl"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
// Overrides allow privileged operators to manually clear SAFE_MODE or
// inspect chain state without restarting the process.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/containment-kernel/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Execution: ExecutionConfig{
			MaxCostUSD:      5.00,
			MaxSteps:        200,
			MaxRetriesTotal: 20,
			TimeoutMs:       300000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Degrade: DegradeConfig{
			SoftMin:         0.80,
			HardMin:         0.85,
			EmergencyMin:    0.90,
			StabilityWindow: 60 * time.Second,
		},
		Adaptive: AdaptiveConfig{
			MinMultiplier:     0.6,
			MaxMultiplier:     1.2,
			TightenTrigger:    3,
			TightenPct:        0.10,
			LoosenPct:         0.05,
			MaxStepPct:        0.05,
			CooldownWindow:    900 * time.Second,
			Window:            300 * time.Second,
			RecentWindow:      60 * time.Second,
			AnomalyEnabled:    false,
			SpikeFactor:       3.0,
			AnomalyTightenPct: 0.85,
			AnomalyWindow:     300 * time.Second,
		},
		SafeMode: SafeModeConfig{
			StatePath: DefaultSafeModePath,
		},
		Ledger: LedgerConfig{
			Enabled:       false,
			DBPath:        DefaultLedgerPath,
			RetentionDays: 30,
		},
		BudgetBackend: BudgetBackendConfig{
			Kind:        "local",
			RedisKeyTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/containment-kernel/operator.sock",
		},
	}
}

// DefaultSafeModePath is the default SAFE_MODE state file location.
const DefaultSafeModePath = "/var/lib/containment-kernel/safemode.json"

// DefaultLedgerPath is the default SafetyEvent ledger database location.
const DefaultLedgerPath = "/var/lib/containment-kernel/ledger.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Execution.MaxCostUSD <= 0 {
		errs = append(errs, fmt.Sprintf("execution.max_cost_usd must be > 0, got %f", cfg.Execution.MaxCostUSD))
	}
	if cfg.Execution.MaxSteps <= 0 {
		errs = append(errs, fmt.Sprintf("execution.max_steps must be > 0, got %d", cfg.Execution.MaxSteps))
	}
	if cfg.Execution.MaxRetriesTotal < 0 {
		errs = append(errs, fmt.Sprintf("execution.max_retries_total must be >= 0, got %d", cfg.Execution.MaxRetriesTotal))
	}
	if cfg.Execution.TimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("execution.timeout_ms must be >= 0, got %d", cfg.Execution.TimeoutMs))
	}
	if cfg.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("breaker.failure_threshold must be >= 1, got %d", cfg.Breaker.FailureThreshold))
	}
	if cfg.Breaker.RecoveryTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("breaker.recovery_timeout must be >= 1s, got %s", cfg.Breaker.RecoveryTimeout))
	}
	if !(0 <= cfg.Degrade.SoftMin && cfg.Degrade.SoftMin <= cfg.Degrade.HardMin && cfg.Degrade.HardMin <= cfg.Degrade.EmergencyMin && cfg.Degrade.EmergencyMin <= 1.0) {
		errs = append(errs, "degrade zone thresholds must satisfy 0 <= soft_min <= hard_min <= emergency_min <= 1.0")
	}
	if cfg.Degrade.StabilityWindow < 0 {
		errs = append(errs, "degrade.stability_window must be >= 0")
	}
	if cfg.Adaptive.MinMultiplier <= 0 || cfg.Adaptive.MaxMultiplier <= cfg.Adaptive.MinMultiplier {
		errs = append(errs, fmt.Sprintf("adaptive.min_multiplier/max_multiplier invalid: got [%f, %f]",
			cfg.Adaptive.MinMultiplier, cfg.Adaptive.MaxMultiplier))
	}
	if cfg.Adaptive.TightenTrigger < 1 {
		errs = append(errs, fmt.Sprintf("adaptive.tighten_trigger must be >= 1, got %d", cfg.Adaptive.TightenTrigger))
	}
	if cfg.SafeMode.StatePath == "" {
		errs = append(errs, "safe_mode.state_path must not be empty")
	} else if !filepath.IsAbs(cfg.SafeMode.StatePath) {
		errs = append(errs, fmt.Sprintf("safe_mode.state_path must be absolute, got %q", cfg.SafeMode.StatePath))
	}
	if cfg.Ledger.Enabled && cfg.Ledger.DBPath != "" && !filepath.IsAbs(cfg.Ledger.DBPath) {
		errs = append(errs, fmt.Sprintf("ledger.db_path must be absolute, got %q", cfg.Ledger.DBPath))
	}
	if cfg.Operator.Enabled && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
	}
	if cfg.Ledger.Enabled {
		if cfg.Ledger.DBPath == "" {
			errs = append(errs, "ledger.db_path must not be empty when ledger.enabled=true")
		}
		if cfg.Ledger.RetentionDays < 1 {
			errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
		}
	}
	switch cfg.BudgetBackend.Kind {
	case "local":
	case "redis":
		if cfg.BudgetBackend.RedisAddr == "" {
			errs = append(errs, "budget_backend.redis_addr is required when budget_backend.kind=redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("budget_backend.kind must be \"local\" or \"redis\", got %q", cfg.BudgetBackend.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

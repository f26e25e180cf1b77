// Package config provides configuration loading, validation, and
// hot-reload for the golem-worker-executor node process.
//
// Configuration file: /etc/golem-worker-executor/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The process watches config.yaml with fsnotify.
//   - On write: re-read and re-validate config.yaml.
//   - A valid new config replaces the watcher's in-memory copy. No
//     running component reads that copy, so no change (retry tuning, log
//     level, memory coefficient, paths, bind addresses) takes effect
//     before a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (coefficients > 0, retry attempts >= 0).
//   - File/socket paths must be absolute.
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

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for one executor node
// process. All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this node, used in the startup
	// log fields. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Limits configures cooperative-yield and EventsBus sizing.
	Limits LimitsConfig `yaml:"limits"`

	// Memory configures admission control ("memory.*").
	Memory MemoryConfig `yaml:"memory"`

	// Retry is the global default trap retry policy ("retry").
	Retry RetryConfig `yaml:"retry"`

	// Storage configures the bbolt-backed oplog store.
	Storage StorageConfig `yaml:"storage"`

	// AdminSocket configures the Unix domain socket admin interface.
	AdminSocket AdminSocketConfig `yaml:"admin_socket"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// LimitsConfig holds cooperative scheduling and EventsBus tuning.
type LimitsConfig struct {
	// EpochTicks is the epoch deadline per cooperative yield. It is
	// defaulted and validated but not passed to any component: the
	// runtime.Engine interface takes no epoch setting, so no yield
	// callback is driven by it. Default: 10000.
	EpochTicks uint64 `yaml:"epoch_ticks"`

	// EventBroadcastCapacity is the EventsBus's per-subscriber buffered
	// channel size before a subscriber is considered lagging. Default: 64.
	EventBroadcastCapacity int `yaml:"event_broadcast_capacity"`

	// EventHistorySize is how many recent InvocationCompleted events the
	// bus retains per worker for a lagged subscriber's WaitFor to
	// re-check against. Default: 256.
	EventHistorySize int `yaml:"event_history_size"`
}

// MemoryConfig holds admission-control parameters.
type MemoryConfig struct {
	// WorkerEstimateCoefficient is x in memory_estimate =
	// x*(linear_memory + 2*code_size). Default: 1.2.
	WorkerEstimateCoefficient float64 `yaml:"worker_estimate_coefficient"`

	// BudgetBytes is the AdmissionController's total permit budget.
	// Default: 4294967296 (4 GiB).
	BudgetBytes int64 `yaml:"budget_bytes"`

	// OOMRetry is the restart policy applied after an out-of-memory trap
	// ("memory.oom_retry_config").
	OOMRetry RetryConfig `yaml:"oom_retry_config"`
}

// RetryConfig mirrors internal/model.RetryConfig for YAML decoding —
// kept as a distinct type here (rather than embedding model.RetryConfig
// directly) so this package has no dependency on internal/model.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxJitterFactor float64       `yaml:"max_jitter_factor"`
}

// StorageConfig holds bbolt oplog store parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt oplog file.
	// Default: /var/lib/golem-worker-executor/oplog.db.
	DBPath string `yaml:"db_path"`
}

// AdminSocketConfig holds the admin Unix socket parameters.
type AdminSocketConfig struct {
	// SocketPath is the Unix domain socket path the admin interface
	// listens on. Permissions: 0600.
	// Default: /run/golem-worker-executor/admin.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the admin socket is started. Default: true.
	Enabled bool `yaml:"enabled"`
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

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Limits: LimitsConfig{
			EpochTicks:             10000,
			EventBroadcastCapacity: 64,
			EventHistorySize:       256,
		},
		Memory: MemoryConfig{
			WorkerEstimateCoefficient: 1.2,
			BudgetBytes:               4 * 1024 * 1024 * 1024,
			OOMRetry: RetryConfig{
				MaxAttempts:     3,
				MinDelay:        time.Second,
				MaxDelay:        30 * time.Second,
				Multiplier:      2.0,
				MaxJitterFactor: 0.25,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			MinDelay:        100 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			MaxJitterFactor: 0.25,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		AdminSocket: AdminSocketConfig{
			Enabled:    true,
			SocketPath: "/run/golem-worker-executor/admin.sock",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultDBPath is the default bbolt oplog file location.
const DefaultDBPath = "/var/lib/golem-worker-executor/oplog.db"

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
	if cfg.Limits.EpochTicks < 1 {
		errs = append(errs, fmt.Sprintf("limits.epoch_ticks must be >= 1, got %d", cfg.Limits.EpochTicks))
	}
	if cfg.Limits.EventBroadcastCapacity < 1 {
		errs = append(errs, fmt.Sprintf("limits.event_broadcast_capacity must be >= 1, got %d", cfg.Limits.EventBroadcastCapacity))
	}
	if cfg.Limits.EventHistorySize < 0 {
		errs = append(errs, fmt.Sprintf("limits.event_history_size must be >= 0, got %d", cfg.Limits.EventHistorySize))
	}
	if cfg.Memory.WorkerEstimateCoefficient <= 0 {
		errs = append(errs, fmt.Sprintf("memory.worker_estimate_coefficient must be > 0, got %f", cfg.Memory.WorkerEstimateCoefficient))
	}
	if cfg.Memory.BudgetBytes < 1 {
		errs = append(errs, fmt.Sprintf("memory.budget_bytes must be >= 1, got %d", cfg.Memory.BudgetBytes))
	}
	errs = append(errs, validateRetryConfig("memory.oom_retry_config", cfg.Memory.OOMRetry)...)
	errs = append(errs, validateRetryConfig("retry", cfg.Retry)...)

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.AdminSocket.Enabled {
		if cfg.AdminSocket.SocketPath == "" {
			errs = append(errs, "admin_socket.socket_path must not be empty when admin_socket.enabled is true")
		} else if !filepath.IsAbs(cfg.AdminSocket.SocketPath) {
			errs = append(errs, fmt.Sprintf("admin_socket.socket_path must be absolute, got %q", cfg.AdminSocket.SocketPath))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

func validateRetryConfig(field string, r RetryConfig) []string {
	var errs []string
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("%s.max_attempts must be >= 0, got %d", field, r.MaxAttempts))
	}
	if r.MinDelay < 0 {
		errs = append(errs, fmt.Sprintf("%s.min_delay must be >= 0, got %s", field, r.MinDelay))
	}
	if r.MaxDelay < r.MinDelay {
		errs = append(errs, fmt.Sprintf("%s.max_delay must be >= min_delay, got %s < %s", field, r.MaxDelay, r.MinDelay))
	}
	if r.Multiplier < 1.0 {
		errs = append(errs, fmt.Sprintf("%s.multiplier must be >= 1.0, got %f", field, r.Multiplier))
	}
	if r.MaxJitterFactor < 0.0 || r.MaxJitterFactor > 1.0 {
		errs = append(errs, fmt.Sprintf("%s.max_jitter_factor must be in [0.0, 1.0], got %f", field, r.MaxJitterFactor))
	}
	return errs
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

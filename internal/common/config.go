package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"oneof=development production"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Workers     WorkersConfig   `toml:"workers"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Providers   ProvidersConfig `toml:"providers"`
	Auth        AuthConfig      `toml:"auth"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig contains transport tuning for both the server handler and
// the client connection manager.
type WebSocketConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g. "25s" - ping cadence while connected
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`  // e.g. "10s" - pong deadline before force-close
	ReconnectBase     string `toml:"reconnect_base"`     // e.g. "1s" - initial backoff delay
	ReconnectMax      string `toml:"reconnect_max"`      // e.g. "30s" - backoff cap

	// Notification streaming (service logs pushed as `notification` envelopes)
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting

	// Throttle intervals for high-frequency events. Map of envelope type to duration string.
	// Example: {"task_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

type WorkersConfig struct {
	MaxConcurrentSubTasks int `toml:"max_concurrent_subtasks" validate:"min=1"` // In-flight sub-tasks per job
	SubTaskRetries        int `toml:"subtask_retries" validate:"min=0"`         // Retries before a sub-task failure fails the job
}

type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	SweepSchedule string `toml:"sweep_schedule"` // cron spec, e.g. "@every 1m"
	StaleAfter    string `toml:"stale_after"`    // running job with no progress for this long is failed
}

type ProvidersConfig struct {
	DefinitionsFile string `toml:"definitions_file"` // YAML file describing provider tags, costs, rate limits
}

type AuthConfig struct {
	KeysFile string `toml:"keys_file"` // YAML file mapping API keys to user ids
}

// DefaultConfig returns the built-in defaults; file/env/flag values layer on top.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8585,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/pulse",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: "25s",
			HeartbeatTimeout:  "10s",
			ReconnectBase:     "1s",
			ReconnectMax:      "30s",
			MinLevel:          "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			ThrottleIntervals: map[string]string{
				"task_progress": "250ms",
			},
		},
		Workers: WorkersConfig{
			MaxConcurrentSubTasks: 3,
			SubTaskRetries:        1,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepSchedule: "@every 1m",
			StaleAfter:    "10m",
		},
		Providers: ProvidersConfig{
			DefinitionsFile: "./providers.yaml",
		},
		Auth: AuthConfig{
			KeysFile: "./apikeys.yaml",
		},
	}
}

// LoadFromFiles loads configuration in layers: defaults -> file1 -> file2 -> env.
// Later files override earlier ones. Missing paths are an error; an empty path
// list returns defaults plus env overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies PULSE_* environment variables on top of file config
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PULSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("PULSE_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("PULSE_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("PULSE_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration against struct tags
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsDevelopment reports whether the service runs with development semantics
// (illegal state transitions fail loudly instead of being ignored).
func (c *Config) IsDevelopment() bool {
	return c.Environment != "production"
}

// ParseDurationOr parses a duration string, falling back to def when the value
// is empty or malformed. Config duration fields are strings so TOML files can
// say "25s" rather than nanosecond counts.
func ParseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// HeartbeatIntervalDuration returns the parsed heartbeat send interval.
func (w *WebSocketConfig) HeartbeatIntervalDuration() time.Duration {
	return ParseDurationOr(w.HeartbeatInterval, 25*time.Second)
}

// HeartbeatTimeoutDuration returns the parsed pong deadline.
func (w *WebSocketConfig) HeartbeatTimeoutDuration() time.Duration {
	return ParseDurationOr(w.HeartbeatTimeout, 10*time.Second)
}

// ReconnectBaseDuration returns the initial reconnect backoff delay.
func (w *WebSocketConfig) ReconnectBaseDuration() time.Duration {
	return ParseDurationOr(w.ReconnectBase, time.Second)
}

// ReconnectMaxDuration returns the reconnect backoff cap.
func (w *WebSocketConfig) ReconnectMaxDuration() time.Duration {
	return ParseDurationOr(w.ReconnectMax, 30*time.Second)
}

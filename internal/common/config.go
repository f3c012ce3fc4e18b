package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Backend     BackendConfig   `toml:"backend"`
	Jobs        JobsConfig      `toml:"jobs"`
	Health      HealthConfig    `toml:"health"`
	Storage     StorageConfig   `toml:"storage"`
	AutoPull    AutoPullConfig  `toml:"autopull"`
	NATS        NATSConfig      `toml:"nats"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=0,max=65535"`
	Host string `toml:"host"`
}

// BackendConfig points the monitors at the permit backend API
type BackendConfig struct {
	BaseURL   string      `toml:"base_url" validate:"required,url"`
	Timeout   string      `toml:"timeout"`    // Per-request timeout, e.g. "120s"
	RateLimit float64     `toml:"rate_limit"` // Requests per second shared by all monitors (0 = unlimited)
	Burst     int         `toml:"burst" validate:"min=0"`
	OAuth     OAuthConfig `toml:"oauth"`
}

// OAuthConfig enables client-credentials bearer auth when ClientID is set
type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url" validate:"required_with=ClientID"`
	Scopes       []string `toml:"scopes"`
}

type JobsConfig struct {
	PollInterval string `toml:"poll_interval"` // Job status poll interval (default: "5s")
}

// HealthConfig holds the health poll cadence per observed status
type HealthConfig struct {
	HealthyInterval  string `toml:"healthy_interval"`
	DegradedInterval string `toml:"degraded_interval"`
	DownInterval     string `toml:"down_interval"`
	SuspendCheck     string `toml:"suspend_check"` // Re-check interval while the dashboard is hidden
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path, empty disables the watch list
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// AutoPullConfig schedules incremental pulls for a fixed set of counties
type AutoPullConfig struct {
	Enabled    bool     `toml:"enabled"`
	Schedule   string   `toml:"schedule"` // Cron schedule format
	Counties   []string `toml:"counties"`
	DaysBack   int      `toml:"days_back" validate:"min=0"`
	PermitType string   `toml:"permit_type"`
}

type NATSConfig struct {
	URL           string `toml:"url"` // Empty disables the bridge
	SubjectPrefix string `toml:"subject_prefix"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

type WebSocketConfig struct {
	JobUpdateThrottle string `toml:"job_update_throttle"` // Minimum gap between job_update pushes per job
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8000",
			Timeout:   "120s",
			RateLimit: 10,
			Burst:     5,
		},
		Jobs: JobsConfig{
			PollInterval: "5s",
		},
		Health: HealthConfig{
			HealthyInterval:  "30s",
			DegradedInterval: "10s",
			DownInterval:     "5s",
			SuspendCheck:     "1s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		AutoPull: AutoPullConfig{
			Enabled:  false,
			Schedule: "0 * * * *", // Hourly, matching the backend's own pull cadence
			DaysBack: 7,
		},
		NATS: NATSConfig{
			SubjectPrefix: "permitwatch",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			JobUpdateThrottle: "1s",
		},
	}
}

// LoadFromFile loads configuration from a single TOML file
func LoadFromFile(path string) (*Config, error) {
	return LoadFromFiles(path)
}

// LoadFromFiles loads defaults, merges each file in order and applies env overrides.
// Priority: defaults < files (later override earlier) < env < CLI flags.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies PERMITWATCH_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PERMITWATCH_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PERMITWATCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PERMITWATCH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Backend configuration
	if baseURL := os.Getenv("PERMITWATCH_BACKEND_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}
	if timeout := os.Getenv("PERMITWATCH_BACKEND_TIMEOUT"); timeout != "" {
		config.Backend.Timeout = timeout
	}
	if rl := os.Getenv("PERMITWATCH_BACKEND_RATE_LIMIT"); rl != "" {
		if v, err := strconv.ParseFloat(rl, 64); err == nil {
			config.Backend.RateLimit = v
		}
	}
	if clientID := os.Getenv("PERMITWATCH_OAUTH_CLIENT_ID"); clientID != "" {
		config.Backend.OAuth.ClientID = clientID
	}
	if secret := os.Getenv("PERMITWATCH_OAUTH_CLIENT_SECRET"); secret != "" {
		config.Backend.OAuth.ClientSecret = secret
	}
	if tokenURL := os.Getenv("PERMITWATCH_OAUTH_TOKEN_URL"); tokenURL != "" {
		config.Backend.OAuth.TokenURL = tokenURL
	}

	// Polling configuration
	if interval := os.Getenv("PERMITWATCH_JOBS_POLL_INTERVAL"); interval != "" {
		config.Jobs.PollInterval = interval
	}

	// Storage configuration
	if path := os.Getenv("PERMITWATCH_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if reset := os.Getenv("PERMITWATCH_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Auto-pull configuration
	if enabled := os.Getenv("PERMITWATCH_AUTOPULL_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.AutoPull.Enabled = e
		}
	}
	if schedule := os.Getenv("PERMITWATCH_AUTOPULL_SCHEDULE"); schedule != "" {
		config.AutoPull.Schedule = schedule
	}
	if counties := os.Getenv("PERMITWATCH_AUTOPULL_COUNTIES"); counties != "" {
		config.AutoPull.Counties = splitList(counties)
	}

	// NATS configuration
	if url := os.Getenv("PERMITWATCH_NATS_URL"); url != "" {
		config.NATS.URL = url
	}
	if prefix := os.Getenv("PERMITWATCH_NATS_SUBJECT_PREFIX"); prefix != "" {
		config.NATS.SubjectPrefix = prefix
	}

	// Logging configuration
	if level := os.Getenv("PERMITWATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PERMITWATCH_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitList(output)
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, backendURL string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if backendURL != "" {
		config.Backend.BaseURL = backendURL
	}
}

// Validate checks struct tags, durations and the auto-pull schedule
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"backend.timeout":          c.Backend.Timeout,
		"jobs.poll_interval":       c.Jobs.PollInterval,
		"health.healthy_interval":  c.Health.HealthyInterval,
		"health.degraded_interval": c.Health.DegradedInterval,
		"health.down_interval":     c.Health.DownInterval,
		"health.suspend_check":     c.Health.SuspendCheck,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("duration for %s must be positive, got %s", key, value)
		}
	}

	if c.AutoPull.Enabled {
		if len(c.AutoPull.Counties) == 0 {
			return fmt.Errorf("autopull enabled but no counties configured")
		}
		if err := ValidateSchedule(c.AutoPull.Schedule); err != nil {
			return err
		}
	}

	return nil
}

// ValidateSchedule validates a standard five-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Duration accessors fall back to defaults when a value is empty or unparsable

func (c *BackendConfig) RequestTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 120*time.Second)
}

func (c *JobsConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 5*time.Second)
}

func (c *HealthConfig) Healthy() time.Duration {
	return parseDurationOr(c.HealthyInterval, 30*time.Second)
}

func (c *HealthConfig) Degraded() time.Duration {
	return parseDurationOr(c.DegradedInterval, 10*time.Second)
}

func (c *HealthConfig) Down() time.Duration {
	return parseDurationOr(c.DownInterval, 5*time.Second)
}

func (c *HealthConfig) SuspendCheckInterval() time.Duration {
	return parseDurationOr(c.SuspendCheck, time.Second)
}

func (c *WebSocketConfig) JobThrottle() time.Duration {
	return parseDurationOr(c.JobUpdateThrottle, time.Second)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func parseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

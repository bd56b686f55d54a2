package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Accounts    AccountsConfig   `toml:"accounts"`
	Pool        PoolConfig       `toml:"pool"`
	Validation  ValidationConfig `toml:"validation"`
	Browser     BrowserConfig    `toml:"browser"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Breaker     BreakerConfig    `toml:"breaker"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=0,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Backend string       `toml:"backend" validate:"oneof=badger mysql"` // "badger" (standalone) or "mysql" (shared with the CRUD layer)
	Badger  BadgerConfig `toml:"badger"`
	MySQL   MySQLConfig  `toml:"mysql"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// MySQLConfig points at the database owned by the CRUD backend
type MySQLConfig struct {
	DSN          string `toml:"dsn"`  // go-sql-driver DSN, e.g. "user:pass@tcp(db:3306)/app?parseTime=true"
	User         string `toml:"user"` // overrides the DSN user when set
	Pass         string `toml:"pass"` // overrides the DSN password when set
	MaxOpenConns int    `toml:"max_open_conns" validate:"min=0"`
	MaxIdleConns int    `toml:"max_idle_conns" validate:"min=0"`
}

// AccountsConfig controls account import files (./accounts/*.toml|*.yaml)
type AccountsConfig struct {
	Dir string `toml:"dir"`
}

// PoolConfig holds the quota and cooldown arithmetic knobs
type PoolConfig struct {
	MaxConsecutiveFailures       int   `toml:"max_consecutive_failures" validate:"min=1"`
	ErrorRecoveryCooldownMinutes int   `toml:"error_recovery_cooldown_minutes" validate:"min=1"`
	RateLimitCooldownMinutes     int   `toml:"rate_limit_cooldown_minutes" validate:"min=1"`
	DefaultDailyRequestLimit     int   `toml:"default_daily_request_limit" validate:"min=1"`
	DefaultMinDelayMs            int64 `toml:"default_min_delay_ms" validate:"min=0"`
	DefaultMaxDelayMs            int64 `toml:"default_max_delay_ms" validate:"min=0,gtefield=DefaultMinDelayMs"`
	MaxValidationErrors          int   `toml:"max_validation_errors" validate:"min=1"`        // consecutive ERROR verdicts before INVALID
	PersistentInvalidThreshold   int   `toml:"persistent_invalid_threshold" validate:"min=1"` // consecutive INVALID verdicts before BLOCKED
}

// ValidationConfig describes what a healthy session looks like on the target platform
type ValidationConfig struct {
	RequiredCookies  []string `toml:"required_cookies"`   // mandatory token names in the jar
	ProbeURL         string   `toml:"probe_url"`          // lightweight authenticated page; defaults to the account base URL
	LoginURLPatterns []string `toml:"login_url_patterns"` // substrings of a final URL that mean "redirected to login"
	AuthSelectors    []string `toml:"auth_selectors"`     // CSS selectors present only when logged in
	LoginSelectors   []string `toml:"login_selectors"`    // CSS selectors of the login wall
	ChallengeMarkers []string `toml:"challenge_markers"`  // CSS selectors of a block/challenge page
	RequestTimeout   string   `toml:"request_timeout"`    // e.g. "20s"
	EnableHTTP       bool     `toml:"enable_http"`
	EnableBrowser    bool     `toml:"enable_browser"`
	UserAgent        string   `toml:"user_agent"` // used when the account has none
}

// BrowserConfig configures the chromedp pool used for BROWSER validations
type BrowserConfig struct {
	MaxInstances int    `toml:"max_instances" validate:"min=1"`
	Headless     bool   `toml:"headless"`
	DisableGPU   bool   `toml:"disable_gpu"`
	NoSandbox    bool   `toml:"no_sandbox"`
	WaitTime     string `toml:"wait_time"` // settle time after navigation, e.g. "3s"
}

// SupervisorConfig controls the periodic sweep
type SupervisorConfig struct {
	SweepInterval                string  `toml:"sweep_interval"` // e.g. "30s"
	LeaseTimeoutMinutes          int     `toml:"lease_timeout_minutes" validate:"min=1"`
	StaleValidationWindowMinutes int     `toml:"stale_validation_window_minutes" validate:"min=1"`
	ValidationConcurrency        int     `toml:"validation_concurrency" validate:"min=1"`
	ValidationsPerSecond         float64 `toml:"validations_per_second" validate:"gt=0"`
	ReloadInterval               string  `toml:"reload_interval"`      // "" or "0" disables periodic LoadAccounts
	DailyResetSchedule           string  `toml:"daily_reset_schedule"` // cron spec, evaluated in UTC
}

// BreakerConfig controls the pool-wide circuit breaker
type BreakerConfig struct {
	FailureRateThreshold float64 `toml:"failure_rate_threshold" validate:"gt=0,lte=1"`
	Window               string  `toml:"window"` // rolling window, e.g. "15m"
	MinSamples           int     `toml:"min_samples" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8086,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Backend: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
			MySQL: MySQLConfig{
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
		},
		Accounts: AccountsConfig{
			Dir: "./accounts",
		},
		Pool: PoolConfig{
			MaxConsecutiveFailures:       5,
			ErrorRecoveryCooldownMinutes: 60,
			RateLimitCooldownMinutes:     1440, // 24h
			DefaultDailyRequestLimit:     150,
			DefaultMinDelayMs:            30000,
			DefaultMaxDelayMs:            90000,
			MaxValidationErrors:          3,
			PersistentInvalidThreshold:   3,
		},
		Validation: ValidationConfig{
			RequestTimeout: "20s",
			EnableHTTP:     true,
			EnableBrowser:  false, // Requires Chrome on the host
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Browser: BrowserConfig{
			MaxInstances: 2,
			Headless:     true,
			DisableGPU:   true,
			NoSandbox:    true,
			WaitTime:     "3s",
		},
		Supervisor: SupervisorConfig{
			SweepInterval:                "30s",
			LeaseTimeoutMinutes:          10,
			StaleValidationWindowMinutes: 60,
			ValidationConcurrency:        4,
			ValidationsPerSecond:         1,
			ReloadInterval:               "5m",
			DailyResetSchedule:           "0 0 * * *",
		},
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.5,
			Window:               "15m",
			MinSamples:           10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files. CLI flags are applied by the caller.
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

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks struct constraints and duration strings
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"validation.request_timeout": c.Validation.RequestTimeout,
		"browser.wait_time":          c.Browser.WaitTime,
		"supervisor.sweep_interval":  c.Supervisor.SweepInterval,
		"breaker.window":             c.Breaker.Window,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", key, err)
		}
	}
	if _, err := ParseOptionalDuration(c.Supervisor.ReloadInterval); err != nil {
		return fmt.Errorf("invalid configuration: supervisor.reload_interval: %w", err)
	}

	if c.Storage.Backend == "mysql" && c.Storage.MySQL.DSN == "" {
		return fmt.Errorf("invalid configuration: storage.mysql.dsn is required when storage.backend = \"mysql\"")
	}

	return nil
}

// ParseOptionalDuration parses a duration where "" and "0" mean disabled
func ParseOptionalDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// MustDuration parses a duration already checked by Validate
func MustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SESSIONPOOL_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("SESSIONPOOL_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SESSIONPOOL_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if backend := os.Getenv("SESSIONPOOL_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if badgerPath := os.Getenv("SESSIONPOOL_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if dsn := os.Getenv("SESSIONPOOL_MYSQL_DSN"); dsn != "" {
		config.Storage.MySQL.DSN = dsn
	}
	if user := os.Getenv("SESSIONPOOL_MYSQL_USER"); user != "" {
		config.Storage.MySQL.User = user
	}
	if pass := os.Getenv("SESSIONPOOL_MYSQL_PASS"); pass != "" {
		config.Storage.MySQL.Pass = pass
	}

	// Pool configuration
	if v := os.Getenv("SESSIONPOOL_MAX_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.MaxConsecutiveFailures = n
		}
	}
	if v := os.Getenv("SESSIONPOOL_ERROR_RECOVERY_COOLDOWN_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.ErrorRecoveryCooldownMinutes = n
		}
	}
	if v := os.Getenv("SESSIONPOOL_RATE_LIMIT_COOLDOWN_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.RateLimitCooldownMinutes = n
		}
	}
	if v := os.Getenv("SESSIONPOOL_DEFAULT_DAILY_REQUEST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.DefaultDailyRequestLimit = n
		}
	}

	// Supervisor configuration
	if v := os.Getenv("SESSIONPOOL_SWEEP_INTERVAL"); v != "" {
		config.Supervisor.SweepInterval = v
	}
	if v := os.Getenv("SESSIONPOOL_LEASE_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.LeaseTimeoutMinutes = n
		}
	}
	if v := os.Getenv("SESSIONPOOL_STALE_VALIDATION_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.StaleValidationWindowMinutes = n
		}
	}

	// Breaker configuration
	if v := os.Getenv("SESSIONPOOL_FAILURE_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Breaker.FailureRateThreshold = f
		}
	}

	// Validation configuration
	if v := os.Getenv("SESSIONPOOL_PROBE_URL"); v != "" {
		config.Validation.ProbeURL = v
	}
	if v := os.Getenv("SESSIONPOOL_ENABLE_BROWSER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Validation.EnableBrowser = b
		}
	}

	// Logging configuration
	if level := os.Getenv("SESSIONPOOL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SESSIONPOOL_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ErrorRecoveryCooldown returns the cooldown applied after repeated failures
func (p PoolConfig) ErrorRecoveryCooldown() time.Duration {
	return time.Duration(p.ErrorRecoveryCooldownMinutes) * time.Minute
}

// RateLimitCooldown returns the cooldown applied after an explicit block signal
func (p PoolConfig) RateLimitCooldown() time.Duration {
	return time.Duration(p.RateLimitCooldownMinutes) * time.Minute
}

// LeaseTimeout returns how long a lease may be held before it is reclaimed
func (s SupervisorConfig) LeaseTimeout() time.Duration {
	return time.Duration(s.LeaseTimeoutMinutes) * time.Minute
}

// StaleValidationWindow returns how old a validation may get before a refresh
func (s SupervisorConfig) StaleValidationWindow() time.Duration {
	return time.Duration(s.StaleValidationWindowMinutes) * time.Minute
}

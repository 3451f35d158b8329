// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: environment variables > config file > defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "30s", "5m", "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all monitor configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds SQL Server connection settings. When DSN is set it
// is used verbatim and the individual fields are ignored.
type DatabaseConfig struct {
	DSN         string   `yaml:"dsn"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	User        string   `yaml:"user"`
	Password    string   `yaml:"password"`
	Database    string   `yaml:"database"`
	AppName     string   `yaml:"app_name"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

// SchedulerConfig holds collection run settings.
type SchedulerConfig struct {
	JobName  string   `yaml:"job_name"`
	LockWait Duration `yaml:"lock_wait"`
}

// WatchdogConfig holds hung-run detection settings.
type WatchdogConfig struct {
	MaxDuration         Duration `yaml:"max_duration"`
	FirstRunMaxDuration Duration `yaml:"first_run_max_duration"`
	Terminate           bool     `yaml:"terminate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        1433,
			Database:    "PerformanceMonitor",
			AppName:     "perfmon",
			LockTimeout: Duration{30 * time.Second},
		},
		Scheduler: SchedulerConfig{
			JobName:  "perfmon_collect",
			LockWait: Duration{30 * time.Second},
		},
		Watchdog: WatchdogConfig{
			MaxDuration:         Duration{5 * time.Minute},
			FirstRunMaxDuration: Duration{30 * time.Minute},
			Terminate:           false,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have the highest precedence.
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PM_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if host := os.Getenv("PM_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("PM_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if user := os.Getenv("PM_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if pw := os.Getenv("PM_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if db := os.Getenv("PM_DB_NAME"); db != "" {
		cfg.Database.Database = db
	}
	if level := os.Getenv("PM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv("PM_LOG_FILE"); file != "" {
		cfg.Logging.File = file
	}
}

// ConnectionString returns the SQL Server connection string. An explicit
// dsn setting wins; otherwise one is assembled from the individual fields.
// Integrated auth applies when no user is configured.
func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}

	q := url.Values{}
	q.Set("database", c.Database)
	if c.AppName != "" {
		q.Set("app name", c.AppName)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		RawQuery: q.Encode(),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port %d", c.Database.Port)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.Scheduler.JobName == "" {
		return fmt.Errorf("scheduler job name is required")
	}
	if c.Scheduler.LockWait.Duration <= 0 {
		return fmt.Errorf("scheduler lock wait must be positive")
	}
	if c.Watchdog.MaxDuration.Duration <= 0 {
		return fmt.Errorf("watchdog max duration must be positive")
	}
	if c.Watchdog.FirstRunMaxDuration.Duration < c.Watchdog.MaxDuration.Duration {
		return fmt.Errorf("watchdog first run max duration must not be below max duration")
	}
	return nil
}

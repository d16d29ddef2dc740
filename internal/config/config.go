// Package config loads the groupcast TOML configuration.
//
// Sections:
//   - [server]: HTTP listen address
//   - [storage]: SQLite database path
//   - [uploads]: directory for uploaded images
//   - [scheduler]: poll granularity, attempt timeout, worker count, timezone
//   - [telegram]: Bot API server, send rate, long poll timeout
//   - [logging]: level and format
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Uploads   UploadsConfig   `toml:"uploads"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type UploadsConfig struct {
	Dir string `toml:"dir"`
	// MaxMB bounds a single multipart upload request.
	MaxMB int64 `toml:"max_mb"`
}

type SchedulerConfig struct {
	Poll           Duration `toml:"poll"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	Workers        int      `toml:"workers"`
	// Timezone is an IANA name or "Local"; daily times are evaluated in it.
	Timezone string `toml:"timezone"`
}

type TelegramConfig struct {
	APIURL      string   `toml:"api_url"`
	RatePerSec  int      `toml:"rate_per_sec"`
	PollTimeout Duration `toml:"poll_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "90s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path and fills unset values with defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "groupcast.db"
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "uploads"
	}
	if c.Uploads.MaxMB == 0 {
		c.Uploads.MaxMB = 32
	}
	if c.Scheduler.Poll.Duration == 0 {
		c.Scheduler.Poll.Duration = time.Second
	}
	if c.Scheduler.AttemptTimeout.Duration == 0 {
		c.Scheduler.AttemptTimeout.Duration = 2 * time.Minute
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}
	if c.Telegram.RatePerSec == 0 {
		c.Telegram.RatePerSec = 20
	}
	if c.Telegram.PollTimeout.Duration == 0 {
		c.Telegram.PollTimeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Uploads.Dir == "" {
		errs = append(errs, fmt.Errorf("uploads.dir is required"))
	}
	if c.Uploads.MaxMB < 0 {
		errs = append(errs, fmt.Errorf("uploads.max_mb must not be negative"))
	}

	if c.Scheduler.Poll.Duration <= 0 || c.Scheduler.Poll.Duration > time.Minute {
		errs = append(errs, fmt.Errorf("invalid scheduler.poll: %s (expected between 0 and 1m)", c.Scheduler.Poll.Duration))
	}
	if c.Scheduler.AttemptTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.attempt_timeout must be positive"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be at least 1"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.Telegram.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("telegram.rate_per_sec must not be negative"))
	}
	if c.Telegram.PollTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("telegram.poll_timeout must not be negative"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: console, json)", c.Logging.Format))
	}

	return errs
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Scheduler.Timezone
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone: %s: %w", tz, err)
	}
	return loc, nil
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/probe"
)

const (
	// DefaultLoginBudget bounds one complete login run, retries included.
	DefaultLoginBudget = 60 * time.Second
	// DefaultHighLatency marks a connected probe as degraded.
	DefaultHighLatency = 1500 * time.Millisecond
	// DefaultActivityCapacity is the number of activity entries kept.
	DefaultActivityCapacity = 50
	// DefaultRatePerMinute is the sustained login submission rate.
	DefaultRatePerMinute = 6
)

// DaemonConfig is the abeslinkd configuration file.
type DaemonConfig struct {
	Log      LogConfig           `json:"log"`
	Probe    ProbeConfig         `json:"probe"`
	Login    LoginConfig         `json:"login"`
	Portal   login.AdapterConfig `json:"portal"`
	Activity ActivityConfig      `json:"activity"`
	History  HistoryConfig       `json:"history"`
	Control  ControlConfig       `json:"control"`
	HTTP     HTTPConfig          `json:"http"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ProbeConfig tunes the connectivity probe.
type ProbeConfig struct {
	Timeout     Duration `json:"timeout"`
	HighLatency Duration `json:"high_latency"`
}

// LoginConfig tunes the login executor.
type LoginConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	Budget            Duration      `json:"budget"`
	AttemptTimeout    Duration      `json:"attempt_timeout"`
	Backoff           BackoffConfig `json:"backoff"`
	RateLimit         RateConfig    `json:"rate_limit"`
	MinUsernameLength int           `json:"min_username_length"`
	MinPasswordLength int           `json:"min_password_length"`
}

// BackoffConfig is the retry delay policy.
type BackoffConfig struct {
	Base       Duration `json:"base"`
	Max        Duration `json:"max"`
	Multiplier float64  `json:"multiplier"`
	NoJitter   bool     `json:"no_jitter"`
}

// RateConfig limits login submissions.
type RateConfig struct {
	PerMinute float64 `json:"per_minute"`
	Burst     int     `json:"burst"`
}

// ActivityConfig sizes the in-memory activity log.
type ActivityConfig struct {
	Capacity int `json:"capacity"`
}

// HistoryConfig controls the SQLite activity history.
type HistoryConfig struct {
	Disabled bool   `json:"disabled"`
	Path     string `json:"path"`
}

// ControlConfig sets the control socket location.
type ControlConfig struct {
	Socket string `json:"socket"`
}

// HTTPConfig enables the optional status/metrics listener.
type HTTPConfig struct {
	Listen string `json:"listen"`
}

// DefaultDaemonConfig returns the configuration used when no file exists.
func DefaultDaemonConfig() *DaemonConfig {
	cfg := &DaemonConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadDaemon reads a YAML or JSON daemon configuration. Unknown fields are
// rejected. An empty path or a missing file yields the defaults.
func LoadDaemon(path string) (*DaemonConfig, error) {
	if path == "" {
		return DefaultDaemonConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultDaemonConfig(), nil
		}
		return nil, fmt.Errorf("failed to read daemon config: %w", err)
	}

	cfg, err := ParseDaemon(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseDaemon decodes data; path only selects the format by extension.
func ParseDaemon(path string, data []byte) (*DaemonConfig, error) {
	jb, err := coerceToJSON(path, data)
	if err != nil {
		return nil, err
	}

	var cfg DaemonConfig
	if len(bytes.TrimSpace(jb)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(jb))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
		// reject trailing tokens (e.g. concatenated JSON)
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return nil, errors.New("invalid config: trailing data")
			}
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *DaemonConfig) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Probe.Timeout = orDefault(c.Probe.Timeout, probe.DefaultTimeout)
	c.Probe.HighLatency = orDefault(c.Probe.HighLatency, DefaultHighLatency)

	if c.Login.MaxAttempts <= 0 {
		c.Login.MaxAttempts = login.DefaultMaxAttempts
	}
	c.Login.Budget = orDefault(c.Login.Budget, DefaultLoginBudget)
	c.Login.AttemptTimeout = orDefault(c.Login.AttemptTimeout, login.DefaultAttemptTimeout)
	c.Login.Backoff.Base = orDefault(c.Login.Backoff.Base, login.DefaultBackoffBase)
	c.Login.Backoff.Max = orDefault(c.Login.Backoff.Max, login.DefaultBackoffMax)
	if c.Login.Backoff.Multiplier <= 0 {
		c.Login.Backoff.Multiplier = login.DefaultBackoffMultiplier
	}
	if c.Login.RateLimit.PerMinute <= 0 {
		c.Login.RateLimit.PerMinute = DefaultRatePerMinute
	}
	if c.Login.RateLimit.Burst <= 0 {
		c.Login.RateLimit.Burst = login.DefaultRateBurst
	}
	if c.Login.MinUsernameLength <= 0 {
		c.Login.MinUsernameLength = login.DefaultMinUsernameLength
	}
	if c.Login.MinPasswordLength <= 0 {
		c.Login.MinPasswordLength = login.DefaultMinPasswordLength
	}
	if c.Activity.Capacity <= 0 {
		c.Activity.Capacity = DefaultActivityCapacity
	}
}

// Validate checks values that defaults cannot repair.
func (c *DaemonConfig) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: must be json or text, got %q", c.Log.Format)
	}
	if c.Login.Backoff.Max < c.Login.Backoff.Base {
		return errors.New("login.backoff.max must not be below login.backoff.base")
	}
	if c.Login.AttemptTimeout > c.Login.Budget {
		return errors.New("login.attempt_timeout must not exceed login.budget")
	}
	if c.Login.Backoff.Multiplier < 1 {
		return errors.New("login.backoff.multiplier must be at least 1")
	}
	if _, err := c.Portal.Resolve(); err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	return nil
}

// BackoffPolicy returns the executor retry policy.
func (c LoginConfig) BackoffPolicy() login.BackoffPolicy {
	return login.BackoffPolicy{
		Base:       c.Backoff.Base.Std(),
		Max:        c.Backoff.Max.Std(),
		Multiplier: c.Backoff.Multiplier,
		Jitter:     !c.Backoff.NoJitter,
	}
}

// CredentialPolicy returns the credential validation rules.
func (c LoginConfig) CredentialPolicy() login.Policy {
	return login.Policy{
		MinUsernameLength: c.MinUsernameLength,
		MinPasswordLength: c.MinPasswordLength,
	}
}

// Limiter builds the login submission rate limiter.
func (c LoginConfig) Limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(c.RateLimit.PerMinute/60.0), c.RateLimit.Burst)
}

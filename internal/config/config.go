// Package config loads tracker settings from an env file plus process
// environment, and hot-reloads the tunable constants when the file
// changes.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime settings. The polling ceilings and the
// auto-retry threshold are calibration values, deliberately configurable.
type Config struct {
	BackendURL string
	PushURL    string // websocket endpoint; empty disables push
	APIToken   string
	DataDir    string

	LogLevel  string
	LogFormat string

	Environment string // "production" or "development"

	PollIntervalProd    time.Duration
	PollIntervalDev     time.Duration
	PollMaxAttempts     int
	PollMaxElapsed      time.Duration
	AutoRetryConfidence float64
	AutoRetryDelay      time.Duration
	MaxRetries          int
	MaxConcurrent       int64
	ReconnectDelay      time.Duration
	Operator            string
}

// Defaults returns the shipped defaults.
func Defaults() Config {
	return Config{
		BackendURL:          "http://localhost:7700",
		DataDir:             defaultDataDir(),
		LogLevel:            "info",
		LogFormat:           "auto",
		Environment:         "production",
		PollIntervalProd:    5 * time.Second,
		PollIntervalDev:     2 * time.Second,
		PollMaxAttempts:     100,
		PollMaxElapsed:      8 * time.Minute,
		AutoRetryConfidence: 0.7,
		AutoRetryDelay:      30 * time.Second,
		MaxRetries:          3,
		MaxConcurrent:       5,
		ReconnectDelay:      5 * time.Second,
		Operator:            "operator",
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/remedy"
	}
	return "/var/lib/remedy"
}

// PollInterval returns the cadence for the configured environment.
func (c *Config) PollInterval() time.Duration {
	if c.Environment == "development" {
		return c.PollIntervalDev
	}
	return c.PollIntervalProd
}

// Load reads the env file (if present), overlays the process environment
// and returns the resulting config. A missing file is not an error.
func Load(envPath string) (*Config, error) {
	cfg := Defaults()

	fileVars := map[string]string{}
	if envPath != "" {
		if vars, err := godotenv.Read(envPath); err == nil {
			fileVars = vars
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}
	cfg.applyVars(lookup)
	return &cfg, nil
}

func (c *Config) applyVars(lookup func(string) (string, bool)) {
	setString(lookup, "REMEDY_BACKEND_URL", &c.BackendURL)
	setString(lookup, "REMEDY_PUSH_URL", &c.PushURL)
	setString(lookup, "REMEDY_API_TOKEN", &c.APIToken)
	setString(lookup, "REMEDY_DATA_DIR", &c.DataDir)
	setString(lookup, "REMEDY_LOG_LEVEL", &c.LogLevel)
	setString(lookup, "REMEDY_LOG_FORMAT", &c.LogFormat)
	setString(lookup, "REMEDY_ENV", &c.Environment)
	setString(lookup, "REMEDY_OPERATOR", &c.Operator)
	setDuration(lookup, "REMEDY_POLL_INTERVAL", &c.PollIntervalProd)
	setDuration(lookup, "REMEDY_POLL_INTERVAL_DEV", &c.PollIntervalDev)
	setInt(lookup, "REMEDY_POLL_MAX_ATTEMPTS", &c.PollMaxAttempts)
	setDuration(lookup, "REMEDY_POLL_MAX_ELAPSED", &c.PollMaxElapsed)
	setFloat(lookup, "REMEDY_AUTO_RETRY_CONFIDENCE", &c.AutoRetryConfidence)
	setDuration(lookup, "REMEDY_AUTO_RETRY_DELAY", &c.AutoRetryDelay)
	setInt(lookup, "REMEDY_MAX_RETRIES", &c.MaxRetries)
	setInt64(lookup, "REMEDY_MAX_CONCURRENT", &c.MaxConcurrent)
	setDuration(lookup, "REMEDY_RECONNECT_DELAY", &c.ReconnectDelay)
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(lookup func(string) (string, bool), key string, dst *time.Duration) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration setting")
		}
	}
}

func setInt(lookup func(string) (string, bool), key string, dst *int) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer setting")
		}
	}
}

func setInt64(lookup func(string) (string, bool), key string, dst *int64) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer setting")
		}
	}
}

func setFloat(lookup func(string) (string, bool), key string, dst *float64) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			*dst = f
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid fraction setting")
		}
	}
}

// guarded snapshot for hot reload consumers
type holder struct {
	mu  sync.RWMutex
	cfg Config
}

// Runtime wraps a Config for concurrent readers with hot reload.
type Runtime struct {
	h holder
}

// NewRuntime wraps an initial config.
func NewRuntime(cfg Config) *Runtime {
	r := &Runtime{}
	r.h.cfg = cfg
	return r
}

// Current returns a copy of the live config.
func (r *Runtime) Current() Config {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.cfg
}

// Replace swaps in a new config.
func (r *Runtime) Replace(cfg Config) {
	r.h.mu.Lock()
	r.h.cfg = cfg
	r.h.mu.Unlock()
}

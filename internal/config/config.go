// Package config loads the service configuration: an optional YAML file for
// deployment shape (address, data directory) and enumerated environment
// scalars for tuning, each with a documented default and validated type.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed pool shapes. Concurrency limits for api and sync are env-tunable;
// queue bounds and the filesystem pool are deployment constants.
const (
	QueueAPI  = 100
	QueueSync = 50
	FSLimit   = 8
	QueueFS   = 200
)

// Config is the resolved service configuration.
type Config struct {
	HTTPAddr string `yaml:"http_address"`
	DataDir  string `yaml:"data_dir"`
	Env      string `yaml:"env"` // "dev" enables CORS + debug router

	LogLevel string

	ConcurrencyAPI  int
	ConcurrencySync int

	RateLimitRPS   float64
	RateLimitBurst int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	RetryBase   time.Duration
	RetryTimes  int
	RetryJitter time.Duration

	SnapshotEveryNEvents int
	LoadShedQueueMax     int
	IdempotencyTTL       time.Duration
	SyncInterval         time.Duration
}

// Load resolves configuration from the YAML file at path (ignored when the
// file does not exist) and the environment. Environment values win.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTPAddr: ":8080",
		DataDir:  "data",
		Env:      "prod",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}

	var err error
	if cfg.LogLevel, err = envEnum("LOG_LEVEL", "info", "debug", "info", "warn", "error"); err != nil {
		return nil, err
	}
	if cfg.ConcurrencyAPI, err = envInt("CONCURRENCY_API", 16, 1); err != nil {
		return nil, err
	}
	if cfg.ConcurrencySync, err = envInt("CONCURRENCY_SYNC", 4, 1); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 50, 0.001); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 100, 1); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = envInt("BREAKER_THRESHOLD", 5, 1); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = envMillis("BREAKER_COOLDOWN_MS", 30_000*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RetryBase, err = envMillis("RETRY_BASE_MS", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RetryTimes, err = envInt("RETRY_TIMES", 3, 1); err != nil {
		return nil, err
	}
	if cfg.RetryJitter, err = envMillis("RETRY_JITTER_MS", 25*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SnapshotEveryNEvents, err = envInt("SNAPSHOT_EVERY_N_EVENTS", 100, 1); err != nil {
		return nil, err
	}
	if cfg.LoadShedQueueMax, err = envInt("LOAD_SHED_QUEUE_MAX", 120, 0); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = envMillis("IDEMP_TTL_MS", 300_000*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = envMillis("SYNC_INTERVAL_MS", 5_000*time.Millisecond); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool { return c.Env == "dev" }

func envInt(name string, def, min int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", name, raw)
	}
	if n < min {
		return 0, fmt.Errorf("%s: must be >= %d, got %d", name, min, n)
	}
	return n, nil
}

func envFloat(name string, def, min float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected number, got %q", name, raw)
	}
	if f < min {
		return 0, fmt.Errorf("%s: must be >= %v, got %v", name, min, f)
	}
	return f, nil
}

func envMillis(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s: expected non-negative milliseconds, got %q", name, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envEnum(name, def string, allowed ...string) (string, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	for _, a := range allowed {
		if raw == a {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%s: expected one of %v, got %q", name, allowed, raw)
}

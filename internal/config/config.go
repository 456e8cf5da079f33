// Package config loads runtime configuration: defaults, then a YAML file,
// then CONDUIT_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/conduit/internal/strategy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUIT_"

// Journal backends.
const (
	JournalSQLite = "sqlite"
	JournalRedis  = "redis"
	JournalMemory = "memory"
)

// Config is the full runtime configuration.
type Config struct {
	// Manifest is the path of the wiring manifest (.yaml, .yml or .cue).
	Manifest string `yaml:"manifest" env:"MANIFEST"`

	Strategy  strategy.Config `yaml:"strategy" envPrefix:"STRATEGY_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Journal   JournalConfig   `yaml:"journal" envPrefix:"JOURNAL_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// CacheConfig tunes the run cache.
type CacheConfig struct {
	// AutoClear lets a new trigger clear a still-open run instead of
	// failing with ALREADY_ACTIVE_RUN.
	AutoClear bool `yaml:"auto_clear" env:"AUTO_CLEAR"`

	// Strict rejects records a worker did not declare as an output.
	Strict bool `yaml:"strict" env:"STRICT"`
}

// JournalConfig selects the audit journal backend.
type JournalConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// sqlite
	Path string `yaml:"path" env:"PATH"`

	// redis
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures metrics and tracing exposure.
type TelemetryConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	// OTLPEndpoint enables span export over OTLP/HTTP when set.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Strategy: strategy.DefaultConfig(),
		Journal: JournalConfig{
			Backend: JournalSQLite,
			Path:    "conduit.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conduit",
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks every section and joins the problems.
func (c Config) Validate() error {
	var errs []error

	if err := c.Strategy.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Journal.Backend {
	case JournalSQLite:
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for the sqlite backend"))
		}
	case JournalRedis:
		if c.Journal.RedisAddr == "" {
			errs = append(errs, errors.New("journal.redis_addr is required for the redis backend"))
		}
		if c.Journal.RedisTTL < 0 {
			errs = append(errs, errors.New("journal.redis_ttl must not be negative"))
		}
	case JournalMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid journal backend %q: must be sqlite, redis, or memory", c.Journal.Backend))
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w. verbose forces debug.
func (l LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

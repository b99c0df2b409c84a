package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override
const EnvPrefix = "ENRICHER_"

const maxRunConcurrency = 8

// Config holds all runtime configuration parameters
type Config struct {
	DBDriver             string  `json:"db_driver" yaml:"db_driver" env:"DB_DRIVER"`
	DBDSN                string  `json:"db_dsn" yaml:"db_dsn" env:"DB_DSN"`
	ListenAddr           string  `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
	RunConcurrency       int     `json:"run_concurrency" yaml:"run_concurrency" env:"RUN_CONCURRENCY"`
	RenderConcurrency    int     `json:"render_concurrency" yaml:"render_concurrency" env:"RENDER_CONCURRENCY"`
	DomainTimeoutMs      int     `json:"domain_timeout_ms" yaml:"domain_timeout_ms" env:"DOMAIN_TIMEOUT_MS"`
	StrategyTimeoutMs    int     `json:"strategy_timeout_ms" yaml:"strategy_timeout_ms" env:"STRATEGY_TIMEOUT_MS"`
	RequestTimeoutMs     int     `json:"request_timeout_ms" yaml:"request_timeout_ms" env:"REQUEST_TIMEOUT_MS"`
	MaxProbePages        int     `json:"max_probe_pages" yaml:"max_probe_pages" env:"MAX_PROBE_PAGES"`
	MaxContactLinks      int     `json:"max_contact_links" yaml:"max_contact_links" env:"MAX_CONTACT_LINKS"`
	HostRPS              float64 `json:"host_rps" yaml:"host_rps" env:"HOST_RPS"`
	ModerationCacheTTLMs int     `json:"moderation_cache_ttl_ms" yaml:"moderation_cache_ttl_ms" env:"MODERATION_CACHE_TTL_MS"`
	StaleAfterMs         int     `json:"stale_after_ms" yaml:"stale_after_ms" env:"STALE_AFTER_MS"`
	SweepSchedule        string  `json:"sweep_schedule" yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	ProgressFlushMs      int     `json:"progress_flush_ms" yaml:"progress_flush_ms" env:"PROGRESS_FLUSH_MS"`
	BrowserEnabled       bool    `json:"browser_enabled" yaml:"browser_enabled" env:"BROWSER_ENABLED"`
	ChromePath           string  `json:"chrome_path" yaml:"chrome_path" env:"CHROME_PATH"`
	MetricsPath          string  `json:"metrics_path" yaml:"metrics_path" env:"METRICS_PATH"`
	LogLevel             string  `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`
	UserAgent            string  `json:"user_agent" yaml:"user_agent" env:"USER_AGENT"`
}

// LoadConfig reads configuration from a JSON or YAML file (chosen by extension), applies
// .env and ENRICHER_* environment overrides, then defaults, then validates. An empty path
// skips the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides sets every field whose ENRICHER_<env tag> variable is non-empty
func applyEnvOverrides(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := range v.NumField() {
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw := os.Getenv(EnvPrefix + name)
		if raw == "" {
			continue
		}

		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			field.SetInt(int64(n))
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			field.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			field.SetBool(b)
		}
	}
	return nil
}

// applyDefaults sets default values for unspecified fields. Negative host_rps and
// moderation_cache_ttl_ms are kept and mean "disabled".
func applyDefaults(cfg *Config) {
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite3"
	}
	if cfg.DBDSN == "" && cfg.DBDriver == "sqlite3" {
		cfg.DBDSN = "enricher.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RunConcurrency == 0 {
		cfg.RunConcurrency = 2
	}
	if cfg.RenderConcurrency == 0 {
		cfg.RenderConcurrency = 1
	}
	if cfg.DomainTimeoutMs == 0 {
		cfg.DomainTimeoutMs = 90000
	}
	if cfg.StrategyTimeoutMs == 0 {
		cfg.StrategyTimeoutMs = 30000
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.MaxProbePages == 0 {
		cfg.MaxProbePages = 15
	}
	if cfg.MaxContactLinks == 0 {
		cfg.MaxContactLinks = 5
	}
	if cfg.HostRPS == 0 {
		cfg.HostRPS = 2
	}
	if cfg.ModerationCacheTTLMs == 0 {
		cfg.ModerationCacheTTLMs = 30000
	}
	if cfg.StaleAfterMs == 0 {
		cfg.StaleAfterMs = int((10 * time.Minute).Milliseconds())
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.ProgressFlushMs == 0 {
		cfg.ProgressFlushMs = 2000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "postgres" {
		return fmt.Errorf("db_driver must be sqlite3 or postgres")
	}
	if cfg.DBDSN == "" {
		return fmt.Errorf("db_dsn is required")
	}
	if cfg.RunConcurrency < 1 || cfg.RunConcurrency > maxRunConcurrency {
		return fmt.Errorf("run_concurrency must be between 1 and %d", maxRunConcurrency)
	}
	if cfg.RenderConcurrency < 1 {
		return fmt.Errorf("render_concurrency must be >= 1")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.StrategyTimeoutMs < cfg.RequestTimeoutMs {
		return fmt.Errorf("strategy_timeout_ms must be >= request_timeout_ms")
	}
	if cfg.DomainTimeoutMs < cfg.StrategyTimeoutMs {
		return fmt.Errorf("domain_timeout_ms must be >= strategy_timeout_ms")
	}
	if cfg.MaxProbePages < 1 {
		return fmt.Errorf("max_probe_pages must be >= 1")
	}
	if cfg.MaxContactLinks < 0 {
		return fmt.Errorf("max_contact_links must be >= 0")
	}
	if cfg.StaleAfterMs < cfg.DomainTimeoutMs {
		return fmt.Errorf("stale_after_ms must be >= domain_timeout_ms")
	}
	if cfg.ProgressFlushMs < 100 {
		return fmt.Errorf("progress_flush_ms must be >= 100")
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("sweep_schedule: %w", err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// DomainTimeout bounds the whole ladder for one domain
func (c *Config) DomainTimeout() time.Duration {
	return time.Duration(c.DomainTimeoutMs) * time.Millisecond
}

// StrategyTimeout bounds one strategy attempt
func (c *Config) StrategyTimeout() time.Duration {
	return time.Duration(c.StrategyTimeoutMs) * time.Millisecond
}

// RequestTimeout bounds one HTTP request
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ModerationCacheTTL is zero when the cache is disabled
func (c *Config) ModerationCacheTTL() time.Duration {
	if c.ModerationCacheTTLMs < 0 {
		return 0
	}
	return time.Duration(c.ModerationCacheTTLMs) * time.Millisecond
}

// StaleAfter is how long a processing row may stay claimed before the sweep requeues it
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// ProgressFlush is the interval between execution status writes
func (c *Config) ProgressFlush() time.Duration {
	return time.Duration(c.ProgressFlushMs) * time.Millisecond
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_JSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"db_dsn": "test.db", "run_concurrency": 3}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "test.db", cfg.DBDSN)
	assert.Equal(t, 3, cfg.RunConcurrency)
	assert.Equal(t, 1, cfg.RenderConcurrency)
	assert.Equal(t, 90*time.Second, cfg.DomainTimeout())
	assert.Equal(t, 30*time.Second, cfg.StrategyTimeout())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 15, cfg.MaxProbePages)
	assert.Equal(t, 5, cfg.MaxContactLinks)
	assert.Equal(t, 2.0, cfg.HostRPS)
	assert.Equal(t, 30*time.Second, cfg.ModerationCacheTTL())
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter())
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, 2*time.Second, cfg.ProgressFlush())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
db_driver: postgres
db_dsn: postgres://enricher@localhost/enricher?sslmode=disable
listen_addr: ":9090"
browser_enabled: true
host_rps: 0.5
moderation_cache_ttl_ms: -1
sweep_schedule: "*/5 * * * *"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.True(t, cfg.BrowserEnabled)
	assert.Equal(t, 0.5, cfg.HostRPS)
	assert.Zero(t, cfg.ModerationCacheTTL())
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{"run_concurrency": 2, "log_level": "info"}`)
	t.Setenv("ENRICHER_RUN_CONCURRENCY", "4")
	t.Setenv("ENRICHER_LOG_LEVEL", "debug")
	t.Setenv("ENRICHER_BROWSER_ENABLED", "true")
	t.Setenv("ENRICHER_HOST_RPS", "1.5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.RunConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.BrowserEnabled)
	assert.Equal(t, 1.5, cfg.HostRPS)
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "enricher.db", cfg.DBDSN)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "broken.json", `{"run_concurrency": `))
	assert.Error(t, err)

	t.Setenv("ENRICHER_RUN_CONCURRENCY", "many")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.DBDriver = "mysql" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DBDriver = "postgres"; c.DBDSN = "" }},
		{name: "too many workers", mutate: func(c *Config) { c.RunConcurrency = 9 }},
		{name: "short request timeout", mutate: func(c *Config) { c.RequestTimeoutMs = 500 }},
		{name: "domain shorter than strategy", mutate: func(c *Config) { c.DomainTimeoutMs = 20000 }},
		{name: "stale before domain timeout", mutate: func(c *Config) { c.StaleAfterMs = 1000 }},
		{name: "bad cron", mutate: func(c *Config) { c.SweepSchedule = "every minute" }},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			require.NoError(t, validate(&cfg))

			tt.mutate(&cfg)
			assert.Error(t, validate(&cfg))
		})
	}
}

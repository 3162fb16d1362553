package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 15*time.Minute, cfg.FreshnessWindow)
	assert.Equal(t, "priority", cfg.SourceMerge)
	assert.Equal(t, 50.0, cfg.Position.MinImprovementBps)
	assert.Equal(t, 24*time.Hour, cfg.Position.MinHoldTime)
	assert.Empty(t, cfg.Sources)
	assert.False(t, cfg.Telegram.Enabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: multi
interval: 1m
cycle_timeout: 30s
sources:
  - name: main
    url: https://yields.example/api
  - name: mirror
    url: https://mirror.example/api
position:
  min_improvement_bps: 25
  auto_recover: true
allocation:
  strategy: risk-weighted
  max_positions: 2
`), 0o600))

	t.Setenv("CYCLE_INTERVAL", "2m")
	t.Setenv("MIN_IMPROVEMENT_BPS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeMulti, cfg.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Interval, "environment wins over the file")
	assert.Equal(t, 30*time.Second, cfg.CycleTimeout)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "mirror", cfg.Sources[1].Name)
	assert.Equal(t, 25.0, cfg.Position.MinImprovementBps, "unparsable env values keep the file value")
	assert.True(t, cfg.Position.AutoRecover)
	assert.Equal(t, "risk-weighted", cfg.Allocation.Strategy)
	assert.Equal(t, 2, cfg.Allocation.MaxPositions)
	// untouched sections keep their defaults
	assert.Equal(t, int64(50_000), cfg.Breaker.MaxAPYBps)
}

func TestLoad_EnvSources(t *testing.T) {
	t.Setenv("DATA_SOURCE_URL", "https://a.example")
	t.Setenv("DATA_SOURCE_API_KEY", "k1")
	t.Setenv("DATA_SOURCE_BACKUP_URL", "https://b.example")
	t.Setenv("SOURCE_MERGE", "median")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, SourceConfig{Name: "primary", URL: "https://a.example", APIKey: "k1"}, cfg.Sources[0])
	assert.Equal(t, "https://b.example", cfg.Sources[1].URL)
	assert.Equal(t, "median", cfg.SourceMerge)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mode: [unclosed"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Mode = "both" }, "mode must be"},
		{"timeout above interval", func(c *Config) { c.CycleTimeout = c.Interval + time.Second }, "cycle_timeout"},
		{"no capital", func(c *Config) { c.CapitalLamports = 0 }, "capital_lamports"},
		{"negative threshold", func(c *Config) { c.Position.MinImprovementBps = -1 }, "min_improvement_bps"},
		{"source without url", func(c *Config) { c.Sources = []SourceConfig{{Name: "x"}} }, "source 0"},
		{"ledger without path", func(c *Config) { c.Ledger.Path = "" }, "ledger path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CFG_INT", "7")
	t.Setenv("CFG_BOOL", "true")
	t.Setenv("CFG_DUR", "90s")
	t.Setenv("CFG_BAD", "x")

	assert.Equal(t, 7, GetEnvAsInt("CFG_INT", 1))
	assert.Equal(t, int64(7), GetEnvAsInt64("CFG_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("CFG_BAD", 1))
	assert.True(t, GetEnvAsBool("CFG_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvAsDuration("CFG_DUR", time.Second))
	assert.Equal(t, 2.5, GetEnvAsFloat("CFG_MISSING", 2.5))
	assert.Equal(t, "fallback", GetEnvOrDefault("CFG_MISSING", "fallback"))
}

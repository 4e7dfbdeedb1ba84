package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
app:
  env: prod
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)

	assert.Equal(t, 5, cfg.Feed.CacheTTLSeconds)
	assert.Equal(t, 5, cfg.Feed.FailureThreshold)
	assert.Equal(t, 60, cfg.Feed.RecoverySeconds)
	assert.Equal(t, 100, cfg.Feed.RateLimit)
	assert.Equal(t, 64, cfg.Feed.BusDepth)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Market.Symbols)
	require.Len(t, cfg.Market.Sources, 1)
	assert.Equal(t, "binance", cfg.Market.Sources[0].Type)
	assert.Equal(t, "https://fapi.binance.com", cfg.Market.Sources[0].RESTBaseURL)
	assert.Equal(t, 1, cfg.Market.Sources[0].Priority)

	assert.Equal(t, 10000.0, cfg.Ledger.InitialBalance)
	assert.True(t, cfg.Ledger.AutoAssignStop)
	assert.Equal(t, "configs/tiers.yaml", cfg.Risk.TiersPath)
	assert.Equal(t, 256, cfg.Storage.AuditQueueDepth)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
feed:
  cache_ttl_seconds: 2
  rate_limit: 50
market:
  symbols: [solusdt]
  sources:
    - name: replay
      type: sim
      enabled: true
      priority: 7
ledger:
  initial_balance: 2500
  auto_assign_stop: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Feed.CacheTTLSeconds)
	assert.Equal(t, 50, cfg.Feed.RateLimit)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Market.Symbols)
	assert.Equal(t, 7, cfg.Market.Sources[0].Priority)
	assert.Equal(t, 2500.0, cfg.Ledger.InitialBalance)

	// An explicit false survives defaulting.
	assert.False(t, cfg.Ledger.AutoAssignStop)
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
app:
  log_level: debug
ledger:
  initial_balance: 5000
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
ledger:
  initial_balance: 7500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// The including file overrides what its include set.
	assert.Equal(t, 7500.0, cfg.Ledger.InitialBalance)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()

	t.Run("no enabled sources", func(t *testing.T) {
		path := writeConfig(t, dir, "sources.yaml", `
market:
  sources:
    - name: off
      type: sim
      enabled: false
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enabled source")
	})

	t.Run("rest source without url template", func(t *testing.T) {
		path := writeConfig(t, dir, "rest.yaml", `
market:
  sources:
    - name: backup
      type: rest
      enabled: true
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "url_template")
	})

	t.Run("unknown source type", func(t *testing.T) {
		path := writeConfig(t, dir, "unknown.yaml", `
market:
  sources:
    - name: carrier
      type: pigeon
      enabled: true
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown type")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestEnabledSources(t *testing.T) {
	m := MarketConfig{Sources: []MarketSource{
		{Name: "a", Enabled: true},
		{Name: "b"},
		{Name: "c", Enabled: true},
	}}
	enabled := m.EnabledSources()
	require.Len(t, enabled, 2)
	assert.Equal(t, "a", enabled[0].Name)
	assert.Equal(t, "c", enabled[1].Name)
}

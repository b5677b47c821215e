package config

import (
	"os"
	"path/filepath"
	"testing"

	"dip-leverage-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"data_dir": "prices",
		"initial_capital": 5000,
		"settings": {"margin_call_debt_to_equity_ratio": 2, "worst_case_dip_ratio": 0.5,
			"max_leverage_at_worst_case": 1.8, "filters": {"num_recs": 4, "min_dip": 5, "max_dip": 40}}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "prices", cfg.DataDir)
	assert.Equal(t, 5000.0, cfg.InitialCapital)
	assert.Equal(t, 2.0, cfg.Settings.MarginCallDebtToEquityRatio)
	assert.Equal(t, 4, cfg.Settings.Filters.NumRecs)
	// untouched keys keep their defaults
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "info", cfg.LogConfig.Level)
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
db_path: /tmp/state
api_port: "9000"
settings:
  trailing_stop_percent: 0.03
  include_interest: false
`)
	t.Setenv("API_PORT", "9100")
	t.Setenv("DIPBOT_DATA_DIR", "/srv/prices")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/state", cfg.DBPath)
	assert.Equal(t, "9100", cfg.APIPort)
	assert.Equal(t, "/srv/prices", cfg.DataDir)
	assert.Equal(t, 0.03, cfg.Settings.TrailingStopPercent)
	assert.False(t, cfg.Settings.IncludeInterest)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"initial_capital": `))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "risk.json", `{"settings": {"worst_case_dip_ratio": 1.2}}`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dip-leverage-bot/internal/models"

	"gopkg.in/yaml.v3"
)

// Default 返回未提供配置文件时使用的默认配置
func Default() *models.Config {
	return &models.Config{
		DBPath:         "data/state",
		DataDir:        "data/prices",
		InitialCapital: 100000,
		APIPort:        "8080",
		SanitizeSpikes: true,
		DownloadDays:   365 * 5,
		LogConfig: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/dipbot.log",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Settings: models.Settings{
			MarginCallDebtToEquityRatio: 3,
			HypotheticalInterestRate:    0.05,
			IncludeInterest:             true,
			OptimizationUseGlobalHigh:   true,
			SimulationUseGlobalHigh:     true,
			WorstCaseDipRatio:           0.6,
			MaxLeverageAtWorstCase:      1.5,
			Filters: models.Filters{
				NumRecs:   10,
				MinDip:    5,
				MaxDip:    50,
				MinSpread: 5,
			},
		},
	}
}

// LoadConfig 从指定路径加载配置文件 (.json 或 .yaml/.yml), 在默认值之上解析, 然后应用环境变量覆盖并校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with DIPBOT_DB_PATH, DIPBOT_DATA_DIR and API_PORT when set.
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv("DIPBOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DIPBOT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.APIPort = v
	}
}

// Validate 检查配置中的数值是否在合理范围内
func Validate(cfg *models.Config) error {
	if cfg.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial_capital must be positive", models.ErrInvalidInput)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", models.ErrInvalidInput)
	}
	s := cfg.Settings
	if s.MarginCallDebtToEquityRatio <= 0 {
		return fmt.Errorf("%w: margin_call_debt_to_equity_ratio must be positive", models.ErrInvalidInput)
	}
	if s.HypotheticalInterestRate < 0 {
		return fmt.Errorf("%w: hypothetical_interest_rate must not be negative", models.ErrInvalidInput)
	}
	if s.TrailingStopPercent < 0 || s.TrailingStopPercent >= 1 {
		return fmt.Errorf("%w: trailing_stop_percent must be in [0,1)", models.ErrInvalidInput)
	}
	if s.WorstCaseDipRatio <= 0 || s.WorstCaseDipRatio >= 1 {
		return fmt.Errorf("%w: worst_case_dip_ratio must be in (0,1)", models.ErrInvalidInput)
	}
	if s.MaxLeverageAtWorstCase < 1 {
		return fmt.Errorf("%w: max_leverage_at_worst_case must be at least 1", models.ErrInvalidInput)
	}
	if s.Filters.NumRecs <= 0 || s.Filters.MaxDip <= s.Filters.MinDip {
		return fmt.Errorf("%w: filters need num_recs > 0 and max_dip > min_dip", models.ErrInvalidInput)
	}
	return nil
}

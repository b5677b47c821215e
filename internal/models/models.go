package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Config 定义了引擎、命令行和 API 服务的所有配置参数
type Config struct {
	DBPath         string    `json:"db_path" yaml:"db_path"`                   // badger 数据目录
	DataDir        string    `json:"data_dir" yaml:"data_dir"`                 // 历史行情 CSV 目录, 每个品种一个 <SYMBOL>.csv
	InterestFile   string    `json:"interest_file" yaml:"interest_file"`       // 利率 CSV (DATE,DFF)
	InitialCapital float64   `json:"initial_capital" yaml:"initial_capital"`   // 组合回测的初始资金
	APIPort        string    `json:"api_port" yaml:"api_port"`                 // HTTP 服务端口
	SanitizeSpikes bool      `json:"sanitize_spikes" yaml:"sanitize_spikes"`   // 加载行情时修正异常尖刺
	BinanceBaseURL string    `json:"binance_base_url" yaml:"binance_base_url"` // 可选: 覆盖行情接口地址
	DownloadDays   int       `json:"download_days" yaml:"download_days"`       // 下载行情的默认天数
	LogConfig      LogConfig `json:"log" yaml:"log"`                           // 日志配置
	Settings       Settings  `json:"settings" yaml:"settings"`                 // 模拟参数默认值
}

// Settings holds the simulation knobs that the portfolio state persists alongside
// the per-symbol strategies.
type Settings struct {
	MarginCallDebtToEquityRatio float64 `json:"margin_call_debt_to_equity_ratio" yaml:"margin_call_debt_to_equity_ratio"`
	HypotheticalInterestRate    float64 `json:"hypothetical_interest_rate" yaml:"hypothetical_interest_rate"`
	TrailingStopPercent         float64 `json:"trailing_stop_percent" yaml:"trailing_stop_percent"`
	IncludeInterest             bool    `json:"include_interest" yaml:"include_interest"`
	OptimizationUseGlobalHigh   bool    `json:"optimization_use_global_high" yaml:"optimization_use_global_high"`
	SimulationUseGlobalHigh     bool    `json:"simulation_use_global_high" yaml:"simulation_use_global_high"`
	WorstCaseDipRatio           float64 `json:"worst_case_dip_ratio" yaml:"worst_case_dip_ratio"`
	MaxLeverageAtWorstCase      float64 `json:"max_leverage_at_worst_case" yaml:"max_leverage_at_worst_case"`
	Filters                     Filters `json:"filters" yaml:"filters"`
}

// Filters 控制从优化结果中自动挑选推荐阈值
type Filters struct {
	NumRecs      int     `json:"num_recs" yaml:"num_recs"`
	MinDip       float64 `json:"min_dip" yaml:"min_dip"`
	MaxDip       float64 `json:"max_dip" yaml:"max_dip"`
	MinSpread    float64 `json:"min_spread" yaml:"min_spread"`
	DeriveSpread bool    `json:"derive_spread" yaml:"derive_spread"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// PriceBar 是单个交易日的行情, Price 为收盘价
type PriceBar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Price float64   `json:"price"`
}

// InterestRate is one day of the annualized borrowing rate (fraction, not percent).
type InterestRate struct {
	Date time.Time `json:"date"`
	Rate float64   `json:"rate"`
}

// DateRange is an inclusive window of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether d falls inside the range, both ends inclusive.
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// NormalizeDate truncates t to midnight UTC of its calendar day.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StrategyParameters 是单次阈值回测的参数
type StrategyParameters struct {
	BuyThreshold             float64 `json:"buy_threshold"`
	HypotheticalInterestRate float64 `json:"hypothetical_interest_rate"`
	TrailingStopPercent      float64 `json:"trailing_stop_percent"`
}

// Strategy is the persisted per-symbol plan: dip label -> buy threshold and target leverage.
type Strategy struct {
	BuyThresholds       map[string]float64 `json:"buy_thresholds" yaml:"buy_thresholds"`
	TargetLeverages     map[string]float64 `json:"target_leverages" yaml:"target_leverages"`
	TrailingStopPercent float64            `json:"trailing_stop_percent" yaml:"trailing_stop_percent"`
}

// Level is one resolved step of a Strategy.
type Level struct {
	Label     string
	Threshold float64
	Leverage  float64
}

// Levels returns the strategy steps sorted by threshold depth, shallowest first.
func (s *Strategy) Levels() []Level {
	levels := make([]Level, 0, len(s.BuyThresholds))
	for label, threshold := range s.BuyThresholds {
		levels = append(levels, Level{Label: label, Threshold: threshold, Leverage: s.TargetLeverages[label]})
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Threshold == levels[j].Threshold {
			return levels[i].Label < levels[j].Label
		}
		return levels[i].Threshold < levels[j].Threshold
	})
	return levels
}

// Validate checks that the strategy can drive a sane plan: matching keys, thresholds
// in (0,1), leverages of at least 1 that never decrease as the dip deepens.
func (s *Strategy) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: strategy is nil", ErrInvalidInput)
	}
	if len(s.BuyThresholds) == 0 {
		return fmt.Errorf("%w: strategy has no buy thresholds", ErrInvalidInput)
	}
	if len(s.BuyThresholds) != len(s.TargetLeverages) {
		return fmt.Errorf("%w: %d buy thresholds but %d target leverages", ErrInvalidInput, len(s.BuyThresholds), len(s.TargetLeverages))
	}
	for label := range s.BuyThresholds {
		if _, ok := s.TargetLeverages[label]; !ok {
			return fmt.Errorf("%w: no target leverage for dip level %q", ErrInvalidInput, label)
		}
	}
	if s.TrailingStopPercent < 0 || s.TrailingStopPercent >= 1 {
		return fmt.Errorf("%w: trailing stop %.4f must be in [0,1)", ErrInvalidInput, s.TrailingStopPercent)
	}
	prev := 1.0
	for _, l := range s.Levels() {
		if l.Threshold <= 0 || l.Threshold >= 1 {
			return fmt.Errorf("%w: threshold %q=%.4f must be in (0,1)", ErrInvalidInput, l.Label, l.Threshold)
		}
		if math.IsNaN(l.Leverage) || l.Leverage < 1 {
			return fmt.Errorf("%w: target leverage %q=%.4f must be >= 1", ErrInvalidInput, l.Label, l.Leverage)
		}
		if l.Leverage < prev {
			return fmt.Errorf("%w: target leverage decreases at dip level %q (%.4f < %.4f)", ErrInvalidInput, l.Label, l.Leverage, prev)
		}
		prev = l.Leverage
	}
	return nil
}

// Clone returns a deep copy of the strategy.
func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	c := &Strategy{
		BuyThresholds:       make(map[string]float64, len(s.BuyThresholds)),
		TargetLeverages:     make(map[string]float64, len(s.TargetLeverages)),
		TrailingStopPercent: s.TrailingStopPercent,
	}
	for k, v := range s.BuyThresholds {
		c.BuyThresholds[k] = v
	}
	for k, v := range s.TargetLeverages {
		c.TargetLeverages[k] = v
	}
	return c
}

// AssetConfig 是组合中单个品种的配置
type AssetConfig struct {
	AllocationPct float64   `json:"allocation_pct" yaml:"allocation_pct"`
	Strategy      *Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// PortfolioConfig maps symbol to its allocation and strategy.
type PortfolioConfig map[string]*AssetConfig

// Symbols returns the configured symbols in sorted order so every run iterates
// assets identically.
func (p PortfolioConfig) Symbols() []string {
	symbols := make([]string, 0, len(p))
	for s := range p {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// TotalAllocation sums the allocation percentages.
func (p PortfolioConfig) TotalAllocation() float64 {
	total := 0.0
	for _, a := range p {
		if a != nil {
			total += a.AllocationPct
		}
	}
	return total
}

// Clone returns a deep copy of the portfolio configuration.
func (p PortfolioConfig) Clone() PortfolioConfig {
	if p == nil {
		return nil
	}
	c := make(PortfolioConfig, len(p))
	for symbol, a := range p {
		if a == nil {
			c[symbol] = nil
			continue
		}
		c[symbol] = &AssetConfig{AllocationPct: a.AllocationPct, Strategy: a.Strategy.Clone()}
	}
	return c
}

// Validate checks the portfolio is ready for a backtest.
func (p PortfolioConfig) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: portfolio is empty", ErrInvalidInput)
	}
	if total := p.TotalAllocation(); math.Abs(total-100) > 0.1 {
		return fmt.Errorf("%w: allocations must sum to 100%%, got %.1f%%", ErrInvalidInput, total)
	}
	for _, symbol := range p.Symbols() {
		a := p[symbol]
		if a == nil || a.Strategy == nil {
			return fmt.Errorf("%w: no strategy defined for %s", ErrInvalidInput, symbol)
		}
		if err := a.Strategy.Validate(); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
	}
	return nil
}

// CloneHistory deep-copies a symbol -> bars mapping.
func CloneHistory(h map[string][]PriceBar) map[string][]PriceBar {
	if h == nil {
		return nil
	}
	c := make(map[string][]PriceBar, len(h))
	for symbol, bars := range h {
		cp := make([]PriceBar, len(bars))
		copy(cp, bars)
		c[symbol] = cp
	}
	return c
}

// SeriesResult 是单个品种、单个阈值回测的结果
type SeriesResult struct {
	TotalNetProfit    float64 `json:"total_net_profit"`
	ClosedTrades      int     `json:"closed_trades"`
	TotalDaysInTrades float64 `json:"total_days_in_trades"`
}

// ThresholdResult accumulates SeriesResults for one threshold across every tested range.
type ThresholdResult struct {
	DipPct            float64 `json:"dip_pct"`
	RunCount          int     `json:"run_count"`
	TotalNetProfit    float64 `json:"total_net_profit"`
	TotalClosedTrades int     `json:"total_closed_trades"`
	TotalDaysInTrades float64 `json:"total_days_in_trades"`
}

func (r ThresholdResult) AvgNetProfit() float64 {
	if r.RunCount == 0 {
		return 0
	}
	return r.TotalNetProfit / float64(r.RunCount)
}

func (r ThresholdResult) AvgClosedTrades() float64 {
	if r.RunCount == 0 {
		return 0
	}
	return float64(r.TotalClosedTrades) / float64(r.RunCount)
}

func (r ThresholdResult) AvgTotalDays() float64 {
	if r.RunCount == 0 {
		return 0
	}
	return r.TotalDaysInTrades / float64(r.RunCount)
}

// WeightedRecommendation 是排序后带权重的推荐阈值
type WeightedRecommendation struct {
	DipPct            float64 `json:"dip_pct"`
	RelativeWeightPct float64 `json:"relative_weight_pct"`
	AvgNetProfit      float64 `json:"avg_net_profit"`
	AvgClosedTrades   float64 `json:"avg_closed_trades"`
	AvgDuration       float64 `json:"avg_duration"`
}

// LeverageStep is one row of a leverage schedule.
type LeverageStep struct {
	DipPct            float64 `json:"dip_pct"`
	LeverageTargetPct float64 `json:"leverage_target_pct"`
	LoanAmount        float64 `json:"loan_amount"`
	LoanPctOfTotal    float64 `json:"loan_pct_of_total"`
}

// LeveragePlan 是杠杆计划, 贷款金额以每 100 单位权益计
type LeveragePlan struct {
	Steps                   []LeverageStep `json:"steps"`
	TotalLoan               float64        `json:"total_loan"`
	FinalLeverageAtLastStep float64        `json:"final_leverage_at_last_step"`
	SafetyDipRatio          float64        `json:"safety_dip_ratio"`
	SafetyMaxLeverageRatio  float64        `json:"safety_max_leverage_ratio"`
}

// ToStrategy converts the schedule into the persisted per-symbol form, labelling each
// level by its dip percentage in the shortest exact form ("20", "10.25").
func (p *LeveragePlan) ToStrategy(trailingStopPercent float64) *Strategy {
	s := &Strategy{
		BuyThresholds:       make(map[string]float64, len(p.Steps)),
		TargetLeverages:     make(map[string]float64, len(p.Steps)),
		TrailingStopPercent: trailingStopPercent,
	}
	for _, step := range p.Steps {
		label := strconv.FormatFloat(step.DipPct, 'f', -1, 64)
		s.BuyThresholds[label] = step.DipPct / 100
		s.TargetLeverages[label] = step.LeverageTargetPct / 100
	}
	return s
}

// DailyRecord 是组合回测中一天的快照
type DailyRecord struct {
	Date         time.Time          `json:"date"`
	Equity       float64            `json:"equity"`
	Debt         float64            `json:"debt"`
	TotalValue   float64            `json:"total_value"`
	BuyHoldValue float64            `json:"buy_hold_value"`
	MarginCalled bool               `json:"margin_called"`
	Composition  map[string]float64 `json:"composition"`
}

// Clone copies the record including its composition map.
func (d DailyRecord) Clone() DailyRecord {
	c := d
	c.Composition = make(map[string]float64, len(d.Composition))
	for k, v := range d.Composition {
		c.Composition[k] = v
	}
	return c
}

// SimulationSummary 汇总一次组合回测
type SimulationSummary struct {
	MarginCalled      bool    `json:"margin_called"`
	MarginCallCount   int     `json:"margin_call_count"`
	StartEquity       float64 `json:"start_equity"`
	EndEquity         float64 `json:"end_equity"`
	FinalDebt         float64 `json:"final_debt"`
	FinalTotalValue   float64 `json:"final_total_value"`
	StrategyCAGR      float64 `json:"strategy_cagr"`
	BuyHoldStart      float64 `json:"buy_hold_start"`
	BuyHoldEnd        float64 `json:"buy_hold_end"`
	BuyHoldCAGR       float64 `json:"buy_hold_cagr"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	TradingDays       int     `json:"trading_days"`
	BorrowEvents      int     `json:"borrow_events"`
	RepaymentEvents   int     `json:"repayment_events"`
	TotalInterestPaid float64 `json:"total_interest_paid"`
}

// PortfolioResult is the full output of one portfolio backtest.
type PortfolioResult struct {
	Range   DateRange         `json:"range"`
	History []DailyRecord     `json:"history"`
	Summary SimulationSummary `json:"summary"`
}

// Action 是行动计划的方向
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ActionPlan is the single next trade that moves the live portfolio to its target leverage.
type ActionPlan struct {
	CurrentEquity           float64 `json:"current_equity"`
	CurrentLeverage         float64 `json:"current_leverage"`
	TotalAssets             float64 `json:"total_assets"`
	TargetLeverage          float64 `json:"target_leverage"`
	TriggeringSymbol        string  `json:"triggering_symbol,omitempty"`
	TriggeringDipPct        float64 `json:"triggering_dip_pct"`
	AmountToInvestOrDivest  float64 `json:"amount_to_invest_or_divest"`
	PriceOfTriggeringSymbol float64 `json:"price_of_triggering_symbol"`
	Action                  Action  `json:"action"`
	OrderSymbol             string  `json:"order_symbol,omitempty"`
	OrderUnits              int64   `json:"order_units"`
}

// BacktestRun 是持久化的一次回测记录
type BacktestRun struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Results   []PortfolioResult `json:"results"`
}

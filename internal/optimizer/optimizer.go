package optimizer

import (
	"context"
	"fmt"
	"sort"

	"dip-leverage-bot/internal/backtest"
	"dip-leverage-bot/internal/models"

	"github.com/samber/lo"
)

// OptimizeParams 是阈值扫描的输入
type OptimizeParams struct {
	Symbol              string
	Bars                []models.PriceBar // 完整历史, 全局高点模式需要区间之前的数据
	Ranges              []models.DateRange
	ThresholdsToTest    []float64 // 百分比, 1..100
	InterestRate        float64
	TrailingStopPercent float64
	UseGlobalHigh       bool
}

// Progress is reported once before every threshold/range unit of work.
type Progress struct {
	Symbol     string  `json:"symbol"`
	RangeIndex int     `json:"range_index"`
	RangeCount int     `json:"range_count"`
	DipPct     float64 `json:"dip_pct"`
	Done       int     `json:"done"`
	Total      int     `json:"total"`
}

// DefaultThresholds returns the whole percentages 1 through 100.
func DefaultThresholds() []float64 {
	return lo.Map(lo.RangeFrom(1, 100), func(v int, _ int) float64 { return float64(v) })
}

func (p OptimizeParams) validate() error {
	if len(p.Bars) == 0 {
		return fmt.Errorf("%w: no price history for %q", models.ErrInvalidInput, p.Symbol)
	}
	if len(p.Ranges) == 0 {
		return fmt.Errorf("%w: at least one date range is required", models.ErrInvalidInput)
	}
	if len(p.ThresholdsToTest) == 0 {
		return fmt.Errorf("%w: no thresholds to test", models.ErrInvalidInput)
	}
	for _, dip := range p.ThresholdsToTest {
		if dip < 1 || dip > 100 {
			return fmt.Errorf("%w: threshold %.2f%% outside 1..100", models.ErrInvalidInput, dip)
		}
	}
	if p.InterestRate < 0 {
		return fmt.Errorf("%w: interest rate must not be negative", models.ErrInvalidInput)
	}
	if p.TrailingStopPercent < 0 || p.TrailingStopPercent >= 1 {
		return fmt.Errorf("%w: trailing stop %.4f must be in [0,1)", models.ErrInvalidInput, p.TrailingStopPercent)
	}
	return nil
}

// Optimize sweeps every threshold over every range and returns the per-threshold
// averages sorted by dip depth. Ranges without bars are skipped.
//
// The sweep is sequential and deterministic. Before each unit of work it checks ctx and
// calls onProgress (which may be nil); a cancelled context aborts with ctx.Err().
func Optimize(ctx context.Context, params OptimizeParams, onProgress func(Progress)) ([]models.ThresholdResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	acc := make(map[float64]*models.ThresholdResult, len(params.ThresholdsToTest))
	total := len(params.Ranges) * len(params.ThresholdsToTest)
	done := 0

	for i, r := range params.Ranges {
		window := backtest.FilterRange(params.Bars, r)
		if len(window) == 0 {
			done += len(params.ThresholdsToTest)
			continue
		}
		seed := backtest.SeedRunningHigh(params.Bars, window, r.Start, params.UseGlobalHigh)
		if seed <= 0 {
			done += len(params.ThresholdsToTest)
			continue
		}

		for _, dip := range params.ThresholdsToTest {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if onProgress != nil {
				onProgress(Progress{
					Symbol:     params.Symbol,
					RangeIndex: i + 1,
					RangeCount: len(params.Ranges),
					DipPct:     dip,
					Done:       done,
					Total:      total,
				})
			}

			res := backtest.SimulateSeries(window, models.StrategyParameters{
				BuyThreshold:             dip / 100,
				HypotheticalInterestRate: params.InterestRate,
				TrailingStopPercent:      params.TrailingStopPercent,
			}, seed)

			entry, ok := acc[dip]
			if !ok {
				entry = &models.ThresholdResult{DipPct: dip}
				acc[dip] = entry
			}
			entry.RunCount++
			entry.TotalNetProfit += res.TotalNetProfit
			entry.TotalClosedTrades += res.ClosedTrades
			entry.TotalDaysInTrades += res.TotalDaysInTrades
			done++
		}
	}

	dips := lo.Keys(acc)
	sort.Float64s(dips)
	out := make([]models.ThresholdResult, 0, len(dips))
	for _, dip := range dips {
		out = append(out, *acc[dip])
	}
	return out, nil
}

package backtest

import (
	"math"

	"dip-leverage-bot/internal/models"
)

const daysPerYear = 365.25

// CAGR 计算年化复合收益率 (小数形式), years 非正或起点非正时返回 0
func CAGR(start, end, years float64) float64 {
	if years <= 0 || start <= 0 || end < 0 {
		return 0
	}
	return math.Pow(end/start, 1/years) - 1
}

// MaxDrawdown returns the largest peak-to-trough fall of the curve as a fraction of the peak.
func MaxDrawdown(curve []float64) float64 {
	if len(curve) < 2 {
		return 0.0
	}
	peak := curve[0]
	maxDrawdown := 0.0

	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - v) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// fillSummary derives the end-of-run figures from the daily history. Event counters are
// already set by the simulator.
func fillSummary(s *models.SimulationSummary, history []models.DailyRecord, initialCapital float64) {
	s.StartEquity = initialCapital
	s.TradingDays = len(history)
	if len(history) == 0 {
		return
	}
	first, last := history[0], history[len(history)-1]
	s.EndEquity = last.Equity
	s.FinalDebt = last.Debt
	s.FinalTotalValue = last.TotalValue
	s.BuyHoldStart = first.BuyHoldValue
	s.BuyHoldEnd = last.BuyHoldValue

	years := last.Date.Sub(first.Date).Hours() / 24 / daysPerYear
	s.StrategyCAGR = CAGR(s.StartEquity, s.EndEquity, years)
	s.BuyHoldCAGR = CAGR(s.BuyHoldStart, s.BuyHoldEnd, years)

	equity := make([]float64, len(history))
	for i, rec := range history {
		equity[i] = rec.Equity
	}
	s.MaxDrawdown = MaxDrawdown(equity)
}

package backtest

import (
	"math"

	"dip-leverage-bot/internal/models"
)

// InvestmentPerTrade is the notional committed to every simulated dip purchase.
const InvestmentPerTrade = 100.0

const day = 24 * 60 * 60

// tradeState tracks the single open position of a series run.
type tradeState struct {
	inActiveTrade     bool
	entryPrice        float64
	entryDay          int64 // unix seconds of the entry date
	simpleSellTarget  float64
	isTakeProfitArmed bool
}

// sellSignal evaluates today's bar against the running high known before today.
// It returns the exit price and true when the position should be closed. In trailing
// mode the call may arm the stop as a side effect.
func sellSignal(bar models.PriceBar, runningHigh, simpleTarget, trailingStop float64, armed *bool) (float64, bool) {
	if trailingStop > 0 {
		if !*armed && bar.High >= runningHigh {
			*armed = true
		}
		if *armed {
			target := runningHigh * (1 - trailingStop)
			if bar.Low <= target {
				return target, true
			}
		}
		return 0, false
	}
	if bar.High >= simpleTarget {
		return simpleTarget, true
	}
	return 0, false
}

// daysBetween returns whole-or-fractional days between two dates, clamped to at least one.
func daysBetween(fromUnix, toUnix int64) float64 {
	return math.Max(1, float64(toUnix-fromUnix)/day)
}

// tradeProfit is the gross return on InvestmentPerTrade less simple interest for the holding period.
func tradeProfit(entry, exit, days, annualRate float64) float64 {
	gross := InvestmentPerTrade/entry*exit - InvestmentPerTrade
	interest := InvestmentPerTrade * annualRate * days / 365
	return gross - interest
}

// SimulateSeries replays one asset's bars against one set of strategy parameters.
//
// Decisions for a day use the running high as it stood before that day; today's high is
// folded in only after the buy/sell decision. Entries and exits fill at the theoretical
// threshold price, modelling a resting limit order. A position still open at the end is
// marked to the last close and contributes to profit but not to the trade statistics.
func SimulateSeries(series []models.PriceBar, params models.StrategyParameters, initialRunningHigh float64) models.SeriesResult {
	var res models.SeriesResult
	if len(series) == 0 {
		return res
	}

	runningHigh := initialRunningHigh
	var st tradeState

	for _, bar := range series {
		if st.inActiveTrade {
			exit, ok := sellSignal(bar, runningHigh, st.simpleSellTarget, params.TrailingStopPercent, &st.isTakeProfitArmed)
			if ok {
				if st.entryPrice > 0 {
					days := daysBetween(st.entryDay, bar.Date.Unix())
					res.TotalNetProfit += tradeProfit(st.entryPrice, exit, days, params.HypotheticalInterestRate)
					res.TotalDaysInTrades += days
					res.ClosedTrades++
				}
				st = tradeState{}
			}
		} else {
			trigger := runningHigh * (1 - params.BuyThreshold)
			if bar.Low <= trigger {
				st = tradeState{
					inActiveTrade:    true,
					entryPrice:       trigger,
					entryDay:         bar.Date.Unix(),
					simpleSellTarget: runningHigh,
				}
			}
		}

		runningHigh = math.Max(runningHigh, bar.High)
	}

	if st.inActiveTrade && st.entryPrice > 0 {
		last := series[len(series)-1]
		days := daysBetween(st.entryDay, last.Date.Unix())
		res.TotalNetProfit += tradeProfit(st.entryPrice, last.Price, days, params.HypotheticalInterestRate)
	}

	return res
}

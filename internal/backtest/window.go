package backtest

import (
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/samber/lo"
)

// FilterRange returns the bars whose date falls inside r, inclusive.
func FilterRange(bars []models.PriceBar, r models.DateRange) []models.PriceBar {
	return lo.Filter(bars, func(b models.PriceBar, _ int) bool {
		return r.Contains(b.Date)
	})
}

// HighBefore returns the maximum high over bars strictly before start, or 0 when none precede it.
func HighBefore(bars []models.PriceBar, start time.Time) float64 {
	high := 0.0
	for _, b := range bars {
		if !b.Date.Before(start) {
			continue
		}
		if b.High > high {
			high = b.High
		}
	}
	return high
}

// SeedRunningHigh picks the starting running high for a window. Global mode uses all
// history before the window and falls back to the first in-window close when nothing
// precedes it.
func SeedRunningHigh(all, window []models.PriceBar, start time.Time, useGlobalHigh bool) float64 {
	seed := 0.0
	if useGlobalHigh {
		seed = HighBefore(all, start)
	}
	if seed == 0 && len(window) > 0 {
		seed = window[0].Price
	}
	return seed
}

package optimizer

import (
	"context"
	"testing"
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

func flatBars(prices ...float64) []models.PriceBar {
	bars := make([]models.PriceBar, len(prices))
	for i, p := range prices {
		bars[i] = models.PriceBar{Date: day0.AddDate(0, 0, i), Open: p, High: p, Low: p, Price: p}
	}
	return bars
}

func fullRange(bars []models.PriceBar) models.DateRange {
	return models.DateRange{Start: bars[0].Date, End: bars[len(bars)-1].Date}
}

func TestOptimize_AggregatesAcrossRanges(t *testing.T) {
	bars := flatBars(100, 80, 100, 100, 80, 100)
	params := OptimizeParams{
		Symbol:           "AAA",
		Bars:             bars,
		Ranges:           []models.DateRange{{Start: bars[0].Date, End: bars[2].Date}, {Start: bars[3].Date, End: bars[5].Date}},
		ThresholdsToTest: []float64{30, 10},
	}

	results, err := Optimize(context.Background(), params, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 10.0, results[0].DipPct, "sorted by dip")
	assert.Equal(t, 2, results[0].RunCount)
	assert.Equal(t, 2, results[0].TotalClosedTrades)
	assert.InDelta(t, 100.0/90.0*100.0-100.0, results[0].AvgNetProfit(), 1e-9)
	assert.InDelta(t, 1.0, results[0].AvgClosedTrades(), 1e-9)

	assert.Equal(t, 30.0, results[1].DipPct)
	assert.Zero(t, results[1].TotalClosedTrades)
	assert.Zero(t, results[1].AvgNetProfit())
}

func TestOptimize_SkipsEmptyRanges(t *testing.T) {
	bars := flatBars(100, 80, 100)
	params := OptimizeParams{
		Bars: bars,
		Ranges: []models.DateRange{
			fullRange(bars),
			{Start: day0.AddDate(1, 0, 0), End: day0.AddDate(2, 0, 0)},
		},
		ThresholdsToTest: []float64{15},
	}

	results, err := Optimize(context.Background(), params, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].RunCount)
}

func TestOptimize_GlobalHighSeed(t *testing.T) {
	// history peaks at 200 before the window, window itself never dips 15% from its own start
	bars := flatBars(200, 150, 100, 100, 95)
	r := models.DateRange{Start: bars[2].Date, End: bars[4].Date}

	local, err := Optimize(context.Background(), OptimizeParams{Bars: bars, Ranges: []models.DateRange{r}, ThresholdsToTest: []float64{15}}, nil)
	require.NoError(t, err)
	global, err := Optimize(context.Background(), OptimizeParams{Bars: bars, Ranges: []models.DateRange{r}, ThresholdsToTest: []float64{15}, UseGlobalHigh: true}, nil)
	require.NoError(t, err)

	assert.Zero(t, local[0].TotalNetProfit)
	// global seed 200 puts the trigger at 170, entered on the first window day and marked to 95
	assert.InDelta(t, 100.0/170.0*95.0-100.0, global[0].TotalNetProfit, 1e-9)
}

func TestOptimize_Deterministic(t *testing.T) {
	bars := flatBars(100, 93, 97, 101, 88, 90, 105, 99, 80, 110)
	params := OptimizeParams{
		Bars:             bars,
		Ranges:           []models.DateRange{fullRange(bars), {Start: bars[3].Date, End: bars[9].Date}},
		ThresholdsToTest: DefaultThresholds(),
		InterestRate:     0.05,
	}

	first, err := Optimize(context.Background(), params, nil)
	require.NoError(t, err)
	second, err := Optimize(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 100)
}

func TestOptimize_ProgressAndCancel(t *testing.T) {
	bars := flatBars(100, 90, 100)
	params := OptimizeParams{Symbol: "AAA", Bars: bars, Ranges: []models.DateRange{fullRange(bars)}, ThresholdsToTest: []float64{5, 10, 15}}

	var seen []Progress
	_, err := Optimize(context.Background(), params, func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, 0, seen[0].Done)
	assert.Equal(t, 2, seen[2].Done)
	assert.Equal(t, 3, seen[2].Total)
	assert.Equal(t, "AAA", seen[1].Symbol)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err = Optimize(ctx, params, func(Progress) {
		calls++
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOptimize_InvalidInput(t *testing.T) {
	bars := flatBars(100, 90)
	tests := []OptimizeParams{
		{Ranges: []models.DateRange{fullRange(bars)}, ThresholdsToTest: []float64{10}},
		{Bars: bars, ThresholdsToTest: []float64{10}},
		{Bars: bars, Ranges: []models.DateRange{fullRange(bars)}, ThresholdsToTest: []float64{0}},
		{Bars: bars, Ranges: []models.DateRange{fullRange(bars)}, ThresholdsToTest: []float64{101}},
		{Bars: bars, Ranges: []models.DateRange{fullRange(bars)}, ThresholdsToTest: []float64{10}, InterestRate: -0.1},
	}
	for _, p := range tests {
		_, err := Optimize(context.Background(), p, nil)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	}
}

package optimizer

import (
	"testing"

	"dip-leverage-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(dip, avgProfit float64, closed int, days float64) models.ThresholdResult {
	return models.ThresholdResult{DipPct: dip, RunCount: 1, TotalNetProfit: avgProfit, TotalClosedTrades: closed, TotalDaysInTrades: days}
}

func sumWeights(recs []models.WeightedRecommendation) float64 {
	total := 0.0
	for _, r := range recs {
		total += r.RelativeWeightPct
	}
	return total
}

func TestRank_WeightsFromPositiveProfit(t *testing.T) {
	recs := Rank([]models.ThresholdResult{
		result(30, 30, 2, 40),
		result(10, 10, 4, 20),
		result(20, -5, 0, 0),
	})
	require.Len(t, recs, 3)

	assert.Equal(t, []float64{10, 20, 30}, []float64{recs[0].DipPct, recs[1].DipPct, recs[2].DipPct})
	assert.InDelta(t, 25, recs[0].RelativeWeightPct, 1e-9)
	assert.Zero(t, recs[1].RelativeWeightPct, "loss-making threshold kept with zero weight")
	assert.InDelta(t, 75, recs[2].RelativeWeightPct, 1e-9)
	assert.InDelta(t, 100, sumWeights(recs), 1e-9)

	assert.InDelta(t, 5, recs[0].AvgDuration, 1e-9)
	assert.Zero(t, recs[1].AvgDuration)
	assert.InDelta(t, 20, recs[2].AvgDuration, 1e-9)
}

func TestRank_NoPositiveProfit(t *testing.T) {
	recs := Rank([]models.ThresholdResult{result(10, -1, 1, 3), result(20, 0, 0, 0)})
	require.Len(t, recs, 2)
	assert.Zero(t, sumWeights(recs))
	assert.Empty(t, Rank(nil))
}

func TestAutoSelect(t *testing.T) {
	results := []models.ThresholdResult{
		result(5, 1, 1, 1),
		result(10, 50, 1, 1),
		result(11, 49, 1, 1),
		result(15, 20, 1, 1),
		result(20, -3, 1, 1),
		result(25, 30, 1, 1),
		result(40, 100, 1, 1),
	}

	picked, err := AutoSelect(results, models.Filters{NumRecs: 3, MinDip: 8, MaxDip: 30, MinSpread: 5})
	require.NoError(t, err)
	require.Len(t, picked, 3)
	assert.Equal(t, 10.0, picked[0].DipPct)
	assert.Equal(t, 15.0, picked[1].DipPct)
	assert.Equal(t, 25.0, picked[2].DipPct)

	// derived spread (30-8)/2 = 11 leaves room for only 10 and 25
	picked, err = AutoSelect(results, models.Filters{NumRecs: 2, MinDip: 8, MaxDip: 30, DeriveSpread: true})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, 10.0, picked[0].DipPct)
	assert.Equal(t, 25.0, picked[1].DipPct)
}

func TestAutoSelect_InvalidFilters(t *testing.T) {
	_, err := AutoSelect(nil, models.Filters{NumRecs: 0, MinDip: 1, MaxDip: 10})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = AutoSelect(nil, models.Filters{NumRecs: 3, MinDip: 10, MaxDip: 10})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

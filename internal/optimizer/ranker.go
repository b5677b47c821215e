package optimizer

import (
	"fmt"
	"math"
	"sort"

	"dip-leverage-bot/internal/models"

	"github.com/samber/lo"
)

// Rank weights the selected thresholds by their share of positive average profit.
// Loss-making thresholds stay in the output with zero weight.
func Rank(selected []models.ThresholdResult) []models.WeightedRecommendation {
	positiveSum := lo.SumBy(selected, func(r models.ThresholdResult) float64 {
		return math.Max(0, r.AvgNetProfit())
	})

	recs := lo.Map(selected, func(r models.ThresholdResult, _ int) models.WeightedRecommendation {
		profit := r.AvgNetProfit()
		weight := 0.0
		if positiveSum > 0 && profit > 0 {
			weight = profit / positiveSum * 100
		}
		duration := 0.0
		if r.TotalClosedTrades > 0 {
			duration = r.TotalDaysInTrades / float64(r.TotalClosedTrades)
		}
		return models.WeightedRecommendation{
			DipPct:            r.DipPct,
			RelativeWeightPct: weight,
			AvgNetProfit:      profit,
			AvgClosedTrades:   r.AvgClosedTrades(),
			AvgDuration:       duration,
		}
	})
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].DipPct < recs[j].DipPct })
	return recs
}

// AutoSelect picks up to NumRecs profitable thresholds inside [MinDip, MaxDip], best average
// profit first, skipping any that sit closer than MinSpread to one already picked.
// The picks are returned in dip order.
func AutoSelect(results []models.ThresholdResult, f models.Filters) ([]models.ThresholdResult, error) {
	if f.NumRecs <= 0 {
		return nil, fmt.Errorf("%w: number of recommendations must be greater than zero", models.ErrInvalidInput)
	}
	if f.MaxDip <= f.MinDip {
		return nil, fmt.Errorf("%w: max dip %.2f must be greater than min dip %.2f", models.ErrInvalidInput, f.MaxDip, f.MinDip)
	}
	minSpread := f.MinSpread
	if f.DeriveSpread {
		minSpread = math.Max(0.1, (f.MaxDip-f.MinDip)/float64(f.NumRecs))
	}

	candidates := lo.Filter(results, func(r models.ThresholdResult, _ int) bool {
		return r.DipPct >= f.MinDip && r.DipPct <= f.MaxDip
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AvgNetProfit() > candidates[j].AvgNetProfit()
	})

	picked := make([]models.ThresholdResult, 0, f.NumRecs)
	for _, r := range candidates {
		if len(picked) >= f.NumRecs {
			break
		}
		if r.AvgNetProfit() <= 0 {
			continue
		}
		tooClose := lo.ContainsBy(picked, func(p models.ThresholdResult) bool {
			return math.Abs(r.DipPct-p.DipPct) < minSpread
		})
		if !tooClose {
			picked = append(picked, r)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].DipPct < picked[j].DipPct })
	return picked, nil
}

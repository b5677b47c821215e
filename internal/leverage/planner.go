package leverage

import (
	"fmt"
	"sort"

	"dip-leverage-bot/internal/models"

	"github.com/samber/lo"
)

// PlanEquity is the notional equity the schedule is expressed against.
const PlanEquity = 100.0

// Plan solves for the largest total loan that keeps leverage at or below
// safetyMaxLeverageRatio if the asset falls all the way to safetyDipRatio below its peak,
// then spreads that loan over the weighted steps.
//
// Each step borrows its weight share of the total loan at its dip depth. With t the
// allowed debt/equity ratio, s the safety dip and pᵢ the step dips, assets bought at pᵢ are
// worth (1-s)/(1-pᵢ) of their cost at the floor, which gives
//
//	loan = t·E·(1-s) / (1 - t·(Σ wᵢ(1-s)/(1-pᵢ) - 1))
//
// A non-positive denominator means no finite loan satisfies the limit.
func Plan(recs []models.WeightedRecommendation, safetyDipRatio, safetyMaxLeverageRatio float64) (*models.LeveragePlan, error) {
	if safetyDipRatio <= 0 || safetyDipRatio >= 1 {
		return nil, fmt.Errorf("%w: worst-case dip %.4f must be in (0,1)", models.ErrInvalidInput, safetyDipRatio)
	}
	if safetyMaxLeverageRatio < 1 {
		return nil, fmt.Errorf("%w: max leverage %.4f must be at least 1", models.ErrInvalidInput, safetyMaxLeverageRatio)
	}

	steps := lo.Filter(recs, func(r models.WeightedRecommendation, _ int) bool {
		return r.RelativeWeightPct > 0
	})
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no recommendation carries a positive weight", models.ErrInvalidInput)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].DipPct < steps[j].DipPct })

	deepest := steps[len(steps)-1].DipPct
	if deepest <= 0 || deepest >= 100 {
		return nil, fmt.Errorf("%w: dip %.2f%% must be in (0,100)", models.ErrInvalidInput, deepest)
	}
	if safetyDipRatio*100 <= deepest {
		return nil, fmt.Errorf("%w: worst-case dip %.2f%% must be deeper than the deepest configured dip %.2f%%",
			models.ErrInvalidInput, safetyDipRatio*100, deepest)
	}

	t := safetyMaxLeverageRatio - 1
	s := safetyDipRatio
	depreciation := lo.SumBy(steps, func(r models.WeightedRecommendation) float64 {
		return r.RelativeWeightPct / 100 * (1 - s) / (1 - r.DipPct/100)
	})
	denominator := 1 - t*(depreciation-1)
	if denominator <= 0 {
		return nil, models.ErrUnsolvablePlan
	}
	totalLoan := t * PlanEquity * (1 - s) / denominator

	plan := &models.LeveragePlan{
		Steps:                  make([]models.LeverageStep, 0, len(steps)),
		TotalLoan:              totalLoan,
		SafetyDipRatio:         safetyDipRatio,
		SafetyMaxLeverageRatio: safetyMaxLeverageRatio,
	}

	// paper walk: revalue the book at each trigger, then borrow that step's share
	paperAssets, paperDebt, previousDip := PlanEquity, 0.0, 0.0
	for _, r := range steps {
		loan := totalLoan * r.RelativeWeightPct / 100
		cumulativeDebt := paperDebt + loan
		paperAssets *= (1 - r.DipPct/100) / (1 - previousDip/100)
		equity := paperAssets - paperDebt
		targetAssets := equity + cumulativeDebt
		ratio := 1.0
		if equity > 0 {
			ratio = targetAssets / equity
		}
		paperAssets, paperDebt, previousDip = targetAssets, cumulativeDebt, r.DipPct

		plan.Steps = append(plan.Steps, models.LeverageStep{
			DipPct:            r.DipPct,
			LeverageTargetPct: ratio * 100,
			LoanAmount:        loan,
			LoanPctOfTotal:    r.RelativeWeightPct,
		})
	}
	plan.FinalLeverageAtLastStep = plan.Steps[len(plan.Steps)-1].LeverageTargetPct
	return plan, nil
}

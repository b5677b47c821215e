package actionplan

import (
	"fmt"
	"math"

	"dip-leverage-bot/internal/models"

	"github.com/shopspring/decimal"
)

// holdBand is the absolute amount below which no trade is recommended.
const holdBand = 1.0

// Inputs 是生成行动计划所需的实时账户数据
type Inputs struct {
	Holdings      map[string]float64 // 持有数量
	CurrentDebt   float64
	CurrentPrices map[string]float64
	Portfolio     models.PortfolioConfig
	History       map[string][]models.PriceBar
}

// GeneratePlan computes the single next trade that moves the account to the target leverage
// implied by the deepest dip any configured asset has reached from its all-time high.
func GeneratePlan(in Inputs) (*models.ActionPlan, error) {
	totalAssets := 0.0
	for symbol, units := range in.Holdings {
		if price := in.CurrentPrices[symbol]; price > 0 {
			totalAssets += units * price
		}
	}
	equity := totalAssets - in.CurrentDebt
	if equity <= 0 {
		return nil, fmt.Errorf("%w: assets %.2f, debt %.2f", models.ErrNonPositiveEquity, totalAssets, in.CurrentDebt)
	}

	plan := &models.ActionPlan{
		CurrentEquity:   equity,
		CurrentLeverage: totalAssets / equity,
		TotalAssets:     totalAssets,
		TargetLeverage:  1.0,
	}

	for _, symbol := range in.Portfolio.Symbols() {
		asset := in.Portfolio[symbol]
		if asset == nil || asset.Strategy == nil {
			continue
		}
		high := allTimeHigh(in.History[symbol])
		price := in.CurrentPrices[symbol]
		if high <= 0 || price <= 0 {
			continue
		}
		dip := 1 - price/high

		var achieved *models.Level
		levels := asset.Strategy.Levels()
		for i := range levels {
			if dip >= levels[i].Threshold {
				achieved = &levels[i]
			}
		}
		if achieved != nil && achieved.Leverage > plan.TargetLeverage {
			plan.TargetLeverage = achieved.Leverage
			plan.TriggeringSymbol = symbol
			plan.TriggeringDipPct = achieved.Threshold * 100
		}
	}

	plan.AmountToInvestOrDivest = plan.TargetLeverage*equity - totalAssets
	if plan.TriggeringSymbol != "" {
		plan.PriceOfTriggeringSymbol = in.CurrentPrices[plan.TriggeringSymbol]
	}

	switch {
	case math.Abs(plan.AmountToInvestOrDivest) <= holdBand:
		plan.Action = models.ActionHold
		return plan, nil
	case plan.AmountToInvestOrDivest > 0:
		plan.Action = models.ActionBuy
	default:
		plan.Action = models.ActionSell
	}

	plan.OrderSymbol = plan.TriggeringSymbol
	if plan.OrderSymbol == "" {
		plan.OrderSymbol = largestHolding(in.Holdings, in.CurrentPrices)
	}
	if plan.OrderSymbol != "" {
		plan.OrderUnits = orderUnits(plan.AmountToInvestOrDivest, in.CurrentPrices[plan.OrderSymbol])
		if plan.Action == models.ActionSell {
			held := int64(math.Floor(in.Holdings[plan.OrderSymbol]))
			if plan.OrderUnits > held {
				plan.OrderUnits = held
			}
		}
	}
	return plan, nil
}

// orderUnits converts a cash amount into whole units at price, truncating toward zero.
func orderUnits(amount, price float64) int64 {
	if price <= 0 {
		return 0
	}
	units := decimal.NewFromFloat(math.Abs(amount)).Div(decimal.NewFromFloat(price)).Truncate(0)
	return units.IntPart()
}

func allTimeHigh(bars []models.PriceBar) float64 {
	high := 0.0
	for _, b := range bars {
		high = math.Max(high, b.High)
	}
	return high
}

func largestHolding(holdings, prices map[string]float64) string {
	best, bestValue := "", 0.0
	for symbol, units := range holdings {
		value := units * prices[symbol]
		if value > bestValue || (value == bestValue && value > 0 && symbol < best) {
			best, bestValue = symbol, value
		}
	}
	return best
}

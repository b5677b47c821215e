package reporter

import (
	"bytes"
	"testing"
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRenderLeveragePlan(t *testing.T) {
	var buf bytes.Buffer
	RenderLeveragePlan(&buf, &models.LeveragePlan{
		Steps:                   []models.LeverageStep{{DipPct: 20, LeverageTargetPct: 126.3, LoanAmount: 21.0526, LoanPctOfTotal: 100}},
		TotalLoan:               21.0526,
		FinalLeverageAtLastStep: 126.3,
		SafetyDipRatio:          0.5,
		SafetyMaxLeverageRatio:  1.5,
	})

	out := buf.String()
	assert.Contains(t, out, "21.05")
	assert.Contains(t, out, "126.30%")
	assert.Contains(t, out, "Leverage plan: max 1.50x at a 50% dip")
	assert.NotContains(t, out, "%!")
}

func TestRenderActionPlan(t *testing.T) {
	var buf bytes.Buffer
	RenderActionPlan(&buf, &models.ActionPlan{
		TotalAssets: 1250, CurrentEquity: 1000, CurrentLeverage: 1.25, TargetLeverage: 1.5,
		TriggeringSymbol: "AAA", TriggeringDipPct: 20, PriceOfTriggeringSymbol: 75,
		AmountToInvestOrDivest: 250, Action: models.ActionBuy, OrderSymbol: "AAA", OrderUnits: 3,
	})
	assert.Contains(t, buf.String(), "BUY 3 AAA")
	assert.Contains(t, buf.String(), "1.500x")
}

func TestRenderTables(t *testing.T) {
	var buf bytes.Buffer
	RenderOptimization(&buf, "SPY", []models.ThresholdResult{{DipPct: 10, RunCount: 2, TotalNetProfit: 30, TotalClosedTrades: 4, TotalDaysInTrades: 40}})
	assert.Contains(t, buf.String(), "15.00")

	buf.Reset()
	RenderRecommendations(&buf, []models.WeightedRecommendation{{DipPct: 10, RelativeWeightPct: 60}, {DipPct: 20, RelativeWeightPct: 40}})
	assert.Contains(t, buf.String(), "100.00%")

	buf.Reset()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := models.PortfolioResult{
		Range:   models.DateRange{Start: day, End: day.AddDate(1, 0, 0)},
		Summary: models.SimulationSummary{StartEquity: 100000, EndEquity: 0, MarginCalled: true, MarginCallCount: 1},
	}
	RenderBacktest(&buf, []models.PortfolioResult{res})
	assert.Contains(t, buf.String(), "YES")
	assert.Contains(t, buf.String(), "2024-01-01..2025-01-01")

	LogSummary(zap.NewNop().Sugar(), res)
}

func TestRenderPortfolio(t *testing.T) {
	var buf bytes.Buffer
	RenderPortfolio(&buf, &models.PortfolioState{
		Version: 1,
		Portfolio: models.PortfolioConfig{
			"SPY": {AllocationPct: 60, Strategy: &models.Strategy{
				BuyThresholds:   map[string]float64{"10": 0.1, "20": 0.2},
				TargetLeverages: map[string]float64{"10": 1.2, "20": 1.4},
			}},
			"TLT": {AllocationPct: 40},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "10%@1.20x 20%@1.40x")
	assert.Contains(t, out, "100.00%")
}

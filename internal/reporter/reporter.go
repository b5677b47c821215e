package reporter

import (
	"fmt"
	"io"
	"strings"

	"dip-leverage-bot/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("%s", title)
	return t
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

// RenderOptimization 打印每个阈值的平均回测结果
func RenderOptimization(w io.Writer, symbol string, results []models.ThresholdResult) {
	t := newTable(w, "Threshold optimization "+symbol)
	t.AppendHeader(table.Row{"Dip %", "Runs", "Avg net profit", "Avg closed trades", "Avg days in trades"})
	for _, r := range results {
		t.AppendRow(table.Row{r.DipPct, r.RunCount, money(r.AvgNetProfit()), fmt.Sprintf("%.2f", r.AvgClosedTrades()), fmt.Sprintf("%.1f", r.AvgTotalDays())})
	}
	t.Render()
}

// RenderRecommendations 打印排序后的推荐阈值与权重
func RenderRecommendations(w io.Writer, recs []models.WeightedRecommendation) {
	t := newTable(w, "Recommendations")
	t.AppendHeader(table.Row{"Dip %", "Weight", "Avg net profit", "Avg closed trades", "Avg duration (days)"})
	total := 0.0
	for _, r := range recs {
		total += r.RelativeWeightPct
		t.AppendRow(table.Row{r.DipPct, pct(r.RelativeWeightPct), money(r.AvgNetProfit), fmt.Sprintf("%.2f", r.AvgClosedTrades), fmt.Sprintf("%.1f", r.AvgDuration)})
	}
	t.AppendFooter(table.Row{"", pct(total), "", "", ""})
	t.Render()
}

// RenderLeveragePlan 打印杠杆计划 (每 100 单位权益)
func RenderLeveragePlan(w io.Writer, plan *models.LeveragePlan) {
	t := newTable(w, fmt.Sprintf("Leverage plan: max %.2fx at a %.0f%% dip", plan.SafetyMaxLeverageRatio, plan.SafetyDipRatio*100))
	t.AppendHeader(table.Row{"Dip %", "Target leverage", "Loan", "Share of loan"})
	for _, s := range plan.Steps {
		t.AppendRow(table.Row{s.DipPct, pct(s.LeverageTargetPct), money(s.LoanAmount), pct(s.LoanPctOfTotal)})
	}
	t.AppendFooter(table.Row{"Total", pct(plan.FinalLeverageAtLastStep), money(plan.TotalLoan), ""})
	t.Render()
}

// RenderBacktest 打印每个回测区间的汇总
func RenderBacktest(w io.Writer, results []models.PortfolioResult) {
	t := newTable(w, "Portfolio backtest")
	t.AppendHeader(table.Row{"Range", "Start equity", "End equity", "CAGR", "B&H end", "B&H CAGR", "Max DD", "Borrows", "Repays", "Interest", "Margin call"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 11, Align: text.AlignCenter}})
	for _, r := range results {
		s := r.Summary
		called := "-"
		if s.MarginCalled {
			called = "YES"
		}
		t.AppendRow(table.Row{
			r.Range.String(), money(s.StartEquity), money(s.EndEquity), pct(s.StrategyCAGR * 100),
			money(s.BuyHoldEnd), pct(s.BuyHoldCAGR * 100), pct(s.MaxDrawdown * 100),
			s.BorrowEvents, s.RepaymentEvents, money(s.TotalInterestPaid), called,
		})
	}
	t.Render()
}

// RenderActionPlan 打印下一步操作建议
func RenderActionPlan(w io.Writer, plan *models.ActionPlan) {
	t := newTable(w, "Action plan")
	trigger := "N/A"
	if plan.TriggeringSymbol != "" {
		trigger = fmt.Sprintf("%s at %.1f%% dip (price %s)", plan.TriggeringSymbol, plan.TriggeringDipPct, money(plan.PriceOfTriggeringSymbol))
	}
	t.AppendRows([]table.Row{
		{"Total assets", money(plan.TotalAssets)},
		{"Current equity", money(plan.CurrentEquity)},
		{"Current leverage", fmt.Sprintf("%.3fx", plan.CurrentLeverage)},
		{"Target leverage", fmt.Sprintf("%.3fx", plan.TargetLeverage)},
		{"Triggered by", trigger},
		{"Amount", money(plan.AmountToInvestOrDivest)},
	})
	order := string(plan.Action)
	if plan.Action != models.ActionHold && plan.OrderSymbol != "" {
		order = fmt.Sprintf("%s %d %s", plan.Action, plan.OrderUnits, plan.OrderSymbol)
	}
	t.AppendFooter(table.Row{"Order", order})
	t.Render()
}

// LogSummary 将一次回测的关键指标写入日志
func LogSummary(log *zap.SugaredLogger, r models.PortfolioResult) {
	s := r.Summary
	log.Info("========== 回测结果报告 ==========")
	log.Infof("回测周期:         %s (%d 个交易日)", r.Range, s.TradingDays)
	log.Infof("初始权益:         %s", money(s.StartEquity))
	log.Infof("最终权益:         %s", money(s.EndEquity))
	log.Infof("最终负债:         %s", money(s.FinalDebt))
	log.Infof("年化收益:         %s (买入持有 %s)", pct(s.StrategyCAGR*100), pct(s.BuyHoldCAGR*100))
	log.Infof("最大回撤:         %s", pct(s.MaxDrawdown*100))
	log.Infof("借款/还款次数:    %d / %d", s.BorrowEvents, s.RepaymentEvents)
	log.Infof("累计利息:         %s", money(s.TotalInterestPaid))
	if s.MarginCalled {
		log.Warnf("发生追加保证金强平 %d 次", s.MarginCallCount)
	}
	log.Info(strings.Repeat("=", 35))
}

// RenderPortfolio 打印当前组合配置
func RenderPortfolio(w io.Writer, state *models.PortfolioState) {
	t := newTable(w, fmt.Sprintf("Portfolio (v%d, updated %s)", state.Version, state.LastUpdateTime.Format("2006-01-02 15:04")))
	t.AppendHeader(table.Row{"Symbol", "Allocation", "Dip levels", "Trailing stop"})
	for _, symbol := range state.Portfolio.Symbols() {
		a := state.Portfolio[symbol]
		levels, trailing := "-", "-"
		if a.Strategy != nil {
			parts := make([]string, 0, len(a.Strategy.BuyThresholds))
			for _, l := range a.Strategy.Levels() {
				parts = append(parts, fmt.Sprintf("%.0f%%@%.2fx", l.Threshold*100, l.Leverage))
			}
			levels = strings.Join(parts, " ")
			trailing = pct(a.Strategy.TrailingStopPercent * 100)
		}
		t.AppendRow(table.Row{symbol, pct(a.AllocationPct), levels, trailing})
	}
	t.AppendFooter(table.Row{"Total", pct(state.Portfolio.TotalAllocation()), "", ""})
	t.Render()
}

package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"dip-leverage-bot/internal/models"

	"golang.org/x/sync/errgroup"
)

// DefaultInitialCapital is the starting equity of a portfolio backtest when none is configured.
const DefaultInitialCapital = 100000.0

// debtEpsilon absorbs float residue when a repayment clears an asset's debt.
const debtEpsilon = 1e-9

// PortfolioParams 是一次组合回测的输入
type PortfolioParams struct {
	Portfolio                   models.PortfolioConfig
	History                     map[string][]models.PriceBar
	InterestRates               []models.InterestRate // nil 表示不计利息
	Range                       models.DateRange
	MarginCallDebtToEquityRatio float64
	UseGlobalHigh               bool
	InitialCapital              float64
}

// portfolioSimState is owned by exactly one run.
type portfolioSimState struct {
	equity            float64
	totalDebt         float64
	holdings          map[string]float64
	debtBySymbol      map[string]float64
	lastBuyDip        map[string]float64
	runningHighs      map[string]float64
	isTakeProfitArmed map[string]bool
}

func (s *portfolioSimState) liquidate() {
	s.equity = 0
	s.totalDebt = 0
	for symbol := range s.holdings {
		s.holdings[symbol] = 0
		s.debtBySymbol[symbol] = 0
		s.lastBuyDip[symbol] = 0
		s.isTakeProfitArmed[symbol] = false
	}
}

// simulator carries the prepared, run-local view of the inputs.
type simulator struct {
	params      PortfolioParams
	symbols     []string
	bars        map[string]map[time.Time]models.PriceBar
	levels      map[string][]models.Level
	rates       map[time.Time]float64
	commonDates []time.Time
	state       *portfolioSimState
	bhHoldings  map[string]float64
	summary     models.SimulationSummary
}

// SimulatePortfolio drives the multi-asset leveraged dip strategy day by day over the
// trading days shared by every configured asset.
//
// The inputs are deep-copied before use, so callers may run several ranges over the same
// portfolio and history at once.
func SimulatePortfolio(params PortfolioParams) (*models.PortfolioResult, error) {
	params.Portfolio = params.Portfolio.Clone()
	params.History = models.CloneHistory(params.History)
	if params.InitialCapital <= 0 {
		params.InitialCapital = DefaultInitialCapital
	}

	sim, err := newSimulator(params)
	if err != nil {
		return nil, err
	}
	history := sim.run()

	res := &models.PortfolioResult{Range: params.Range, History: history, Summary: sim.summary}
	fillSummary(&res.Summary, history, params.InitialCapital)
	return res, nil
}

// SimulateRanges runs one independent backtest per range. Each run works on its own copy of
// the inputs; the first failure cancels the rest and no partial result is returned.
func SimulateRanges(ctx context.Context, params PortfolioParams, ranges []models.DateRange) ([]models.PortfolioResult, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: at least one date range is required", models.ErrInvalidInput)
	}
	results := make([]models.PortfolioResult, len(ranges))
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := params
			p.Range = r
			res, err := SimulatePortfolio(p)
			if err != nil {
				return fmt.Errorf("range %s: %w", r, err)
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newSimulator(params PortfolioParams) (*simulator, error) {
	if err := params.Portfolio.Validate(); err != nil {
		return nil, err
	}
	if params.Range.End.Before(params.Range.Start) {
		return nil, fmt.Errorf("%w: range end %s is before start", models.ErrInvalidInput, params.Range)
	}

	sim := &simulator{
		params:  params,
		symbols: params.Portfolio.Symbols(),
		bars:    make(map[string]map[time.Time]models.PriceBar),
		levels:  make(map[string][]models.Level),
	}

	var common map[time.Time]bool
	for _, symbol := range sim.symbols {
		window := FilterRange(params.History[symbol], params.Range)
		if len(window) == 0 {
			return nil, fmt.Errorf("%w: no data for %s in %s", models.ErrInvalidInput, symbol, params.Range)
		}
		byDate := make(map[time.Time]models.PriceBar, len(window))
		dates := make(map[time.Time]bool, len(window))
		for _, b := range window {
			d := models.NormalizeDate(b.Date)
			byDate[d] = b
			if common == nil || common[d] {
				dates[d] = true
			}
		}
		common = dates
		sim.bars[symbol] = byDate
		sim.levels[symbol] = params.Portfolio[symbol].Strategy.Levels()
	}

	for d := range common {
		sim.commonDates = append(sim.commonDates, d)
	}
	if len(sim.commonDates) == 0 {
		return nil, fmt.Errorf("%w: no common trading days for all symbols in %s", models.ErrInvalidInput, params.Range)
	}
	sort.Slice(sim.commonDates, func(i, j int) bool { return sim.commonDates[i].Before(sim.commonDates[j]) })

	if params.InterestRates != nil {
		sim.rates = make(map[time.Time]float64, len(params.InterestRates))
		for _, r := range params.InterestRates {
			sim.rates[models.NormalizeDate(r.Date)] = r.Rate
		}
	}

	sim.initState()
	return sim, nil
}

func (sim *simulator) initState() {
	capital := sim.params.InitialCapital
	first := sim.commonDates[0]
	st := &portfolioSimState{
		equity:            capital,
		holdings:          make(map[string]float64, len(sim.symbols)),
		debtBySymbol:      make(map[string]float64, len(sim.symbols)),
		lastBuyDip:        make(map[string]float64, len(sim.symbols)),
		runningHighs:      make(map[string]float64, len(sim.symbols)),
		isTakeProfitArmed: make(map[string]bool, len(sim.symbols)),
	}
	sim.bhHoldings = make(map[string]float64, len(sim.symbols))

	for _, symbol := range sim.symbols {
		bar := sim.bars[symbol][first]
		allocation := capital * sim.params.Portfolio[symbol].AllocationPct / 100
		units := 0.0
		if bar.Price > 0 {
			units = allocation / bar.Price
		}
		st.holdings[symbol] = units
		sim.bhHoldings[symbol] = units
		st.runningHighs[symbol] = SeedRunningHigh(sim.params.History[symbol], []models.PriceBar{bar}, sim.params.Range.Start, sim.params.UseGlobalHigh)
	}
	sim.state = st
}

func (sim *simulator) run() []models.DailyRecord {
	history := make([]models.DailyRecord, 0, len(sim.commonDates))
	marginCalled := false

	for _, date := range sim.commonDates {
		if marginCalled {
			frozen := history[len(history)-1].Clone()
			frozen.Date = date
			history = append(history, frozen)
			continue
		}

		for _, symbol := range sim.symbols {
			bar, ok := sim.bars[symbol][date]
			if !ok {
				continue
			}
			sold := sim.deleverage(symbol, bar)
			if !sold {
				sim.scaleIn(symbol, bar, date)
			}
		}

		holdingsValue := sim.holdingsValue(date)
		sim.accrueInterest(date)
		equity := holdingsValue - sim.state.totalDebt

		record := models.DailyRecord{
			Date:         date,
			TotalValue:   holdingsValue,
			BuyHoldValue: sim.buyHoldValue(date),
			Composition:  make(map[string]float64, len(sim.symbols)),
		}

		if equity > 0 && sim.state.totalDebt/equity > sim.params.MarginCallDebtToEquityRatio {
			marginCalled = true
			sim.summary.MarginCalled = true
			sim.summary.MarginCallCount++
			sim.state.liquidate()
			// TotalValue keeps the holdings value that was liquidated
			record.MarginCalled = true
			for _, symbol := range sim.symbols {
				record.Composition[symbol] = 0
			}
		} else {
			sim.state.equity = equity
			for _, symbol := range sim.symbols {
				if bar, ok := sim.bars[symbol][date]; ok {
					record.Composition[symbol] = sim.state.holdings[symbol] * bar.Price
				}
			}
		}
		record.Equity = sim.state.equity
		record.Debt = sim.state.totalDebt
		history = append(history, record)

		if !marginCalled {
			for _, symbol := range sim.symbols {
				if bar, ok := sim.bars[symbol][date]; ok {
					sim.state.runningHighs[symbol] = math.Max(sim.state.runningHighs[symbol], bar.High)
				}
			}
		}
	}
	return history
}

// deleverage repays the debt attributed to symbol when its sell signal fires. It reports
// whether any units were sold.
func (sim *simulator) deleverage(symbol string, bar models.PriceBar) bool {
	st := sim.state
	debt := st.debtBySymbol[symbol]
	if debt <= 0 {
		return false
	}
	strategy := sim.params.Portfolio[symbol].Strategy
	runningHigh := st.runningHighs[symbol]

	armed := st.isTakeProfitArmed[symbol]
	price, ok := sellSignal(bar, runningHigh, runningHigh, strategy.TrailingStopPercent, &armed)
	st.isTakeProfitArmed[symbol] = armed
	if !ok || price <= 0 {
		return false
	}

	units := math.Min(st.holdings[symbol], debt/price)
	if units <= 0 {
		return false
	}
	repaid := units * price
	st.holdings[symbol] -= units
	st.totalDebt -= repaid
	st.debtBySymbol[symbol] -= repaid
	if st.debtBySymbol[symbol] <= debtEpsilon {
		st.debtBySymbol[symbol] = 0
		st.lastBuyDip[symbol] = 0
		st.isTakeProfitArmed[symbol] = false
	}
	if st.totalDebt < debtEpsilon {
		st.totalDebt = 0
	}
	sim.summary.RepaymentEvents++
	return true
}

// scaleIn borrows to reach the target leverage of the deepest newly breached threshold.
// At most one threshold fires per asset per day.
func (sim *simulator) scaleIn(symbol string, bar models.PriceBar, date time.Time) {
	st := sim.state
	runningHigh := st.runningHighs[symbol]

	var fired *models.Level
	var firedPrice float64
	for i := range sim.levels[symbol] {
		l := sim.levels[symbol][i]
		if l.Threshold <= st.lastBuyDip[symbol] {
			continue
		}
		price := runningHigh * (1 - l.Threshold)
		if bar.Low <= price {
			fired = &sim.levels[symbol][i]
			firedPrice = price
		}
	}
	if fired == nil || firedPrice <= 0 {
		return
	}

	valueBefore := sim.holdingsValue(date)
	equity := valueBefore - st.totalDebt
	if equity <= 0 {
		return
	}
	loan := fired.Leverage*equity - valueBefore
	if loan <= 0 {
		return
	}
	st.totalDebt += loan
	st.debtBySymbol[symbol] += loan
	st.holdings[symbol] += loan / firedPrice
	st.lastBuyDip[symbol] = fired.Threshold
	sim.summary.BorrowEvents++
}

// accrueInterest adds one day of interest on total debt and spreads it over the assets in
// proportion to their share of the debt before interest.
func (sim *simulator) accrueInterest(date time.Time) {
	st := sim.state
	if sim.rates == nil || st.totalDebt <= 0 {
		return
	}
	interest := st.totalDebt * sim.rates[date] / 365
	if interest == 0 {
		return
	}
	st.totalDebt += interest
	sim.summary.TotalInterestPaid += interest

	attributed := 0.0
	for _, d := range st.debtBySymbol {
		attributed += d
	}
	if attributed <= 0 {
		return
	}
	for _, symbol := range sim.symbols {
		if d := st.debtBySymbol[symbol]; d > 0 {
			st.debtBySymbol[symbol] += interest * d / attributed
		}
	}
}

func (sim *simulator) holdingsValue(date time.Time) float64 {
	total := 0.0
	for _, symbol := range sim.symbols {
		if bar, ok := sim.bars[symbol][date]; ok {
			total += sim.state.holdings[symbol] * bar.Price
		}
	}
	return total
}

func (sim *simulator) buyHoldValue(date time.Time) float64 {
	total := 0.0
	for _, symbol := range sim.symbols {
		if bar, ok := sim.bars[symbol][date]; ok {
			total += sim.bhHoldings[symbol] * bar.Price
		}
	}
	return total
}

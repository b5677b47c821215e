package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dip-leverage-bot/internal/actionplan"
	"dip-leverage-bot/internal/api"
	"dip-leverage-bot/internal/backtest"
	"dip-leverage-bot/internal/config"
	"dip-leverage-bot/internal/downloader"
	"dip-leverage-bot/internal/exchange"
	"dip-leverage-bot/internal/leverage"
	"dip-leverage-bot/internal/logger"
	"dip-leverage-bot/internal/marketdata"
	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/optimizer"
	"dip-leverage-bot/internal/persistence"
	"dip-leverage-bot/internal/reporter"
	"dip-leverage-bot/internal/statemanager"

	"github.com/joho/godotenv"
)

type options struct {
	symbol     string
	ranges     string
	thresholds string
	holdings   string
	debt       float64
	livePrices bool
	alloc      float64
	remove     bool
	save       bool
	force      bool
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .yaml)")
	mode := flag.String("mode", "serve", "running mode: optimize, plan, backtest, action, download, serve or portfolio")
	var opts options
	flag.StringVar(&opts.symbol, "symbol", "", "symbol, or comma separated symbols for download")
	flag.StringVar(&opts.ranges, "ranges", "", "date ranges, e.g. 2015-01-01:2020-01-01,2020-01-01:2024-12-31")
	flag.StringVar(&opts.thresholds, "thresholds", "", "dip percentages to test, default 1..100")
	flag.StringVar(&opts.holdings, "holdings", "", "current holdings for action mode, e.g. SPY=10,QQQ=4")
	flag.Float64Var(&opts.debt, "debt", 0, "current debt for action mode")
	flag.BoolVar(&opts.livePrices, "live-prices", false, "action mode: fetch prices from the exchange instead of the last close")
	flag.Float64Var(&opts.alloc, "alloc", -1, "portfolio mode: allocation percentage for -symbol")
	flag.BoolVar(&opts.remove, "remove", false, "portfolio mode: remove -symbol")
	flag.BoolVar(&opts.save, "save", false, "plan mode: store the plan as the strategy of -symbol")
	flag.BoolVar(&opts.force, "force", false, "download mode: ignore cached files")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载配置, 文件不存在时使用默认值 ---
	cfg, err := config.LoadConfig(*configPath)
	if os.IsNotExist(err) {
		logger.S().Warnf("配置文件 %s 不存在，使用默认配置。", *configPath)
		cfg = config.Default()
		config.ApplyEnv(cfg)
	} else if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := marketdata.NewStore(cfg.DataDir, cfg.InterestFile, cfg.SanitizeSpikes, logger.L())

	switch *mode {
	case "download":
		err = runDownload(ctx, cfg, store, opts)
	case "optimize":
		_, err = runOptimize(ctx, cfg.Settings, store, opts)
	case "plan", "backtest", "action", "serve", "portfolio":
		err = withState(cfg, func(repo persistence.Repository, sm *statemanager.StateManager) error {
			switch *mode {
			case "plan":
				return runPlan(ctx, store, sm, opts)
			case "backtest":
				return runBacktest(ctx, cfg, store, repo, sm, opts)
			case "action":
				return runAction(ctx, cfg, store, sm, opts)
			case "portfolio":
				return runPortfolio(ctx, sm, opts)
			default:
				prices := exchange.NewBinancePriceSource(cfg.BinanceBaseURL, logger.L())
				return api.NewServer(cfg, store, repo, sm, prices, logger.L()).Run(ctx, ":"+cfg.APIPort)
			}
		})
	default:
		logger.S().Fatalf("未知的运行模式: %s", *mode)
	}
	if err != nil {
		logger.S().Fatalf("%s 失败: %v", *mode, err)
	}
}

// withState 打开 badger 并启动状态管理器, fn 返回后按顺序关闭
func withState(cfg *models.Config, fn func(persistence.Repository, *statemanager.StateManager) error) error {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("无法打开数据库: %w", err)
	}
	defer repo.Close()

	state, err := repo.LoadState()
	if err != nil {
		return fmt.Errorf("无法加载状态: %w", err)
	}
	if state == nil {
		logger.S().Info("未找到已保存的组合，使用配置中的默认参数启动。")
		state = &models.PortfolioState{Version: 1, Settings: cfg.Settings}
	}

	sm := statemanager.NewStateManager(state, repo, logger.L())
	sm.Start()
	defer sm.Stop()
	return fn(repo, sm)
}

func parseRanges(arg string, bars []models.PriceBar) ([]models.DateRange, error) {
	if strings.TrimSpace(arg) == "" {
		if len(bars) == 0 {
			return nil, fmt.Errorf("%w: -ranges is required", models.ErrInvalidInput)
		}
		return []models.DateRange{{Start: bars[0].Date, End: bars[len(bars)-1].Date}}, nil
	}
	var out []models.DateRange
	for _, part := range strings.Split(arg, ",") {
		ends := strings.Split(part, ":")
		if len(ends) != 2 {
			return nil, fmt.Errorf("%w: range %q must look like START:END", models.ErrInvalidInput, part)
		}
		start, err := marketdata.ParseDate(ends[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		end, err := marketdata.ParseDate(ends[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		out = append(out, models.DateRange{Start: start, End: end})
	}
	return out, nil
}

func parseFloats(arg string) ([]float64, error) {
	var out []float64
	for _, s := range strings.Split(arg, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", models.ErrInvalidInput, s)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseHoldings(arg string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(arg, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: holding %q must look like SYMBOL=UNITS", models.ErrInvalidInput, part)
		}
		units, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: holding %q: %v", models.ErrInvalidInput, part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = units
	}
	return out, nil
}

func runDownload(ctx context.Context, cfg *models.Config, store *marketdata.Store, opts options) error {
	if opts.symbol == "" {
		return fmt.Errorf("%w: -symbol is required", models.ErrInvalidInput)
	}
	end := models.NormalizeDate(time.Now())
	start := end.AddDate(0, 0, -cfg.DownloadDays)
	if opts.ranges != "" {
		ranges, err := parseRanges(opts.ranges, nil)
		if err != nil {
			return err
		}
		start, end = ranges[0].Start, ranges[0].End
	}

	d := downloader.NewKlineDownloader(cfg.BinanceBaseURL, logger.L())
	for _, symbol := range strings.Split(opts.symbol, ",") {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		n, err := d.Download(ctx, store, symbol, start, end, opts.force)
		if err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
		logger.S().Infof("%s: 写入 %d 根日K线。", symbol, n)
	}
	return nil
}

// runOptimize 扫描阈值, 打印结果和自动挑选的推荐
func runOptimize(ctx context.Context, settings models.Settings, store *marketdata.Store, opts options) ([]models.WeightedRecommendation, error) {
	if opts.symbol == "" {
		return nil, fmt.Errorf("%w: -symbol is required", models.ErrInvalidInput)
	}
	symbol := strings.ToUpper(opts.symbol)
	bars, err := store.Bars(symbol)
	if err != nil {
		return nil, err
	}
	ranges, err := parseRanges(opts.ranges, bars)
	if err != nil {
		return nil, err
	}
	thresholds, err := parseFloats(opts.thresholds)
	if err != nil {
		return nil, err
	}
	if len(thresholds) == 0 {
		thresholds = optimizer.DefaultThresholds()
	}

	lastRange := 0
	results, err := optimizer.Optimize(ctx, optimizer.OptimizeParams{
		Symbol:              symbol,
		Bars:                bars,
		Ranges:              ranges,
		ThresholdsToTest:    thresholds,
		InterestRate:        settings.HypotheticalInterestRate,
		TrailingStopPercent: settings.TrailingStopPercent,
		UseGlobalHigh:       settings.OptimizationUseGlobalHigh,
	}, func(p optimizer.Progress) {
		if p.RangeIndex != lastRange {
			lastRange = p.RangeIndex
			logger.S().Infof("优化 %s: 区间 %d/%d (%d/%d)", symbol, p.RangeIndex, p.RangeCount, p.Done, p.Total)
		}
	})
	if err != nil {
		return nil, err
	}
	reporter.RenderOptimization(os.Stdout, symbol, results)

	selected, err := optimizer.AutoSelect(results, settings.Filters)
	if err != nil {
		return nil, err
	}
	recs := optimizer.Rank(selected)
	reporter.RenderRecommendations(os.Stdout, recs)
	return recs, nil
}

func runPlan(ctx context.Context, store *marketdata.Store, sm *statemanager.StateManager, opts options) error {
	settings := sm.GetStateSnapshot().Settings
	recs, err := runOptimize(ctx, settings, store, opts)
	if err != nil {
		return err
	}
	plan, err := leverage.Plan(recs, settings.WorstCaseDipRatio, settings.MaxLeverageAtWorstCase)
	if err != nil {
		return err
	}
	reporter.RenderLeveragePlan(os.Stdout, plan)

	if !opts.save {
		return nil
	}
	data := statemanager.AssetEventData{Symbol: opts.symbol, Strategy: plan.ToStrategy(settings.TrailingStopPercent)}
	if err := sm.Apply(ctx, statemanager.SetStrategyEvent, data); err != nil {
		return err
	}
	logger.S().Infof("已将杠杆计划保存为 %s 的策略。", strings.ToUpper(opts.symbol))
	return nil
}

func runBacktest(ctx context.Context, cfg *models.Config, store *marketdata.Store, repo persistence.RunRepository, sm *statemanager.StateManager, opts options) error {
	snapshot := sm.GetStateSnapshot()
	if err := snapshot.Portfolio.Validate(); err != nil {
		return err
	}
	history, err := store.History(snapshot.Portfolio.Symbols())
	if err != nil {
		return err
	}
	ranges, err := parseRanges(opts.ranges, nil)
	if err != nil {
		return err
	}

	params := backtest.PortfolioParams{
		Portfolio:                   snapshot.Portfolio,
		History:                     history,
		MarginCallDebtToEquityRatio: snapshot.Settings.MarginCallDebtToEquityRatio,
		UseGlobalHigh:               snapshot.Settings.SimulationUseGlobalHigh,
		InitialCapital:              cfg.InitialCapital,
	}
	if snapshot.Settings.IncludeInterest {
		if params.InterestRates, err = store.InterestRates(); err != nil {
			return err
		}
	}

	results, err := backtest.SimulateRanges(ctx, params, ranges)
	if err != nil {
		return err
	}
	for _, r := range results {
		reporter.LogSummary(logger.S(), r)
	}
	reporter.RenderBacktest(os.Stdout, results)

	run := &models.BacktestRun{ID: persistence.NewRunID(), CreatedAt: time.Now().UTC(), Results: results}
	if err := repo.SaveRun(run); err != nil {
		return err
	}
	logger.S().Infof("回测记录已保存, ID: %s", run.ID)
	return nil
}

func runAction(ctx context.Context, cfg *models.Config, store *marketdata.Store, sm *statemanager.StateManager, opts options) error {
	holdings, err := parseHoldings(opts.holdings)
	if err != nil {
		return err
	}
	portfolio := sm.GetStateSnapshot().Portfolio
	history, err := store.History(portfolio.Symbols())
	if err != nil {
		return err
	}

	var prices exchange.PriceSource = exchange.NewHistoryPriceSource(store)
	if opts.livePrices {
		prices = exchange.NewBinancePriceSource(cfg.BinanceBaseURL, logger.L())
	}
	symbols := portfolio.Symbols()
	for symbol := range holdings {
		if _, ok := portfolio[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	current, err := prices.GetPrices(ctx, symbols)
	if err != nil {
		return err
	}

	plan, err := actionplan.GeneratePlan(actionplan.Inputs{
		Holdings:      holdings,
		CurrentDebt:   opts.debt,
		CurrentPrices: current,
		Portfolio:     portfolio,
		History:       history,
	})
	if err != nil {
		return err
	}
	reporter.RenderActionPlan(os.Stdout, plan)
	return nil
}

func runPortfolio(ctx context.Context, sm *statemanager.StateManager, opts options) error {
	if opts.symbol != "" {
		var err error
		_, exists := sm.GetStateSnapshot().Portfolio[strings.ToUpper(opts.symbol)]
		switch {
		case opts.remove:
			err = sm.Apply(ctx, statemanager.RemoveAssetEvent, opts.symbol)
		case opts.alloc < 0:
			err = fmt.Errorf("%w: -alloc or -remove is required with -symbol", models.ErrInvalidInput)
		case exists:
			err = sm.Apply(ctx, statemanager.SetAllocationEvent, statemanager.AssetEventData{Symbol: opts.symbol, AllocationPct: opts.alloc})
		default:
			err = sm.Apply(ctx, statemanager.AddAssetEvent, statemanager.AssetEventData{Symbol: opts.symbol, AllocationPct: opts.alloc})
		}
		if err != nil {
			return err
		}
	}
	reporter.RenderPortfolio(os.Stdout, sm.GetStateSnapshot())
	return nil
}

package api

import (
	"fmt"
	"net/http"
	"time"

	"dip-leverage-bot/internal/actionplan"
	"dip-leverage-bot/internal/backtest"
	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/persistence"
	"dip-leverage-bot/internal/statemanager"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// backtest handles POST /api/v1/backtest
func (s *Server) backtest(c *gin.Context) {
	var req BacktestRequest
	if !bindJSON(c, &req) {
		return
	}
	ranges, err := parseRanges(req.Ranges)
	if err != nil {
		writeError(c, err)
		return
	}

	snapshot := s.state.GetStateSnapshot()
	settings := snapshot.Settings
	if err := snapshot.Portfolio.Validate(); err != nil {
		writeError(c, err)
		return
	}
	history, err := s.store.History(snapshot.Portfolio.Symbols())
	if err != nil {
		writeError(c, err)
		return
	}

	params := backtest.PortfolioParams{
		Portfolio:                   snapshot.Portfolio,
		History:                     history,
		MarginCallDebtToEquityRatio: lo.Ternary(req.MarginCallDebtToEquityRatio > 0, req.MarginCallDebtToEquityRatio, settings.MarginCallDebtToEquityRatio),
		UseGlobalHigh:               settings.SimulationUseGlobalHigh,
		InitialCapital:              lo.Ternary(req.InitialCapital > 0, req.InitialCapital, s.cfg.InitialCapital),
	}
	if req.UseGlobalHigh != nil {
		params.UseGlobalHigh = *req.UseGlobalHigh
	}
	includeInterest := settings.IncludeInterest
	if req.IncludeInterest != nil {
		includeInterest = *req.IncludeInterest
	}
	if includeInterest {
		if params.InterestRates, err = s.store.InterestRates(); err != nil {
			writeError(c, err)
			return
		}
	}

	results, err := backtest.SimulateRanges(c.Request.Context(), params, ranges)
	if err != nil {
		writeError(c, err)
		return
	}

	run := &models.BacktestRun{ID: persistence.NewRunID(), CreatedAt: time.Now().UTC(), Results: results}
	if err := s.runs.SaveRun(run); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Sugar().Infof("Stored backtest run %s with %d ranges.", run.ID, len(results))
	c.JSON(http.StatusCreated, run)
}

// listRuns handles GET /api/v1/runs. Daily history is left out of the listing.
func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.runs.ListRuns()
	if err != nil {
		writeError(c, err)
		return
	}
	for _, run := range runs {
		for i := range run.Results {
			run.Results[i].History = nil
		}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, err := s.runs.LoadRun(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Code: "NOT_FOUND", Message: "no backtest run with id " + c.Param("id")}})
		return
	}
	c.JSON(http.StatusOK, run)
}

// actionPlan handles POST /api/v1/action-plan
func (s *Server) actionPlan(c *gin.Context) {
	var req ActionPlanRequest
	if !bindJSON(c, &req) {
		return
	}
	portfolio := s.state.GetStateSnapshot().Portfolio
	symbols := lo.Uniq(append(portfolio.Symbols(), lo.Keys(req.Holdings)...))

	prices := make(map[string]float64, len(symbols))
	for k, v := range req.Prices {
		prices[k] = v
	}
	missing := lo.Filter(symbols, func(sym string, _ int) bool { return prices[sym] <= 0 })
	if len(missing) > 0 {
		if s.prices == nil {
			writeError(c, fmt.Errorf("%w: no price for %v and no price source configured", models.ErrInvalidInput, missing))
			return
		}
		fetched, err := s.prices.GetPrices(c.Request.Context(), missing)
		if err != nil {
			writeError(c, err)
			return
		}
		for k, v := range fetched {
			prices[k] = v
		}
	}

	history, err := s.store.History(portfolio.Symbols())
	if err != nil {
		writeError(c, err)
		return
	}

	plan, err := actionplan.GeneratePlan(actionplan.Inputs{
		Holdings:      req.Holdings,
		CurrentDebt:   req.CurrentDebt,
		CurrentPrices: prices,
		Portfolio:     portfolio,
		History:       history,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.GetStateSnapshot())
}

func (s *Server) applyAndRespond(c *gin.Context, eventType statemanager.EventType, data interface{}, status int) {
	if err := s.state.Apply(c.Request.Context(), eventType, data); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, s.state.GetStateSnapshot())
}

// addAsset handles POST /api/v1/portfolio/assets
func (s *Server) addAsset(c *gin.Context) {
	var req AssetRequest
	if !bindJSON(c, &req) {
		return
	}
	data := statemanager.AssetEventData{Symbol: req.Symbol, AllocationPct: req.AllocationPct, Strategy: req.Strategy}
	s.applyAndRespond(c, statemanager.AddAssetEvent, data, http.StatusCreated)
}

func (s *Server) removeAsset(c *gin.Context) {
	s.applyAndRespond(c, statemanager.RemoveAssetEvent, c.Param("symbol"), http.StatusOK)
}

func (s *Server) setAllocation(c *gin.Context) {
	var req AssetRequest
	if !bindJSON(c, &req) {
		return
	}
	data := statemanager.AssetEventData{Symbol: c.Param("symbol"), AllocationPct: req.AllocationPct}
	s.applyAndRespond(c, statemanager.SetAllocationEvent, data, http.StatusOK)
}

func (s *Server) setStrategy(c *gin.Context) {
	var req AssetRequest
	if !bindJSON(c, &req) {
		return
	}
	data := statemanager.AssetEventData{Symbol: c.Param("symbol"), Strategy: req.Strategy}
	s.applyAndRespond(c, statemanager.SetStrategyEvent, data, http.StatusOK)
}

func (s *Server) updateSettings(c *gin.Context) {
	var settings models.Settings
	if !bindJSON(c, &settings) {
		return
	}
	s.applyAndRespond(c, statemanager.UpdateSettingsEvent, settings, http.StatusOK)
}

package api

import (
	"fmt"
	"net/http"
	"strings"

	"dip-leverage-bot/internal/leverage"
	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/optimizer"
	"dip-leverage-bot/internal/statemanager"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

func (s *Server) settings() models.Settings {
	return s.state.GetStateSnapshot().Settings
}

// optimizeParams resolves a request against stored settings and the local price history.
// Without ranges the whole history is one range.
func (s *Server) optimizeParams(req OptimizeRequest) (optimizer.OptimizeParams, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	bars, err := s.store.Bars(symbol)
	if err != nil {
		return optimizer.OptimizeParams{}, err
	}
	if len(bars) == 0 {
		return optimizer.OptimizeParams{}, fmt.Errorf("%w: empty price history for %s", models.ErrInvalidInput, symbol)
	}

	ranges, err := parseRanges(req.Ranges)
	if err != nil {
		return optimizer.OptimizeParams{}, err
	}
	if len(ranges) == 0 {
		ranges = []models.DateRange{{Start: bars[0].Date, End: bars[len(bars)-1].Date}}
	}

	settings := s.settings()
	params := optimizer.OptimizeParams{
		Symbol:              symbol,
		Bars:                bars,
		Ranges:              ranges,
		ThresholdsToTest:    req.Thresholds,
		InterestRate:        settings.HypotheticalInterestRate,
		TrailingStopPercent: settings.TrailingStopPercent,
		UseGlobalHigh:       settings.OptimizationUseGlobalHigh,
	}
	if len(params.ThresholdsToTest) == 0 {
		params.ThresholdsToTest = optimizer.DefaultThresholds()
	}
	if req.InterestRate != nil {
		params.InterestRate = *req.InterestRate
	}
	if req.TrailingStopPercent != nil {
		params.TrailingStopPercent = *req.TrailingStopPercent
	}
	if req.UseGlobalHigh != nil {
		params.UseGlobalHigh = *req.UseGlobalHigh
	}
	return params, nil
}

func (s *Server) listSymbols(c *gin.Context) {
	symbols, err := s.store.Symbols()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols})
}

// optimize handles POST /api/v1/optimize
func (s *Server) optimize(c *gin.Context) {
	var req OptimizeRequest
	if !bindJSON(c, &req) {
		return
	}
	params, err := s.optimizeParams(req)
	if err != nil {
		writeError(c, err)
		return
	}
	results, err := optimizer.Optimize(c.Request.Context(), params, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": params.Symbol, "results": results})
}

// recommend handles POST /api/v1/recommendations
func (s *Server) recommend(c *gin.Context) {
	var req RecommendRequest
	if !bindJSON(c, &req) {
		return
	}

	var selected []models.ThresholdResult
	if len(req.Dips) > 0 {
		byDip := lo.KeyBy(req.Results, func(r models.ThresholdResult) float64 { return r.DipPct })
		for _, dip := range req.Dips {
			r, ok := byDip[dip]
			if !ok {
				writeError(c, fmt.Errorf("%w: no optimization result for a %.2f%% dip", models.ErrInvalidInput, dip))
				return
			}
			selected = append(selected, r)
		}
	} else {
		filters := s.settings().Filters
		if req.Filters != nil {
			filters = *req.Filters
		}
		var err error
		selected, err = optimizer.AutoSelect(req.Results, filters)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"recommendations": optimizer.Rank(selected)})
}

// plan handles POST /api/v1/plan
func (s *Server) plan(c *gin.Context) {
	var req PlanRequest
	if !bindJSON(c, &req) {
		return
	}
	settings := s.settings()
	if req.SafetyDipRatio == 0 {
		req.SafetyDipRatio = settings.WorstCaseDipRatio
	}
	if req.SafetyMaxLeverageRatio == 0 {
		req.SafetyMaxLeverageRatio = settings.MaxLeverageAtWorstCase
	}

	plan, err := leverage.Plan(req.Recommendations, req.SafetyDipRatio, req.SafetyMaxLeverageRatio)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := PlanResponse{Plan: plan, Strategy: plan.ToStrategy(settings.TrailingStopPercent)}

	if req.Save {
		if req.Symbol == "" {
			writeError(c, fmt.Errorf("%w: symbol is required to save a plan", models.ErrInvalidInput))
			return
		}
		data := statemanager.AssetEventData{Symbol: req.Symbol, Strategy: resp.Strategy}
		if err := s.state.Apply(c.Request.Context(), statemanager.SetStrategyEvent, data); err != nil {
			writeError(c, err)
			return
		}
		resp.Saved = true
	}
	c.JSON(http.StatusOK, resp)
}

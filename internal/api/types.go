package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"dip-leverage-bot/internal/marketdata"
	"dip-leverage-bot/internal/models"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DateRangeRequest 日期格式同 CSV, 例如 2020-01-31
type DateRangeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// OptimizeRequest represents a threshold sweep request. Nil options fall back to the
// stored settings.
type OptimizeRequest struct {
	Symbol              string             `json:"symbol" binding:"required"`
	Ranges              []DateRangeRequest `json:"ranges"`
	Thresholds          []float64          `json:"thresholds"`
	InterestRate        *float64           `json:"interest_rate"`
	TrailingStopPercent *float64           `json:"trailing_stop_percent"`
	UseGlobalHigh       *bool              `json:"use_global_high"`
}

// RecommendRequest ranks either the listed dips or, when none are listed, an automatic
// selection made with Filters (stored filters when nil).
type RecommendRequest struct {
	Results []models.ThresholdResult `json:"results" binding:"required"`
	Dips    []float64                `json:"dips"`
	Filters *models.Filters          `json:"filters"`
}

// PlanRequest builds a leverage plan. With Symbol set and Save true the plan is stored as
// that asset's strategy.
type PlanRequest struct {
	Recommendations        []models.WeightedRecommendation `json:"recommendations" binding:"required"`
	SafetyDipRatio         float64                         `json:"safety_dip_ratio"`
	SafetyMaxLeverageRatio float64                         `json:"safety_max_leverage_ratio"`
	Symbol                 string                          `json:"symbol"`
	Save                   bool                            `json:"save"`
}

// PlanResponse wraps the plan and the strategy derived from it.
type PlanResponse struct {
	Plan     *models.LeveragePlan `json:"plan"`
	Strategy *models.Strategy     `json:"strategy"`
	Saved    bool                 `json:"saved"`
}

// BacktestRequest runs the stored portfolio over one or more ranges.
type BacktestRequest struct {
	Ranges                      []DateRangeRequest `json:"ranges" binding:"required"`
	InitialCapital              float64            `json:"initial_capital"`
	MarginCallDebtToEquityRatio float64            `json:"margin_call_debt_to_equity_ratio"`
	UseGlobalHigh               *bool              `json:"use_global_high"`
	IncludeInterest             *bool              `json:"include_interest"`
}

// ActionPlanRequest carries live account data. Prices missing from the request are
// fetched from the configured price source.
type ActionPlanRequest struct {
	Holdings    map[string]float64 `json:"holdings" binding:"required"`
	CurrentDebt float64            `json:"current_debt"`
	Prices      map[string]float64 `json:"prices"`
}

// AssetRequest adds an asset or changes its allocation/strategy.
type AssetRequest struct {
	Symbol        string           `json:"symbol"`
	AllocationPct float64          `json:"allocation_pct"`
	Strategy      *models.Strategy `json:"strategy"`
}

func (r DateRangeRequest) parse() (models.DateRange, error) {
	start, err := marketdata.ParseDate(r.Start)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: range start: %v", models.ErrInvalidInput, err)
	}
	end, err := marketdata.ParseDate(r.End)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: range end: %v", models.ErrInvalidInput, err)
	}
	if end.Before(start) {
		return models.DateRange{}, fmt.Errorf("%w: range %s ends before it starts", models.ErrInvalidInput, r.Start)
	}
	return models.DateRange{Start: start, End: end}, nil
}

func parseRanges(in []DateRangeRequest) ([]models.DateRange, error) {
	out := make([]models.DateRange, 0, len(in))
	for _, r := range in {
		dr, err := r.parse()
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, nil
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, models.ErrUnsolvablePlan):
		return http.StatusUnprocessableEntity, "UNSOLVABLE_PLAN"
	case errors.Is(err, models.ErrNonPositiveEquity):
		return http.StatusUnprocessableEntity, "NON_POSITIVE_EQUITY"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "CANCELLED"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func errorBody(err error) (int, ErrorResponse) {
	status, code := errorStatus(err)
	return status, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}}
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()}})
		return false
	}
	return true
}

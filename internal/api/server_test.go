package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dip-leverage-bot/internal/config"
	"dip-leverage-bot/internal/exchange"
	"dip-leverage-bot/internal/marketdata"
	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/optimizer"
	"dip-leverage-bot/internal/persistence"
	"dip-leverage-bot/internal/statemanager"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	handler http.Handler
	state   *statemanager.StateManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()

	store := marketdata.NewStore(t.TempDir(), "", false, zap.NewNop())
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save("AAA", []models.PriceBar{
		{Date: day, Open: 100, High: 100, Low: 100, Price: 100},
		{Date: day.AddDate(0, 0, 1), Open: 100, High: 100, Low: 88, Price: 90},
		{Date: day.AddDate(0, 0, 2), Open: 90, High: 101, Low: 90, Price: 100},
	}))

	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	sm := statemanager.NewStateManager(&models.PortfolioState{Version: 1, Settings: cfg.Settings}, repo, zap.NewNop())
	sm.Start()
	t.Cleanup(sm.Stop)

	srv := NewServer(cfg, store, repo, sm, exchange.StaticPriceSource{"AAA": 80}, zap.NewNop())
	return &testEnv{handler: srv.Handler(), state: sm}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error.Code
}

var aaaAsset = AssetRequest{
	Symbol:        "aaa",
	AllocationPct: 100,
	Strategy: &models.Strategy{
		BuyThresholds:   map[string]float64{"10": 0.1},
		TargetLeverages: map[string]float64{"10": 1.5},
	},
}

func TestHealthAndNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestOptimizeAndRecommend(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/optimize", OptimizeRequest{Symbol: "aaa", Thresholds: []float64{20, 10}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var opt struct {
		Symbol  string                   `json:"symbol"`
		Results []models.ThresholdResult `json:"results"`
	}
	decode(t, w, &opt)
	assert.Equal(t, "AAA", opt.Symbol)
	require.Len(t, opt.Results, 2)
	assert.Equal(t, 10.0, opt.Results[0].DipPct)
	assert.Equal(t, 1, opt.Results[0].TotalClosedTrades)
	assert.Equal(t, 0, opt.Results[1].TotalClosedTrades)

	w = env.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{Results: opt.Results, Dips: []float64{10, 20}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec struct {
		Recommendations []models.WeightedRecommendation `json:"recommendations"`
	}
	decode(t, w, &rec)
	require.Len(t, rec.Recommendations, 2)
	assert.InDelta(t, 100, rec.Recommendations[0].RelativeWeightPct, 1e-9)
	assert.Zero(t, rec.Recommendations[1].RelativeWeightPct)

	w = env.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{Results: opt.Results, Dips: []float64{33}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/optimize", OptimizeRequest{Symbol: "ZZZ"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))
}

func TestPlanSavesStrategy(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/portfolio/assets", aaaAsset).Code)

	recs := []models.WeightedRecommendation{{DipPct: 20, RelativeWeightPct: 100}}
	w := env.do(t, http.MethodPost, "/api/v1/plan", PlanRequest{
		Recommendations: recs, SafetyDipRatio: 0.5, SafetyMaxLeverageRatio: 1.5, Symbol: "AAA", Save: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp PlanResponse
	decode(t, w, &resp)
	assert.True(t, resp.Saved)
	require.Len(t, resp.Plan.Steps, 1)

	stored := env.state.GetStateSnapshot().Portfolio["AAA"].Strategy
	assert.Equal(t, 0.2, stored.BuyThresholds["20"])

	w = env.do(t, http.MethodPost, "/api/v1/plan", PlanRequest{Recommendations: recs, SafetyDipRatio: 0.1, SafetyMaxLeverageRatio: 1.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/plan", PlanRequest{
		Recommendations: []models.WeightedRecommendation{{DipPct: 5, RelativeWeightPct: 1000}}, SafetyDipRatio: 0.5, SafetyMaxLeverageRatio: 1.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "UNSOLVABLE_PLAN", errorCode(t, w))
}

func TestBacktestRunsAreStored(t *testing.T) {
	env := newTestEnv(t)

	// 空组合无法回测
	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{Ranges: []DateRangeRequest{{Start: "2024-01-01", End: "2024-01-03"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/portfolio/assets", aaaAsset).Code)

	w = env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Ranges:         []DateRangeRequest{{Start: "2024-01-01", End: "2024-01-03"}, {Start: "2024-01-02", End: "2024-01-03"}},
		InitialCapital: 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var run models.BacktestRun
	decode(t, w, &run)
	require.NotEmpty(t, run.ID)
	require.Len(t, run.Results, 2)
	assert.Equal(t, 1000.0, run.Results[0].Summary.StartEquity)
	assert.Len(t, run.Results[0].History, 3)

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs []models.BacktestRun `json:"runs"`
	}
	decode(t, w, &list)
	require.Len(t, list.Runs, 1)
	assert.Empty(t, list.Runs[0].Results[0].History)

	w = env.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActionPlan(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/portfolio/assets", aaaAsset).Code)

	// price comes from the price source: 80 against an all-time high of 101
	w := env.do(t, http.MethodPost, "/api/v1/action-plan", ActionPlanRequest{Holdings: map[string]float64{"AAA": 10}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var plan models.ActionPlan
	decode(t, w, &plan)
	assert.Equal(t, models.ActionBuy, plan.Action)
	assert.Equal(t, "AAA", plan.OrderSymbol)
	assert.Equal(t, int64(5), plan.OrderUnits)
	assert.InDelta(t, 400, plan.AmountToInvestOrDivest, 1e-9)

	w = env.do(t, http.MethodPost, "/api/v1/action-plan", ActionPlanRequest{Holdings: map[string]float64{"AAA": 10}, CurrentDebt: 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "NON_POSITIVE_EQUITY", errorCode(t, w))
}

func TestPortfolioEndpoints(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/portfolio/assets", aaaAsset).Code)
	w := env.do(t, http.MethodPost, "/api/v1/portfolio/assets", aaaAsset)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/portfolio/assets/AAA/allocation", AssetRequest{AllocationPct: 60})
	require.Equal(t, http.StatusOK, w.Code)
	var state models.PortfolioState
	decode(t, w, &state)
	assert.Equal(t, 60.0, state.Portfolio["AAA"].AllocationPct)

	w = env.do(t, http.MethodPut, "/api/v1/portfolio/assets/AAA/strategy", AssetRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	settings := env.state.GetStateSnapshot().Settings
	settings.TrailingStopPercent = 0.1
	w = env.do(t, http.MethodPut, "/api/v1/portfolio/settings", settings)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.1, env.state.GetStateSnapshot().Settings.TrailingStopPercent)

	w = env.do(t, http.MethodDelete, "/api/v1/portfolio/assets/aaa", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.state.GetStateSnapshot().Portfolio)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/optimize", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOptimizeStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/optimize/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(OptimizeRequest{Symbol: "AAA", Thresholds: []float64{10, 20}}))

	var progress []optimizer.Progress
	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "progress" {
			progress = append(progress, *msg.Progress)
			continue
		}
		require.Equal(t, "result", msg.Type)
		assert.Len(t, msg.Results, 2)
		break
	}
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].Total)
	assert.Equal(t, 1, progress[1].Done)
}

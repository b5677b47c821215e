package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dip-leverage-bot/internal/exchange"
	"dip-leverage-bot/internal/marketdata"
	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/persistence"
	"dip-leverage-bot/internal/statemanager"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server 通过 HTTP 暴露优化、计划、回测与行动计划
type Server struct {
	cfg    *models.Config
	store  *marketdata.Store
	runs   persistence.RunRepository
	state  *statemanager.StateManager
	prices exchange.PriceSource
	logger *zap.Logger
	router *gin.Engine
}

// NewServer wires the handlers. prices may be nil, in which case action plans need
// explicit prices in the request.
func NewServer(cfg *models.Config, store *marketdata.Store, runs persistence.RunRepository, state *statemanager.StateManager, prices exchange.PriceSource, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		runs:   runs,
		state:  state,
		prices: prices,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.logger))
	r.Use(recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/symbols", s.listSymbols)

		v1.POST("/optimize", s.optimize)
		v1.GET("/optimize/stream", s.optimizeStream)
		v1.POST("/recommendations", s.recommend)
		v1.POST("/plan", s.plan)

		v1.POST("/backtest", s.backtest)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)

		v1.POST("/action-plan", s.actionPlan)

		v1.GET("/portfolio", s.getPortfolio)
		v1.POST("/portfolio/assets", s.addAsset)
		v1.DELETE("/portfolio/assets/:symbol", s.removeAsset)
		v1.PUT("/portfolio/assets/:symbol/allocation", s.setAllocation)
		v1.PUT("/portfolio/assets/:symbol/strategy", s.setStrategy)
		v1.PUT("/portfolio/settings", s.updateSettings)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Code: "NOT_FOUND", Message: "route not found"}})
	})
	return r
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Run 启动 HTTP 服务, ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down API server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		message := "An unexpected error occurred"
		if msg, ok := recovered.(string); ok {
			message = msg
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Code: "INTERNAL_ERROR", Message: message}})
	})
}

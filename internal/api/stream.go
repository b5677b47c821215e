package api

import (
	"context"
	"net/http"

	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/optimizer"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is one frame sent on the optimizer stream: progress, result or error.
type StreamMessage struct {
	Type     string                   `json:"type"`
	Progress *optimizer.Progress      `json:"progress,omitempty"`
	Results  []models.ThresholdResult `json:"results,omitempty"`
	Error    *ErrorDetail             `json:"error,omitempty"`
}

// optimizeStream handles GET /api/v1/optimize/stream.
// 客户端连接后发送一个 OptimizeRequest, 服务端推送进度, 最后推送结果或错误。
// 连接断开即取消扫描。
func (s *Server) optimizeStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req OptimizeRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(StreamMessage{Type: "error", Error: &ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()}})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// 读到错误说明客户端已断开
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	params, err := s.optimizeParams(req)
	if err == nil {
		var results []models.ThresholdResult
		results, err = optimizer.Optimize(ctx, params, func(p optimizer.Progress) {
			if werr := conn.WriteJSON(StreamMessage{Type: "progress", Progress: &p}); werr != nil {
				cancel()
			}
		})
		if err == nil {
			_ = conn.WriteJSON(StreamMessage{Type: "result", Results: results})
			return
		}
	}

	_, body := errorBody(err)
	s.logger.Info("optimizer stream ended with error", zap.Error(err))
	_ = conn.WriteJSON(StreamMessage{Type: "error", Error: &body.Error})
}

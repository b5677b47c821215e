package exchange

import (
	"context"
	"fmt"

	"dip-leverage-bot/internal/models"
)

// BarSource is the part of the market data store a HistoryPriceSource needs.
type BarSource interface {
	Bars(symbol string) ([]models.PriceBar, error)
}

// HistoryPriceSource 使用本地历史数据的最后收盘价作为当前价格, 用于离线计算行动计划
type HistoryPriceSource struct {
	bars BarSource
}

func NewHistoryPriceSource(bars BarSource) *HistoryPriceSource {
	return &HistoryPriceSource{bars: bars}
}

func (h *HistoryPriceSource) GetPrice(_ context.Context, symbol string) (float64, error) {
	bars, err := h.bars.Bars(symbol)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: no price history for %s", models.ErrInvalidInput, symbol)
	}
	return bars[len(bars)-1].Price, nil
}

func (h *HistoryPriceSource) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return collectPrices(ctx, symbols, h.GetPrice)
}

package exchange

import (
	"context"
	"fmt"

	"dip-leverage-bot/internal/models"
)

// PriceSource 定义了获取实时价格的通用方法。
// 这使得行动计划可以在真实行情和本地历史数据之间轻松切换。
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// collectPrices fetches symbols one by one through get.
func collectPrices(ctx context.Context, symbols []string, get func(context.Context, string) (float64, error)) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		price, err := get(ctx, symbol)
		if err != nil {
			return nil, err
		}
		prices[symbol] = price
	}
	return prices, nil
}

// StaticPriceSource serves fixed prices, e.g. ones typed in by the user.
type StaticPriceSource map[string]float64

func (s StaticPriceSource) GetPrice(_ context.Context, symbol string) (float64, error) {
	price, ok := s[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: no price for %s", models.ErrInvalidInput, symbol)
	}
	return price, nil
}

func (s StaticPriceSource) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return collectPrices(ctx, symbols, s.GetPrice)
}

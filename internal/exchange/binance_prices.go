package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// BinancePriceSource 通过币安公共行情接口获取最新成交价
type BinancePriceSource struct {
	client *binance.Client
	logger *zap.Logger
}

// NewBinancePriceSource creates a price source on the public spot API. baseURL may be empty.
func NewBinancePriceSource(baseURL string, logger *zap.Logger) *BinancePriceSource {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinancePriceSource{client: client, logger: logger}
}

// GetPrice 获取指定交易对的当前价格。
func (b *BinancePriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("交易所未返回 %s 的价格", symbol)
}

// GetPrices fetches all requested symbols in one call.
func (b *BinancePriceSource) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	list, err := b.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("批量获取价格失败: %w", err)
	}
	prices := make(map[string]float64, len(list))
	for _, p := range list {
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			b.logger.Warn("unparseable price", zap.String("symbol", p.Symbol), zap.String("price", p.Price))
			continue
		}
		prices[p.Symbol] = v
	}
	for _, s := range symbols {
		if _, ok := prices[s]; !ok {
			return nil, fmt.Errorf("交易所未返回 %s 的价格", s)
		}
	}
	return prices, nil
}

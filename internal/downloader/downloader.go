package downloader

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// binanceKlineLimit 是币安单次请求最多返回的K线数量
const binanceKlineLimit = 1000

// BarStore is where downloaded history ends up.
type BarStore interface {
	Path(symbol string) string
	Save(symbol string, bars []models.PriceBar) error
}

// KlineDownloader 用于从币安下载日K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例. baseURL 为空时使用币安默认地址
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		logger: logger,
		pause:  200 * time.Millisecond, // 避免过于频繁的请求
	}
}

// FetchDaily 下载指定交易对和时间范围内的日K线, 每根K线对应一个 UTC 交易日
func (d *KlineDownloader) FetchDaily(ctx context.Context, symbol string, startTime, endTime time.Time) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1d").
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := toBar(k)
			if err != nil {
				return nil, fmt.Errorf("解析K线 %d 失败: %w", k.OpenTime, err)
			}
			bars = append(bars, bar)
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("downloaded klines", zap.String("symbol", symbol), zap.Time("until", t))
		if len(klines) < binanceKlineLimit {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pause):
		}
	}
	return bars, nil
}

// Download 下载日K线并保存到数据目录. 如果文件已存在且 force 为 false, 则跳过下载, 直接使用缓存。
func (d *KlineDownloader) Download(ctx context.Context, store BarStore, symbol string, startTime, endTime time.Time, force bool) (int, error) {
	if !force {
		if _, err := os.Stat(store.Path(symbol)); err == nil {
			d.logger.Info("using cached price history", zap.String("symbol", symbol), zap.String("path", store.Path(symbol)))
			return 0, nil
		}
	}

	d.logger.Info("downloading daily klines",
		zap.String("symbol", symbol),
		zap.String("from", startTime.Format("2006-01-02")),
		zap.String("to", endTime.Format("2006-01-02")))

	bars, err := d.FetchDaily(ctx, symbol, startTime, endTime)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: exchange returned no klines for %s", models.ErrInvalidInput, symbol)
	}
	if err := store.Save(symbol, bars); err != nil {
		return 0, err
	}
	d.logger.Info("saved price history", zap.String("symbol", symbol), zap.Int("bars", len(bars)), zap.String("path", store.Path(symbol)))
	return len(bars), nil
}

func toBar(k *binance.Kline) (models.PriceBar, error) {
	fields := [4]string{k.Open, k.High, k.Low, k.Close}
	var values [4]float64
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.PriceBar{}, err
		}
		values[i] = v
	}
	return models.PriceBar{
		Date:  models.NormalizeDate(time.UnixMilli(k.OpenTime)),
		Open:  values[0],
		High:  values[1],
		Low:   values[2],
		Price: values[3],
	}, nil
}

// Package downloader fetches historical klines used to warm the volatility
// window before the first live tick.
package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"adaptive-grid-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// KlineService is the slice of the Binance client the downloader needs.
type KlineService interface {
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*binance.Kline, error)
}

// binanceKlines adapts *binance.Client to KlineService.
type binanceKlines struct {
	client *binance.Client
}

func (b binanceKlines) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*binance.Kline, error) {
	return b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	svc    KlineService
	logger *zap.Logger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(testnet bool, logger *zap.Logger) *KlineDownloader {
	binance.UseTestnet = testnet
	return NewKlineDownloaderWithService(binanceKlines{client: binance.NewClient("", "")}, logger) // 公共接口不需要API Key
}

// NewKlineDownloaderWithService wraps any KlineService.
func NewKlineDownloaderWithService(svc KlineService, logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{svc: svc, logger: logger, pause: 200 * time.Millisecond}
}

// Download fetches klines of the given interval in [start, end) and returns
// their close prices stamped with the close time.
func (d *KlineDownloader) Download(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.PriceSample, error) {
	var samples []models.PriceSample
	for t := start; t.Before(end); {
		klines, err := d.svc.Klines(ctx, symbol, interval, t, 1000) // 币安单次请求最多1000条
		if err != nil {
			return samples, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			closeAt := time.UnixMilli(k.CloseTime)
			if !closeAt.Before(end) {
				continue
			}
			price, err := strconv.ParseFloat(k.Close, 64)
			if err != nil || price <= 0 {
				d.logger.Warn("跳过无效K线", zap.Int64("openTime", k.OpenTime), zap.String("close", k.Close))
				continue
			}
			samples = append(samples, models.PriceSample{Time: closeAt, Price: price})
		}

		// 更新下一次请求的开始时间
		next := time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !next.After(t) {
			break
		}
		t = next
		if t.Before(end) && d.pause > 0 {
			select {
			case <-ctx.Done():
				return samples, ctx.Err()
			case <-time.After(d.pause): // 避免过于频繁的请求
			}
		}
	}
	d.logger.Info("K线数据下载完成", zap.String("symbol", symbol), zap.String("interval", interval), zap.Int("samples", len(samples)))
	return samples, nil
}

// Warmup returns the last n hourly closes before now.
func (d *KlineDownloader) Warmup(ctx context.Context, symbol string, n int, now time.Time) ([]models.PriceSample, error) {
	if n <= 0 {
		return nil, nil
	}
	end := now.Truncate(time.Hour)
	return d.Download(ctx, symbol, "1h", end.Add(-time.Duration(n)*time.Hour), now)
}

// SaveCSV writes samples to a CSV file, creating the directory if needed.
func SaveCSV(path string, samples []models.PriceSample) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"close_time", "close"}); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, s := range samples {
		record := []string{strconv.FormatInt(s.Time.UnixMilli(), 10), strconv.FormatFloat(s.Price, 'f', -1, 64)}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadCSV reads samples written by SaveCSV.
func LoadCSV(path string) ([]models.PriceSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取CSV失败: %w", err)
	}
	var samples []models.PriceSample
	for i, r := range records {
		if i == 0 || len(r) < 2 {
			continue
		}
		ms, err1 := strconv.ParseInt(r[0], 10, 64)
		price, err2 := strconv.ParseFloat(r[1], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("line %d: invalid record %v", i+1, r)
		}
		samples = append(samples, models.PriceSample{Time: time.UnixMilli(ms), Price: price})
	}
	return samples, nil
}

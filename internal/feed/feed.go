// Package feed delivers price ticks to the engine, either from the Binance
// trade stream or by polling an exchange backend.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Tick is one observed price.
type Tick struct {
	Price float64
	Time  time.Time
}

// Feed pushes ticks into out until ctx is cancelled.
type Feed interface {
	Run(ctx context.Context, out chan<- Tick) error
}

// PriceSource is the subset of an exchange backend the polling feed needs.
type PriceSource interface {
	GetPrice(ctx context.Context) (float64, error)
}

// PollingFeed asks a PriceSource for the price on a fixed interval.
type PollingFeed struct {
	source   PriceSource
	interval time.Duration
	logger   *zap.Logger
}

// NewPollingFeed creates a polling feed.
func NewPollingFeed(source PriceSource, interval time.Duration, logger *zap.Logger) *PollingFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingFeed{source: source, interval: interval, logger: logger}
}

// Run polls until ctx is done. Price errors are logged and skipped.
func (f *PollingFeed) Run(ctx context.Context, out chan<- Tick) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		price, err := f.source.GetPrice(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("获取价格失败", zap.Error(err))
		} else if !emit(ctx, out, Tick{Price: price, Time: time.Now()}) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// StreamFeed reads the Binance <symbol>@trade websocket stream and reconnects
// when the connection breaks.
type StreamFeed struct {
	url            string
	logger         *zap.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	pongWait       time.Duration
}

// NewStreamFeed builds the stream URL from the websocket base URL and symbol.
func NewStreamFeed(baseURL, symbol string, logger *zap.Logger) *StreamFeed {
	return &StreamFeed{
		url:            fmt.Sprintf("%s/ws/%s@trade", strings.TrimRight(baseURL, "/"), strings.ToLower(symbol)),
		logger:         logger,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
		pongWait:       60 * time.Second,
	}
}

// URL returns the stream address.
func (f *StreamFeed) URL() string { return f.url }

// Run 是一个守护进程，负责维持WebSocket的连接和重连
func (f *StreamFeed) Run(ctx context.Context, out chan<- Tick) error {
	for {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("WebSocket连接失败, 稍后重试", zap.String("url", f.url), zap.Duration("delay", f.reconnectDelay), zap.Error(err))
		} else {
			f.logger.Info("WebSocket连接成功", zap.String("url", f.url))
			err = f.handleMessages(ctx, conn, out)
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("WebSocket连接已断开，准备重连...", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.reconnectDelay):
		}
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (f *StreamFeed) handleMessages(ctx context.Context, conn *websocket.Conn, out chan<- Tick) error {
	pingPeriod := (f.pongWait * 9) / 10

	conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					f.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭; closing also unblocks ReadMessage
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		tick, err := ParseTrade(message)
		if err != nil {
			f.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		if !emit(ctx, out, tick) {
			return nil
		}
	}
}

// ParseTrade decodes a trade stream payload.
func ParseTrade(message []byte) (Tick, error) {
	var trade struct {
		Price     json.Number `json:"p"`
		TradeTime int64       `json:"T"`
	}
	if err := json.Unmarshal(message, &trade); err != nil {
		return Tick{}, err
	}
	if trade.Price == "" {
		return Tick{}, errors.New("message carries no price")
	}
	price, err := trade.Price.Float64()
	if err != nil {
		return Tick{}, fmt.Errorf("转换价格失败: %w", err)
	}
	if price <= 0 {
		return Tick{}, fmt.Errorf("non-positive price %v", price)
	}
	at := time.Now()
	if trade.TradeTime > 0 {
		at = time.UnixMilli(trade.TradeTime)
	}
	return Tick{Price: price, Time: at}, nil
}

// emit blocks until the consumer takes the tick or ctx is done.
func emit(ctx context.Context, out chan<- Tick, tick Tick) bool {
	select {
	case out <- tick:
		return true
	case <-ctx.Done():
		return false
	}
}

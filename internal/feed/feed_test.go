package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseTrade(t *testing.T) {
	tick, err := ParseTrade([]byte(`{"e":"trade","E":1709287200001,"s":"BNBUSDT","t":12345,"p":"600.10","q":"0.5","T":1709287200000,"m":true}`))
	require.NoError(t, err)
	assert.Equal(t, 600.10, tick.Price)
	assert.Equal(t, int64(1709287200000), tick.Time.UnixMilli())

	_, err = ParseTrade([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
	_, err = ParseTrade([]byte(`{"p":"abc"}`))
	assert.Error(t, err)
	_, err = ParseTrade([]byte(`{"p":"0"}`))
	assert.Error(t, err)
	_, err = ParseTrade([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	f := NewStreamFeed("wss://stream.binance.com:9443/", "BNBUSDT", zap.NewNop())
	assert.Equal(t, "wss://stream.binance.com:9443/ws/bnbusdt@trade", f.URL())
}

func TestStreamFeedDeliversTicksAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	connections := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/bnbusdt@trade", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"p":"600.5","T":1}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			// Drop the connection to force a reconnect.
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"p":"601.5","T":2}`))
		// Keep the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	f := NewStreamFeed("ws"+strings.TrimPrefix(server.URL, "http"), "BNBUSDT", zap.NewNop())
	f.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Tick, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out) }()

	var prices []float64
	for len(prices) < 2 {
		select {
		case tick := <-out:
			prices = append(prices, tick.Price)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ticks")
		}
	}
	assert.Equal(t, []float64{600.5, 601.5}, prices)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream feed did not stop")
	}
}

// mockPriceSource fails on the calls listed in failOn.
type mockPriceSource struct {
	sync.Mutex
	calls  int
	failOn map[int]bool
}

func (m *mockPriceSource) GetPrice(ctx context.Context) (float64, error) {
	m.Lock()
	defer m.Unlock()
	m.calls++
	if m.failOn[m.calls] {
		return 0, errors.New("timeout")
	}
	return 600 + float64(m.calls), nil
}

func TestPollingFeedSkipsErrors(t *testing.T) {
	src := &mockPriceSource{failOn: map[int]bool{2: true}}
	f := NewPollingFeed(src, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Tick)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out) }()

	first := <-out
	second := <-out
	assert.Equal(t, 601.0, first.Price)
	assert.Equal(t, 603.0, second.Price)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("polling feed did not stop")
	}
}

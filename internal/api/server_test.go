package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"adaptive-grid-bot/internal/config"
	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/ordertracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockEngine is a mock implementation of the Engine interface.
type mockEngine struct {
	sync.Mutex
	state      models.EngineState
	orders     []models.Order
	params     models.TradingParams
	resetErr   error
	resets     int
	lastUpdate config.ParamsUpdate
	switchedTo models.TradingMode
	limitAsked int
}

func (m *mockEngine) Snapshot() *models.EngineState {
	m.Lock()
	defer m.Unlock()
	s := m.state
	return &s
}

func (m *mockEngine) Orders(n int) []models.Order {
	m.Lock()
	defer m.Unlock()
	m.limitAsked = n
	if n < len(m.orders) {
		return m.orders[:n]
	}
	return m.orders
}

func (m *mockEngine) Stats() ordertracker.Stats {
	return ordertracker.Stats{TotalOrders: 3, Filled: 2}
}

func (m *mockEngine) Params() models.TradingParams {
	m.Lock()
	defer m.Unlock()
	return m.params
}

func (m *mockEngine) Mode() models.TradingMode { return models.ModeSimulation }

func (m *mockEngine) Reconfigure(update config.ParamsUpdate) (models.TradingParams, error) {
	m.Lock()
	defer m.Unlock()
	m.lastUpdate = update
	if update.MaxPositionRatio != nil {
		if *update.MaxPositionRatio > 1 {
			return models.TradingParams{}, fmt.Errorf("%w: position ratios", config.ErrInvalidConfig)
		}
		m.params.MaxPositionRatio = *update.MaxPositionRatio
	}
	return m.params, nil
}

func (m *mockEngine) ResetSimulation(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resets++
	return nil
}

func (m *mockEngine) SwitchMode(mode models.TradingMode) error {
	if mode != models.ModeLive && mode != models.ModeSimulation && mode != models.ModeAuto {
		return fmt.Errorf("%w: unknown trading mode", config.ErrInvalidConfig)
	}
	m.Lock()
	m.switchedTo = mode
	m.Unlock()
	return nil
}

type mockHistory map[string][]models.OrderStatus

func (h mockHistory) StatusHistory(id string) ([]models.OrderStatus, error) {
	if id == "broken" {
		return nil, errors.New("disk I/O error")
	}
	return h[id], nil
}

func (h mockHistory) RecentOrders(limit int) ([]models.Order, error) {
	var out []models.Order
	for id := range h {
		out = append(out, models.Order{ID: id, Status: models.StatusFilled})
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(engine *mockEngine) *Server {
	history := mockHistory{"gabc": {models.StatusCreated, models.StatusSubmitted, models.StatusFilled}}
	return NewServer(engine, history, ":0", zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndSnapshot(t *testing.T) {
	engine := &mockEngine{state: models.EngineState{
		Version: 7,
		Grid:    models.GridState{BasePrice: 600, GridSize: 0.02},
		Risk:    models.RiskState{Circuit: models.CircuitActive},
	}}
	s := newTestServer(engine)

	w := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"circuit":"ACTIVE"`)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, s, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.EngineState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, 600.0, snap.Grid.BasePrice)
}

func TestOrdersLimit(t *testing.T) {
	engine := &mockEngine{orders: []models.Order{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	s := newTestServer(engine)

	w := do(t, s, http.MethodGet, "/api/orders?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Orders []models.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Orders, 2)
	assert.Equal(t, 2, engine.limitAsked)

	w = do(t, s, http.MethodGet, "/api/orders?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderHistory(t *testing.T) {
	s := newTestServer(&mockEngine{})

	w := do(t, s, http.MethodGet, "/api/orders/gabc/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `["CREATED","SUBMITTED","FILLED"]`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/orders/missing/history", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/orders/broken/history", "").Code)
}

func TestJournalOrders(t *testing.T) {
	s := newTestServer(&mockEngine{})

	w := do(t, s, http.MethodGet, "/api/journal/orders?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"gabc"`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/journal/orders?limit=0", "").Code)

	noJournal := NewServer(&mockEngine{}, nil, ":0", zap.NewNop())
	assert.Equal(t, http.StatusNotImplemented, do(t, noJournal, http.MethodGet, "/api/journal/orders", "").Code)
}

func TestUpdateConfig(t *testing.T) {
	engine := &mockEngine{params: models.TradingParams{MaxPositionRatio: 0.9}}
	s := newTestServer(engine)

	w := do(t, s, http.MethodPut, "/api/config", `{"max_position_ratio":0.8}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.8, engine.Params().MaxPositionRatio)
	assert.Nil(t, engine.lastUpdate.MinGridPct)

	w = do(t, s, http.MethodPut, "/api/config", `{"max_position_ratio":1.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, "/api/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResetSimulation(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(engine)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/simulation/reset", "").Code)
	assert.Equal(t, 1, engine.resets)

	engine.resetErr = ordertracker.ErrOrderInFlight
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/simulation/reset", "").Code)

	engine.resetErr = errors.New("not running against the simulated exchange")
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/simulation/reset", "").Code)
}

func TestSwitchMode(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(engine)

	w := do(t, s, http.MethodPut, "/api/mode", `{"mode":"live"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.ModeLive, engine.switchedTo)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/mode", `{"mode":"paper"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/mode", `{}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&mockEngine{})
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grid_circuit_state")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&mockEngine{})
	w := do(t, s, http.MethodOptions, "/api/config", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

package ordertracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adaptive-grid-bot/internal/exchange"
	"adaptive-grid-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockExchange lets each test script CreateOrder and GetOrder.
type mockExchange struct {
	sync.Mutex
	createCalls int
	getCalls    int
	createFn    func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error)
	getFn       func(clientOrderID string) (*models.OrderResult, error)
	cancelFn    func(call int) (bool, error)
	cancelled   []string
}

func (m *mockExchange) GetPrice(ctx context.Context) (float64, error) { return 600, nil }

func (m *mockExchange) GetBalances(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{"USDT": 1000, "BNB": 1}, nil
}

func (m *mockExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	m.Lock()
	m.createCalls++
	call := m.createCalls
	fn := m.createFn
	m.Unlock()
	if fn == nil {
		return &models.OrderResult{ExchangeOrderID: "1", Status: models.StatusFilled, FilledQty: req.Quantity, AvgFillPrice: 600}, nil
	}
	return fn(ctx, call, req)
}

func (m *mockExchange) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	m.cancelled = append(m.cancelled, clientOrderID)
	if m.cancelFn != nil {
		return m.cancelFn(len(m.cancelled))
	}
	return true, nil
}

func (m *mockExchange) cancels() int {
	m.Lock()
	defer m.Unlock()
	return len(m.cancelled)
}

func (m *mockExchange) GetOrder(ctx context.Context, clientOrderID string) (*models.OrderResult, error) {
	m.Lock()
	m.getCalls++
	fn := m.getFn
	m.Unlock()
	if fn == nil {
		return nil, exchange.NotFound("GetOrder", clientOrderID)
	}
	return fn(clientOrderID)
}

func (m *mockExchange) SymbolRules(ctx context.Context) (models.SymbolRules, error) {
	return models.SymbolRules{Symbol: "BNBUSDT", StepSize: 0.001}, nil
}

func (m *mockExchange) creates() int {
	m.Lock()
	defer m.Unlock()
	return m.createCalls
}

// mockJournal records every journaled transition.
type mockJournal struct {
	sync.Mutex
	statuses map[string][]models.OrderStatus
}

func (j *mockJournal) RecordOrder(order models.Order) error {
	j.Lock()
	defer j.Unlock()
	if j.statuses == nil {
		j.statuses = make(map[string][]models.OrderStatus)
	}
	j.statuses[order.ID] = append(j.statuses[order.ID], order.Status)
	return nil
}

func (j *mockJournal) history(id string) []models.OrderStatus {
	j.Lock()
	defer j.Unlock()
	return append([]models.OrderStatus(nil), j.statuses[id]...)
}

func testConfig() Config {
	return Config{
		MaxRetries:   3,
		Cooldown:     time.Millisecond,
		PollInterval: time.Millisecond,
		HistoryLimit: 100,
	}
}

func newTestTracker(ex exchange.Exchange, cfg Config) (*Tracker, chan models.Order) {
	tr := NewTracker(ex, cfg, nil, zap.NewNop())
	done := make(chan models.Order, 16)
	tr.OnTerminal(func(o models.Order) { done <- o })
	return tr, done
}

func waitTerminal(t *testing.T, done <-chan models.Order) models.Order {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order to reach a terminal state")
		return models.Order{}
	}
}

var buyTarget = models.PositionTarget{Side: models.Buy, Quantity: 0.1}

func TestTransientFaultsExhaustRetries(t *testing.T) {
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			return nil, exchange.Transient("CreateOrder", errors.New("connection reset"))
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFailed, order.Status)
	assert.Equal(t, 3, order.RetryCount)
	assert.Equal(t, 4, ex.creates(), "the fourth evaluation fails the order")
	assert.Contains(t, order.LastError, "retries exhausted")
	assert.False(t, tr.InFlight())
}

func TestFatalFaultFailsWithoutRetry(t *testing.T) {
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			return nil, exchange.Fatal("CreateOrder", -2010, errors.New("insufficient balance"))
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFailed, order.Status)
	assert.Equal(t, 0, order.RetryCount)
	assert.Equal(t, 1, ex.creates())
}

func TestTransientFaultRecoversOnRetry(t *testing.T) {
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			if call == 1 {
				return nil, exchange.Transient("CreateOrder", errors.New("timeout"))
			}
			return &models.OrderResult{ExchangeOrderID: "7", Status: models.StatusFilled, FilledQty: req.Quantity, AvgFillPrice: 600, Fee: 0.06}, nil
		},
	}
	journal := &mockJournal{}
	tr := NewTracker(ex, testConfig(), journal, zap.NewNop())
	done := make(chan models.Order, 1)
	tr.OnTerminal(func(o models.Order) { done <- o })
	defer tr.Drain(time.Second)

	created, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFilled, order.Status)
	assert.Equal(t, 1, order.RetryCount)
	assert.Equal(t, "7", order.ExchangeOrderID)
	assert.Equal(t, 0.06, order.Fee)
	assert.Equal(t, 2, ex.creates())

	history := journal.history(created.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, models.StatusCreated, history[0])
	assert.Equal(t, models.StatusFilled, history[len(history)-1])
}

func TestRetryAdoptsOrderThatReachedExchange(t *testing.T) {
	var mu sync.Mutex
	landed := map[string]bool{}
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			mu.Lock()
			landed[req.ClientOrderID] = true
			mu.Unlock()
			// Accepted by the exchange but the response was lost.
			return nil, exchange.Transient("CreateOrder", errors.New("EOF"))
		},
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			mu.Lock()
			defer mu.Unlock()
			if !landed[clientOrderID] {
				return nil, exchange.NotFound("GetOrder", clientOrderID)
			}
			return &models.OrderResult{ExchangeOrderID: "9", Status: models.StatusFilled, FilledQty: 0.1, AvgFillPrice: 600}, nil
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFilled, order.Status)
	assert.Equal(t, 1, ex.creates(), "must not submit the same order twice")
}

func TestSecondOrderRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			if call == 1 {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &models.OrderResult{Status: models.StatusFilled, FilledQty: req.Quantity, AvgFillPrice: 600}, nil
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)
	assert.True(t, tr.InFlight())

	_, err = tr.Submit("t2", buyTarget, 600)
	assert.True(t, errors.Is(err, ErrOrderInFlight))

	close(release)
	waitTerminal(t, done)

	_, err = tr.Submit("t3", buyTarget, 600)
	require.NoError(t, err)
	waitTerminal(t, done)
}

func TestThrottleSuppressesExcessOrders(t *testing.T) {
	cfg := testConfig()
	cfg.ThrottleLimit = 1
	cfg.ThrottleWindow = time.Minute
	tr, done := newTestTracker(&mockExchange{}, cfg)
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)
	waitTerminal(t, done)

	_, err = tr.Submit("t2", buyTarget, 600)
	assert.True(t, errors.Is(err, ErrThrottled))
}

func TestSimulationInvariantIsReportedAsFatal(t *testing.T) {
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			return nil, fmt.Errorf("%w: value drifted", exchange.ErrSimulationInvariant)
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	fatal := make(chan error, 1)
	tr.OnFatal(func(err error) { fatal <- err })
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFailed, order.Status)
	select {
	case err := <-fatal:
		assert.True(t, errors.Is(err, exchange.ErrSimulationInvariant))
	case <-time.After(time.Second):
		t.Fatal("fatal callback not invoked")
	}
}

func TestPartialFillIsPolledUntilFilled(t *testing.T) {
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			return &models.OrderResult{ExchangeOrderID: "3", Status: models.StatusPartiallyFilled, FilledQty: 0.05, AvgFillPrice: 600}, nil
		},
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			return &models.OrderResult{ExchangeOrderID: "3", Status: models.StatusFilled, FilledQty: 0.1, AvgFillPrice: 600.5}, nil
		},
	}
	tr, done := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFilled, order.Status)
	assert.Equal(t, 0.1, order.FilledQty)
	assert.Equal(t, 600.5, order.AvgFillPrice)
}

func TestDrainMarksUnresolvedOrdersPending(t *testing.T) {
	accepted := make(chan struct{}, 1)
	ex := &mockExchange{
		createFn: func(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
			accepted <- struct{}{}
			return &models.OrderResult{ExchangeOrderID: "5", Status: models.StatusSubmitted}, nil
		},
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			return nil, exchange.Transient("GetOrder", errors.New("unreachable"))
		},
	}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	tr, _ := newTestTracker(ex, cfg)

	created, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)
	<-accepted

	pending := tr.Drain(50 * time.Millisecond)
	require.Len(t, pending, 1)
	assert.Equal(t, created.ID, pending[0].ID)
	assert.Equal(t, models.StatusPendingAtShutdown, pending[0].Status)

	_, err = tr.Submit("t2", buyTarget, 600)
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestRestoreAndReconcile(t *testing.T) {
	ex := &mockExchange{
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			if clientOrderID == "filled" {
				return &models.OrderResult{Status: models.StatusFilled, FilledQty: 0.1, AvgFillPrice: 610}, nil
			}
			if clientOrderID == "unknown" {
				return nil, exchange.NotFound("GetOrder", clientOrderID)
			}
			return nil, exchange.Transient("GetOrder", errors.New("timeout"))
		},
	}
	tr, _ := newTestTracker(ex, testConfig())
	defer tr.Drain(time.Second)

	tr.Restore([]models.Order{
		{ID: "filled", ClientOrderID: "filled", Side: models.Sell, Quantity: 0.1, Status: models.StatusPendingAtShutdown},
		{ID: "unknown", ClientOrderID: "unknown", Side: models.Buy, Quantity: 0.1, Status: models.StatusSubmitted},
		{ID: "stuck", ClientOrderID: "stuck", Side: models.Buy, Quantity: 0.1, Status: models.StatusPendingAtShutdown},
		{ID: "old", ClientOrderID: "old", Side: models.Buy, Quantity: 0.1, Status: models.StatusFilled},
	})
	assert.True(t, tr.InFlight())

	pending := tr.Reconcile(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "stuck", pending[0].ID)

	filled, ok := tr.Get("filled")
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, filled.Status)
	unknown, _ := tr.Get("unknown")
	assert.Equal(t, models.StatusCancelled, unknown.Status)
	_, ok = tr.Get("old")
	assert.False(t, ok, "terminal orders are not restored")
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 2
	tr, done := newTestTracker(&mockExchange{}, cfg)
	defer tr.Drain(time.Second)

	for i := 0; i < 3; i++ {
		_, err := tr.Submit(fmt.Sprintf("t%d", i), buyTarget, 600)
		require.NoError(t, err)
		waitTerminal(t, done)
	}

	recent := tr.Recent(10)
	assert.Len(t, recent, 2)
	assert.Equal(t, "t2", recent[0].TriggerID)
	assert.Equal(t, 3, tr.Stats().TotalOrders)
}

func TestStatsRealizeAgainstAverageCost(t *testing.T) {
	var s statsAccumulator
	s.observe(models.Order{Side: models.Buy, Status: models.StatusFilled, FilledQty: 1, AvgFillPrice: 100})
	s.observe(models.Order{Side: models.Buy, Status: models.StatusFilled, FilledQty: 1, AvgFillPrice: 120})
	s.observe(models.Order{Side: models.Sell, Status: models.StatusFilled, FilledQty: 1, AvgFillPrice: 130, Fee: 1})
	s.observe(models.Order{Side: models.Sell, Status: models.StatusFilled, FilledQty: 1, AvgFillPrice: 100})
	s.observe(models.Order{Side: models.Buy, Status: models.StatusFailed, RetryCount: 3})

	stats := s.snapshot()
	assert.Equal(t, 4, stats.Filled)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Retries)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 19.0, stats.GrossProfit, 1e-9)
	assert.InDelta(t, 10.0, stats.GrossLoss, 1e-9)
	assert.InDelta(t, 9.0, stats.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 1.9, stats.ProfitFactor, 1e-9)
}

func TestClientOrderIDsAreUniqueAndShort(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewClientOrderID()
		assert.LessOrEqual(t, len(id), 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func acceptedOnly(ctx context.Context, call int, req models.OrderRequest) (*models.OrderResult, error) {
	return &models.OrderResult{ExchangeOrderID: "7", Status: models.StatusSubmitted}, nil
}

func TestStatusPollFailuresEndTheOrder(t *testing.T) {
	ex := &mockExchange{
		createFn: acceptedOnly,
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			return nil, exchange.Transient("GetOrder", errors.New("i/o timeout"))
		},
	}
	cfg := testConfig()
	cfg.MaxPollFailures = 3
	tr, done := newTestTracker(ex, cfg)
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusFailed, order.Status)
	assert.Contains(t, order.LastError, "status unknown after 3 polls")
	assert.False(t, tr.InFlight())

	_, err = tr.Submit("t2", buyTarget, 600)
	assert.NoError(t, err)
}

func TestUnknownAcceptedOrderIsCancelled(t *testing.T) {
	ex := &mockExchange{createFn: acceptedOnly}
	cfg := testConfig()
	cfg.MaxPollFailures = 2
	tr, done := newTestTracker(ex, cfg)
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Equal(t, "not found on exchange", order.LastError)
}

func TestTimeoutCancelIsRetried(t *testing.T) {
	var cancelled sync.Once
	gone := make(chan struct{})
	ex := &mockExchange{
		createFn: acceptedOnly,
		cancelFn: func(call int) (bool, error) {
			if call < 3 {
				return false, exchange.Transient("CancelOrder", errors.New("server busy"))
			}
			cancelled.Do(func() { close(gone) })
			return true, nil
		},
		getFn: func(clientOrderID string) (*models.OrderResult, error) {
			select {
			case <-gone:
				return &models.OrderResult{ExchangeOrderID: "7", Status: models.StatusCancelled}, nil
			default:
				return &models.OrderResult{ExchangeOrderID: "7", Status: models.StatusSubmitted}, nil
			}
		},
	}
	cfg := testConfig()
	cfg.OrderTimeout = time.Millisecond
	tr, done := newTestTracker(ex, cfg)
	defer tr.Drain(time.Second)

	_, err := tr.Submit("t1", buyTarget, 600)
	require.NoError(t, err)

	order := waitTerminal(t, done)
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Equal(t, 3, ex.cancels())
}

// Package trader runs the grid: it turns price ticks into sized orders,
// rebases the grid on fills and keeps the circuit breaker evaluated.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"adaptive-grid-bot/internal/config"
	"adaptive-grid-bot/internal/exchange"
	"adaptive-grid-bot/internal/feed"
	"adaptive-grid-bot/internal/grid"
	"adaptive-grid-bot/internal/metrics"
	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/ordertracker"
	"adaptive-grid-bot/internal/position"
	"adaptive-grid-bot/internal/risk"
	"adaptive-grid-bot/internal/statemanager"
	"adaptive-grid-bot/internal/volatility"

	"go.uber.org/zap"
)

// RequestedModeKey is the journal metadata key holding a mode switch that
// takes effect on the next start.
const RequestedModeKey = "requested_mode"

const recentOrders = 20

var (
	ErrNotSimulation  = errors.New("not running against the simulated exchange")
	ErrNoModeStore    = errors.New("mode switching needs the order journal")
	ErrAlreadyRunning = errors.New("trader is already running")
)

// PriceSetter is implemented by backends that take their price from the feed.
type PriceSetter interface {
	SetPrice(price float64, at time.Time)
}

// Resetter is implemented by backends that can restore their seed balances.
type Resetter interface {
	Reset()
}

// ModeStore persists small key/value settings across restarts.
type ModeStore interface {
	SetMetadata(key, value string) error
}

// Options wires a GridTrader.
type Options struct {
	Config    *models.Config
	Mode      models.TradingMode
	Exchange  exchange.Exchange
	Tracker   *ordertracker.Tracker
	State     *statemanager.StateManager
	Restored  *models.EngineState // nil on a fresh start
	ModeStore ModeStore           // optional
	Logger    *zap.Logger
}

// GridTrader is the engine. The grid state is owned by the Run loop; the
// risk state is owned by the risk manager.
type GridTrader struct {
	cfgMu  sync.RWMutex
	cfg    *models.Config
	params models.TradingParams

	mode      models.TradingMode
	ex        exchange.Exchange
	tracker   *ordertracker.Tracker
	state     *statemanager.StateManager
	modeStore ModeStore
	restored  *models.EngineState
	logger    *zap.Logger

	vol   *volatility.Estimator
	sizer *position.Controller
	risk  *risk.Manager
	// riskMu orders evaluations with their dispatch, so the published risk
	// state is always the latest one.
	riskMu sync.Mutex

	policyMu sync.RWMutex
	policy   grid.Policy

	grid  models.GridState // Run loop only
	// 已提交、但其完成事件尚未在 Run loop 中处理的订单; no trigger fires
	// until it is cleared by handleTerminal.
	awaiting string
	rules models.SymbolRules

	acctMu        sync.RWMutex
	quote, base   float64
	haveBalances  bool
	price         float64
	priceAt       time.Time
	equityCurve   []float64
	initialEquity float64

	fills   chan models.Order
	fatal   chan error
	control chan func()
	running atomic.Bool
	now     func() time.Time
}

// NewGridTrader builds the engine and registers for order completions.
func NewGridTrader(opts Options) *GridTrader {
	params := config.Params(opts.Config)
	t := &GridTrader{
		cfg:       opts.Config,
		params:    params,
		mode:      opts.Mode,
		ex:        opts.Exchange,
		tracker:   opts.Tracker,
		state:     opts.State,
		modeStore: opts.ModeStore,
		restored:  opts.Restored,
		logger:    opts.Logger,
		vol:       volatility.NewEstimator(params.VolatilityWindow, params.VolatilityTable, params.InitialGrid),
		sizer:     position.NewController(position.ParamsFrom(params), position.LinearTaper),
		risk:      risk.NewManager(risk.ParamsFrom(params), opts.Logger),
		policy:    grid.NewPolicy(params.MinGrid, params.MaxGrid),
		fills:     make(chan models.Order, 64),
		fatal:     make(chan error, 1),
		control:   make(chan func()),
		now:       time.Now,
	}
	t.tracker.OnTerminal(t.enqueueTerminal)
	t.tracker.OnFatal(t.enqueueFatal)
	return t
}

// WarmUp seeds the volatility window with historical prices.
func (t *GridTrader) WarmUp(samples []models.PriceSample) {
	t.vol.Seed(samples)
	t.logger.Info("Volatility window warmed up",
		zap.Int("samples", t.vol.Len()),
		zap.Float64("volatility", t.vol.Current()))
}

// Start loads exchange rules, restores persisted state, reconciles open
// orders and balances, and publishes the first snapshot.
func (t *GridTrader) Start(ctx context.Context) error {
	rules, err := t.ex.SymbolRules(ctx)
	if err != nil {
		return fmt.Errorf("load symbol rules: %w", err)
	}
	t.rules = rules

	if r := t.restored; r != nil {
		if r.Grid.BasePrice > 0 {
			t.grid = r.Grid
		}
		t.risk.Restore(r.Risk)
		t.tracker.Restore(r.OpenOrders)
		t.logger.Info("Restored persisted state",
			zap.Int64("version", r.Version),
			zap.Float64("basePrice", r.Grid.BasePrice),
			zap.String("circuit", string(t.risk.State().Circuit)),
			zap.Int("openOrders", len(r.OpenOrders)))
	}
	if pending := t.tracker.Reconcile(ctx); len(pending) > 0 {
		t.logger.Warn("Some orders could not be reconciled, trading waits for them", zap.Int("pending", len(pending)))
	}

	if err := t.refreshBalances(ctx); err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	if price, err := t.ex.GetPrice(ctx); err == nil {
		t.setPrice(price, t.now())
	} else {
		t.logger.Info("No price yet, waiting for the feed", zap.Error(err))
	}

	account := t.account()
	if r := t.restored; r != nil && !r.Account.TakenAt.IsZero() {
		if !closeEnough(r.Account.QuoteBalance, account.QuoteBalance) || !closeEnough(r.Account.BaseBalance, account.BaseBalance) {
			t.logger.Warn("Persisted balances differ from the exchange, using exchange balances",
				zap.Float64("persistedQuote", r.Account.QuoteBalance),
				zap.Float64("exchangeQuote", account.QuoteBalance),
				zap.Float64("persistedBase", r.Account.BaseBalance),
				zap.Float64("exchangeBase", account.BaseBalance))
		}
	}
	t.acctMu.Lock()
	t.initialEquity = account.Equity
	t.acctMu.Unlock()

	t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.ModeChangeEvent, Data: t.mode})
	t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.RiskUpdateEvent, Data: t.risk.State()})
	if t.grid.BasePrice > 0 {
		t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.GridUpdateEvent, Data: t.grid})
	}
	t.publishAccount()
	t.publishOrders()

	t.logger.Info("Grid trader started",
		zap.String("symbol", rules.Symbol),
		zap.String("mode", string(t.mode)),
		zap.Float64("equity", account.Equity),
		zap.Float64("stepSize", rules.StepSize),
		zap.Float64("minNotional", rules.MinNotional))
	return nil
}

// Run is the price loop. It returns when ctx is cancelled, the tick channel
// closes or a fault that must stop the process is reported.
func (t *GridTrader) Run(ctx context.Context, ticks <-chan feed.Tick) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	var wg sync.WaitGroup
	riskCtx, cancel := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.riskLoop(riskCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-t.fatal:
			return err
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			t.safely("tick", func() { t.OnTick(ctx, tick.Price, tick.Time) })
		case order := <-t.fills:
			t.safely("order", func() { t.handleTerminal(ctx, order) })
		case fn := <-t.control:
			fn()
		}
	}
}

// safely recovers a panic in one iteration so the loop keeps running.
func (t *GridTrader) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickErrors.Inc()
			t.logger.Error("Recovered from panic", zap.String("in", what), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// OnTick processes one price. Must only be called from the Run loop.
func (t *GridTrader) OnTick(ctx context.Context, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	t.vol.Record(models.PriceSample{Time: at, Price: price})
	if ps, ok := t.ex.(PriceSetter); ok {
		ps.SetPrice(price, at)
	}
	t.setPrice(price, at)
	metrics.LastPrice.Set(price)

	bucket := t.vol.Bucket()
	policy := t.currentPolicy()
	prev := t.grid
	if t.grid.BasePrice <= 0 {
		t.grid = policy.Build(t.initialBasePrice(price), bucket, at)
		t.logger.Info("Grid initialised",
			zap.Float64("basePrice", t.grid.BasePrice),
			zap.Float64("gridSize", t.grid.GridSize),
			zap.Float64("lower", t.grid.LowerBand),
			zap.Float64("upper", t.grid.UpperBand))
	} else {
		t.grid = policy.Refresh(t.grid, bucket)
	}
	if prev.BasePrice != t.grid.BasePrice || prev.GridSize != t.grid.GridSize {
		metrics.GridSize.Set(t.grid.GridSize)
		t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.GridUpdateEvent, Timestamp: at, Data: t.grid})
	}
	t.publishAccount()

	side := grid.CheckTrigger(price, t.grid)
	if side == models.None {
		return
	}
	if !t.risk.Allowing() {
		metrics.OrdersSuppressed.WithLabelValues("circuit").Inc()
		t.logger.Debug("Trigger ignored, circuit breaker not active", zap.String("side", string(side)), zap.Float64("price", price))
		return
	}
	if t.awaiting != "" || t.tracker.InFlight() {
		metrics.OrdersSuppressed.WithLabelValues("in_flight").Inc()
		return
	}
	if !t.hasBalances() {
		metrics.OrdersSuppressed.WithLabelValues("no_balances").Inc()
		return
	}

	account := t.account()
	decision := t.sizer.SizeOrder(side, account, price, t.rules)
	if decision.Skip {
		metrics.OrdersSuppressed.WithLabelValues("sizing").Inc()
		t.logger.Info("Trigger skipped by position control",
			zap.String("side", string(side)),
			zap.Float64("price", price),
			zap.Float64("positionRatio", account.PositionRatio),
			zap.String("reason", decision.Reason))
		return
	}

	triggerID := fmt.Sprintf("%s-%d", side, at.UnixMilli())
	order, err := t.tracker.Submit(triggerID, decision.Target, price)
	switch {
	case errors.Is(err, ordertracker.ErrOrderInFlight):
		metrics.OrdersSuppressed.WithLabelValues("in_flight").Inc()
	case errors.Is(err, ordertracker.ErrThrottled):
		metrics.OrdersSuppressed.WithLabelValues("throttled").Inc()
		t.logger.Warn("Order throttled", zap.String("trigger", triggerID))
	case err != nil:
		t.logger.Warn("Order not submitted", zap.String("trigger", triggerID), zap.Error(err))
	default:
		t.awaiting = order.ID
		t.logger.Info("Grid triggered",
			zap.String("side", string(side)),
			zap.Float64("price", price),
			zap.Float64("lower", t.grid.LowerBand),
			zap.Float64("upper", t.grid.UpperBand),
			zap.Float64("quantity", decision.Target.Quantity),
			zap.Float64("notional", decision.Target.Notional),
			zap.String("order", order.ID))
		t.publishOrders()
	}
}

// handleTerminal reacts to an order that finished. Must only be called from
// the Run loop or after it stopped.
func (t *GridTrader) handleTerminal(ctx context.Context, order models.Order) {
	if order.ID == t.awaiting {
		t.awaiting = ""
	}
	t.publishOrders()
	if err := t.refreshBalances(ctx); err != nil {
		t.logger.Warn("Failed to refresh balances after order", zap.String("order", order.ID), zap.Error(err))
	}

	if order.Status == models.StatusFilled {
		fillPrice := order.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = order.Price
		}
		policy := t.currentPolicy()
		t.grid = policy.Rebase(fillPrice, t.vol.Bucket(), t.now())
		if err := policy.Validate(t.grid); err != nil {
			t.logger.Error("Grid invariant violated after rebase", zap.Error(err))
		}
		metrics.GridSize.Set(t.grid.GridSize)
		t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.GridUpdateEvent, Data: t.grid})
		t.logger.Info("Grid rebased on fill",
			zap.String("order", order.ID),
			zap.String("side", string(order.Side)),
			zap.Float64("basePrice", t.grid.BasePrice),
			zap.Float64("lower", t.grid.LowerBand),
			zap.Float64("upper", t.grid.UpperBand))

		t.acctMu.Lock()
		t.equityCurve = append(t.equityCurve, models.NewAccountSnapshot(t.quote, t.base, t.price, t.priceAt).Equity)
		t.acctMu.Unlock()
	} else {
		t.logger.Warn("Order ended without a fill, grid unchanged",
			zap.String("order", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("error", order.LastError))
	}

	t.publishAccount()
	t.evaluateRisk()
}

func (t *GridTrader) riskLoop(ctx context.Context) {
	t.cfgMu.RLock()
	interval := t.params.RiskCheckInterval
	t.cfgMu.RUnlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.refreshBalances(ctx); err != nil {
				if ctx.Err() == nil {
					t.logger.Warn("Risk check skipped, balances unavailable", zap.Error(err))
				}
				continue
			}
			t.evaluateRisk()
		}
	}
}

func (t *GridTrader) evaluateRisk() {
	account := t.account()
	if account.LastPrice <= 0 || account.Equity <= 0 {
		return
	}
	metrics.PositionRatio.Set(account.PositionRatio)
	t.riskMu.Lock()
	defer t.riskMu.Unlock()
	rs, _ := t.risk.Evaluate(account, t.now())
	t.state.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.RiskUpdateEvent, Data: rs})
}

// Reconfigure applies a partial parameter update to every component.
func (t *GridTrader) Reconfigure(update config.ParamsUpdate) (models.TradingParams, error) {
	t.cfgMu.Lock()
	next, err := update.Apply(t.cfg)
	if err != nil {
		t.cfgMu.Unlock()
		return models.TradingParams{}, err
	}
	t.cfg = next
	params := config.Params(next)
	t.params = params
	t.cfgMu.Unlock()

	t.policyMu.Lock()
	t.policy = grid.NewPolicy(params.MinGrid, params.MaxGrid)
	t.policyMu.Unlock()
	t.sizer.SetParams(position.ParamsFrom(params))
	t.risk.SetParams(risk.ParamsFrom(params))
	t.vol.SetTable(params.VolatilityTable, params.InitialGrid)

	t.logger.Info("Parameters reconfigured",
		zap.Float64("minGrid", params.MinGrid),
		zap.Float64("maxGrid", params.MaxGrid),
		zap.Float64("maxPositionRatio", params.MaxPositionRatio),
		zap.Float64("minPositionRatio", params.MinPositionRatio),
		zap.Float64("maxDrawdown", params.MaxDrawdown),
		zap.Float64("dailyLossLimit", params.DailyLossLimit))
	return params, nil
}

// ResetSimulation restores the simulated ledger and starts a fresh grid and
// risk history at the current price. It runs inside the price loop.
func (t *GridTrader) ResetSimulation(ctx context.Context) error {
	resetter, ok := t.ex.(Resetter)
	if t.mode != models.ModeSimulation || !ok {
		return ErrNotSimulation
	}
	return t.do(ctx, func() error {
		if t.awaiting != "" || t.tracker.InFlight() {
			return ordertracker.ErrOrderInFlight
		}
		resetter.Reset()
		t.risk.Restore(models.RiskState{})
		if err := t.refreshBalances(ctx); err != nil {
			return fmt.Errorf("reload balances: %w", err)
		}

		t.acctMu.Lock()
		price := t.price
		t.equityCurve = nil
		t.acctMu.Unlock()
		t.grid = models.GridState{}
		if price > 0 {
			t.grid = t.currentPolicy().Build(price, t.vol.Bucket(), t.now())
		}
		account := t.account()
		t.acctMu.Lock()
		t.initialEquity = account.Equity
		t.acctMu.Unlock()
		t.evaluateRisk()

		t.state.DispatchEvent(statemanager.NormalizedEvent{
			Type: statemanager.StateResetEvent,
			Data: &models.EngineState{
				Symbol:     t.rules.Symbol,
				Mode:       t.mode,
				Grid:       t.grid,
				Risk:       t.risk.State(),
				Account:    account,
				Volatility: t.vol.Current(),
				OpenOrders: t.tracker.Open(),
				Recent:     t.tracker.Recent(recentOrders),
			},
		})
		t.logger.Info("Simulation reset", zap.Float64("equity", account.Equity), zap.Float64("basePrice", t.grid.BasePrice))
		return nil
	})
}

// SwitchMode records the requested mode; it takes effect on the next start.
func (t *GridTrader) SwitchMode(mode models.TradingMode) error {
	switch mode {
	case models.ModeAuto, models.ModeSimulation, models.ModeLive:
	default:
		return fmt.Errorf("%w: unknown trading mode %q", config.ErrInvalidConfig, mode)
	}
	if t.modeStore == nil {
		return ErrNoModeStore
	}
	if err := t.modeStore.SetMetadata(RequestedModeKey, string(mode)); err != nil {
		return err
	}
	t.logger.Info("Trading mode switch recorded, applied on restart",
		zap.String("current", string(t.mode)),
		zap.String("requested", string(mode)))
	return nil
}

// Shutdown drains in-flight orders and writes the final state. Run must have
// returned. It returns the orders still pending at the exchange.
func (t *GridTrader) Shutdown(drainTimeout time.Duration) []models.Order {
	pending := t.tracker.Drain(drainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for done := false; !done; {
		select {
		case order := <-t.fills:
			t.handleTerminal(ctx, order)
		default:
			done = true
		}
	}
	t.publishOrders()
	t.state.Stop()

	if len(pending) > 0 {
		t.logger.Warn("Orders still pending at shutdown", zap.Int("count", len(pending)))
	}
	t.logger.Info("Grid trader stopped")
	return pending
}

// do runs fn inside the price loop, or directly when the loop is not running.
func (t *GridTrader) do(ctx context.Context, fn func() error) error {
	if !t.running.Load() {
		return fn()
	}
	errCh := make(chan error, 1)
	select {
	case t.control <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *GridTrader) enqueueTerminal(order models.Order) {
	select {
	case t.fills <- order:
	default:
		t.logger.Error("Order completion queue full, dropping", zap.String("order", order.ID))
	}
}

func (t *GridTrader) enqueueFatal(err error) {
	select {
	case t.fatal <- err:
	default:
	}
}

func (t *GridTrader) publishOrders() {
	t.state.DispatchEvent(statemanager.NormalizedEvent{
		Type: statemanager.OrdersUpdateEvent,
		Data: statemanager.OrdersUpdateData{Open: t.tracker.Open(), Recent: t.tracker.Recent(recentOrders)},
	})
}

func (t *GridTrader) publishAccount() {
	account := t.account()
	metrics.Equity.Set(account.Equity)
	t.state.DispatchEvent(statemanager.NormalizedEvent{
		Type: statemanager.AccountUpdateEvent,
		Data: statemanager.AccountUpdateData{Account: account, Volatility: t.vol.Current()},
	})
}

func (t *GridTrader) refreshBalances(ctx context.Context) error {
	balances, err := t.ex.GetBalances(ctx)
	if err != nil {
		return err
	}
	t.acctMu.Lock()
	t.quote = balances[t.cfgSnapshot().QuoteAsset]
	t.base = balances[t.cfgSnapshot().BaseAsset]
	t.haveBalances = true
	t.acctMu.Unlock()
	return nil
}

func (t *GridTrader) setPrice(price float64, at time.Time) {
	t.acctMu.Lock()
	t.price = price
	t.priceAt = at
	t.acctMu.Unlock()
}

func (t *GridTrader) account() models.AccountSnapshot {
	t.acctMu.RLock()
	defer t.acctMu.RUnlock()
	return models.NewAccountSnapshot(t.quote, t.base, t.price, t.priceAt)
}

func (t *GridTrader) hasBalances() bool {
	t.acctMu.RLock()
	defer t.acctMu.RUnlock()
	return t.haveBalances
}

func (t *GridTrader) currentPolicy() grid.Policy {
	t.policyMu.RLock()
	defer t.policyMu.RUnlock()
	return t.policy
}

func (t *GridTrader) initialBasePrice(price float64) float64 {
	if base := t.cfgSnapshot().InitialBasePrice; base > 0 {
		return base
	}
	return price
}

func (t *GridTrader) cfgSnapshot() models.Config {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return *t.cfg
}

// Config returns a copy of the active configuration.
func (t *GridTrader) Config() models.Config {
	return t.cfgSnapshot()
}

// Params returns the active runtime parameters.
func (t *GridTrader) Params() models.TradingParams {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.params
}

// Mode returns the backend the trader runs against.
func (t *GridTrader) Mode() models.TradingMode { return t.mode }

// Snapshot returns the latest published engine state.
func (t *GridTrader) Snapshot() *models.EngineState { return t.state.Snapshot() }

// Stats returns order execution statistics.
func (t *GridTrader) Stats() ordertracker.Stats { return t.tracker.Stats() }

// Orders returns up to n recent orders, newest first.
func (t *GridTrader) Orders(n int) []models.Order { return t.tracker.Recent(n) }

// InitialEquity is the equity observed at start or at the last simulation reset.
func (t *GridTrader) InitialEquity() float64 {
	t.acctMu.RLock()
	defer t.acctMu.RUnlock()
	return t.initialEquity
}

// EquityCurve returns the equity after each fill.
func (t *GridTrader) EquityCurve() []float64 {
	t.acctMu.RLock()
	defer t.acctMu.RUnlock()
	return append([]float64(nil), t.equityCurve...)
}

func closeEnough(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-8
}

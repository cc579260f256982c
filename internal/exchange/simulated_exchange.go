package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"adaptive-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// SimTrade is one fill applied to the simulated ledger.
type SimTrade struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          models.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"` // execution price after slippage
	Fee           float64     `json:"fee"`
	QuoteAfter    float64     `json:"quote_after"`
	BaseAfter     float64     `json:"base_after"`
	Time          time.Time   `json:"time"`
}

// SimulatedConfig seeds the simulated ledger.
type SimulatedConfig struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	QuoteBalance float64
	BaseBalance  float64
	FeeRate      float64
	SlippageRate float64
	StepSize     float64
	MinNotional  float64
}

// SimulatedExchange 实现了 Exchange 接口，是一个确定性的内存账本，用于模拟盘交易。
// Market orders fill immediately at the last price set through SetPrice.
type SimulatedExchange struct {
	mu sync.RWMutex

	cfg       SimulatedConfig
	seedQuote decimal.Decimal
	seedBase  decimal.Decimal

	quote    decimal.Decimal
	base     decimal.Decimal
	price    decimal.Decimal
	priceAt  time.Time
	feeRate  decimal.Decimal
	slippage decimal.Decimal

	orders      map[string]*models.OrderResult // keyed by client order id
	trades      []SimTrade
	totalFees   decimal.Decimal
	nextOrderID int64

	faultHook func(op string) error
	now       func() time.Time
}

// NewSimulatedExchange creates a ledger seeded with the configured balances.
func NewSimulatedExchange(cfg SimulatedConfig) *SimulatedExchange {
	e := &SimulatedExchange{
		cfg:       cfg,
		seedQuote: decimal.NewFromFloat(cfg.QuoteBalance),
		seedBase:  decimal.NewFromFloat(cfg.BaseBalance),
		feeRate:   decimal.NewFromFloat(cfg.FeeRate),
		slippage:  decimal.NewFromFloat(cfg.SlippageRate),
		now:       time.Now,
	}
	e.resetLocked()
	return e
}

func (e *SimulatedExchange) resetLocked() {
	e.quote = e.seedQuote
	e.base = e.seedBase
	e.orders = make(map[string]*models.OrderResult)
	e.trades = make([]SimTrade, 0)
	e.totalFees = decimal.Zero
	e.nextOrderID = 1
}

// Reset restores the seed balances and clears all history atomically.
// The last price is kept.
func (e *SimulatedExchange) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// SetPrice feeds the market price used for fills and valuation.
func (e *SimulatedExchange) SetPrice(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.price = decimal.NewFromFloat(price)
	e.priceAt = at
	e.mu.Unlock()
}

// SetFaultHook installs a function consulted before every call; a non-nil
// return is handed back to the caller instead of executing the call.
func (e *SimulatedExchange) SetFaultHook(hook func(op string) error) {
	e.mu.Lock()
	e.faultHook = hook
	e.mu.Unlock()
}

func (e *SimulatedExchange) fault(op string) error {
	e.mu.RLock()
	hook := e.faultHook
	e.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(op)
}

// GetPrice 获取模拟盘的当前价格
func (e *SimulatedExchange) GetPrice(ctx context.Context) (float64, error) {
	if err := e.fault("GetPrice"); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.price.IsZero() {
		return 0, Transient("GetPrice", errors.New("no price observed yet"))
	}
	return e.price.InexactFloat64(), nil
}

// GetBalances returns the ledger balances.
func (e *SimulatedExchange) GetBalances(ctx context.Context) (map[string]float64, error) {
	if err := e.fault("GetBalances"); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]float64{
		e.cfg.QuoteAsset: e.quote.InexactFloat64(),
		e.cfg.BaseAsset:  e.base.InexactFloat64(),
	}, nil
}

// CreateOrder fills a market order immediately. Slippage moves the execution
// price against the taker and the fee is charged in quote.
func (e *SimulatedExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	const op = "CreateOrder"
	if err := e.fault(op); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, Fatal(op, 0, fmt.Errorf("invalid quantity %.8f", req.Quantity))
	}
	if req.Side != models.Buy && req.Side != models.Sell {
		return nil, Fatal(op, 0, fmt.Errorf("invalid side %q", req.Side))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := e.orders[req.ClientOrderID]; ok {
			return nil, Fatal(op, 0, fmt.Errorf("duplicate client order id %s (order %s)", req.ClientOrderID, existing.ExchangeOrderID))
		}
	}
	if e.price.IsZero() {
		return nil, Transient(op, errors.New("no price observed yet"))
	}

	qty := decimal.NewFromFloat(req.Quantity)
	if e.cfg.StepSize > 0 {
		step := decimal.NewFromFloat(e.cfg.StepSize)
		if !qty.Mod(step).IsZero() {
			return nil, Fatal(op, 0, fmt.Errorf("quantity %s is not a multiple of step %s", qty, step))
		}
	}

	one := decimal.NewFromInt(1)
	execPrice := e.price.Mul(one.Add(e.slippage))
	if req.Side == models.Sell {
		execPrice = e.price.Mul(one.Sub(e.slippage))
	}
	notional := execPrice.Mul(qty)
	if e.cfg.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(e.cfg.MinNotional)) {
		return nil, Fatal(op, 0, fmt.Errorf("notional %s below minimum %.4f", notional.StringFixed(4), e.cfg.MinNotional))
	}
	fee := notional.Mul(e.feeRate)

	valueBefore := e.quote.Add(e.base.Mul(e.price))
	switch req.Side {
	case models.Buy:
		cost := notional.Add(fee)
		if e.quote.LessThan(cost) {
			return nil, Fatal(op, 0, fmt.Errorf("insufficient %s balance: have %s, need %s",
				e.cfg.QuoteAsset, e.quote.StringFixed(8), cost.StringFixed(8)))
		}
		e.quote = e.quote.Sub(cost)
		e.base = e.base.Add(qty)
	case models.Sell:
		if e.base.LessThan(qty) {
			return nil, Fatal(op, 0, fmt.Errorf("insufficient %s balance: have %s, need %s",
				e.cfg.BaseAsset, e.base.StringFixed(8), qty.StringFixed(8)))
		}
		e.base = e.base.Sub(qty)
		e.quote = e.quote.Add(notional.Sub(fee))
	}
	e.totalFees = e.totalFees.Add(fee)

	if err := e.checkConservation(valueBefore, execPrice, qty, fee); err != nil {
		return nil, err
	}

	orderID := strconv.FormatInt(e.nextOrderID, 10)
	e.nextOrderID++
	result := &models.OrderResult{
		ExchangeOrderID: orderID,
		Status:          models.StatusFilled,
		FilledQty:       qty.InexactFloat64(),
		AvgFillPrice:    execPrice.InexactFloat64(),
		Fee:             fee.InexactFloat64(),
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "sim-" + orderID
	}
	e.orders[clientID] = result
	e.trades = append(e.trades, SimTrade{
		OrderID:       orderID,
		ClientOrderID: clientID,
		Side:          req.Side,
		Quantity:      result.FilledQty,
		Price:         result.AvgFillPrice,
		Fee:           result.Fee,
		QuoteAfter:    e.quote.InexactFloat64(),
		BaseAfter:     e.base.InexactFloat64(),
		Time:          e.now(),
	})

	copied := *result
	return &copied, nil
}

// checkConservation verifies that marked value only changed by the fee and the
// slippage cost of the fill. Must be called with the lock held.
func (e *SimulatedExchange) checkConservation(valueBefore, execPrice, qty, fee decimal.Decimal) error {
	if e.quote.IsNegative() || e.base.IsNegative() {
		return fmt.Errorf("%w: negative balance quote=%s base=%s", ErrSimulationInvariant, e.quote, e.base)
	}
	slippageCost := execPrice.Sub(e.price).Abs().Mul(qty)
	expected := valueBefore.Sub(fee).Sub(slippageCost)
	actual := e.quote.Add(e.base.Mul(e.price))
	if !actual.Equal(expected) {
		return fmt.Errorf("%w: value %s after fill, expected %s", ErrSimulationInvariant, actual, expected)
	}
	return nil
}

// CancelOrder always reports false: simulated orders fill on submission.
func (e *SimulatedExchange) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	if err := e.fault("CancelOrder"); err != nil {
		return false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.orders[clientOrderID]; !ok {
		return false, NotFound("CancelOrder", clientOrderID)
	}
	return false, nil
}

// GetOrder returns a recorded order.
func (e *SimulatedExchange) GetOrder(ctx context.Context, clientOrderID string) (*models.OrderResult, error) {
	if err := e.fault("GetOrder"); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return nil, NotFound("GetOrder", clientOrderID)
	}
	copied := *o
	return &copied, nil
}

// SymbolRules returns the configured simulated instrument filters.
func (e *SimulatedExchange) SymbolRules(ctx context.Context) (models.SymbolRules, error) {
	return models.SymbolRules{
		Symbol:      e.cfg.Symbol,
		BaseAsset:   e.cfg.BaseAsset,
		QuoteAsset:  e.cfg.QuoteAsset,
		StepSize:    e.cfg.StepSize,
		MinQty:      e.cfg.StepSize,
		MinNotional: e.cfg.MinNotional,
	}, nil
}

// Trades returns a copy of the fill history.
func (e *SimulatedExchange) Trades() []SimTrade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SimTrade, len(e.trades))
	copy(out, e.trades)
	return out
}

// TotalFees returns the fees charged since the last reset.
func (e *SimulatedExchange) TotalFees() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalFees.InexactFloat64()
}

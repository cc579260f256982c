package position

import (
	"fmt"
	"sync"

	"adaptive-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// Taper maps the normalised distance to a ratio bound (1 far away, 0 at the
// bound) onto a size multiplier.
type Taper func(distance float64) float64

// LinearTaper shrinks order size linearly to zero at the bound.
func LinearTaper(distance float64) float64 {
	if distance < 0 {
		return 0
	}
	if distance > 1 {
		return 1
	}
	return distance
}

// Params are the sizing inputs, all fractions except MinTradeAmount (quote).
type Params struct {
	MaxPositionRatio    float64
	MinPositionRatio    float64
	PositionScaleFactor float64
	MinTradeAmount      float64
}

// ParamsFrom picks the sizing fields out of the runtime parameters.
func ParamsFrom(p models.TradingParams) Params {
	return Params{
		MaxPositionRatio:    p.MaxPositionRatio,
		MinPositionRatio:    p.MinPositionRatio,
		PositionScaleFactor: p.PositionScaleFactor,
		MinTradeAmount:      p.MinTradeAmount,
	}
}

// Decision is the outcome of SizeOrder. Skip is a deliberate no-trade result,
// not an error.
type Decision struct {
	Target models.PositionTarget
	Skip   bool
	Reason string
}

// Controller sizes orders under position ratio bounds.
type Controller struct {
	mu     sync.RWMutex
	params Params
	taper  Taper
}

// NewController 创建仓位控制器; a nil taper means LinearTaper.
func NewController(params Params, taper Taper) *Controller {
	if taper == nil {
		taper = LinearTaper
	}
	return &Controller{params: params, taper: taper}
}

// SetParams replaces the sizing parameters.
func (c *Controller) SetParams(params Params) {
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
}

// Params returns the current sizing parameters.
func (c *Controller) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// SizeOrder decides direction and quantity for a trigger at price.
func (c *Controller) SizeOrder(side models.Side, account models.AccountSnapshot, price float64, rules models.SymbolRules) Decision {
	p := c.Params()

	if price <= 0 {
		return skip("no valid price")
	}
	baseValue := account.BaseBalance * price
	total := baseValue + account.QuoteBalance
	if total <= 0 {
		return skip("account has no value")
	}
	ratio := baseValue / total

	var proximity float64
	switch side {
	case models.Buy:
		if ratio >= p.MaxPositionRatio {
			return skip(fmt.Sprintf("position ratio %.4f at or above max %.4f", ratio, p.MaxPositionRatio))
		}
		proximity = c.taper((p.MaxPositionRatio - ratio) / p.MaxPositionRatio)
	case models.Sell:
		if ratio <= p.MinPositionRatio {
			return skip(fmt.Sprintf("position ratio %.4f at or below min %.4f", ratio, p.MinPositionRatio))
		}
		proximity = c.taper((ratio - p.MinPositionRatio) / (1 - p.MinPositionRatio))
	default:
		return skip("no trigger")
	}

	notional := account.QuoteBalance * p.PositionScaleFactor * proximity
	if notional < p.MinTradeAmount {
		notional = p.MinTradeAmount
	}
	if side == models.Buy && notional > account.QuoteBalance {
		return skip(fmt.Sprintf("quote balance %.4f below order notional %.4f", account.QuoteBalance, notional))
	}

	qty := FloorToStep(notional/price, rules.StepSize)
	if side == models.Sell {
		if held := FloorToStep(account.BaseBalance, rules.StepSize); qty > held {
			qty = held
		}
	}
	if qty <= 0 || qty < rules.MinQty {
		return skip(fmt.Sprintf("quantity %.8f below exchange minimum", qty))
	}
	if rules.MinNotional > 0 && qty*price < rules.MinNotional {
		return skip(fmt.Sprintf("notional %.4f below exchange minimum %.4f", qty*price, rules.MinNotional))
	}

	return Decision{
		Target: models.PositionTarget{
			Side:          side,
			Quantity:      qty,
			Notional:      qty * price,
			PositionRatio: ratio,
		},
	}
}

func skip(reason string) Decision {
	return Decision{Skip: true, Reason: reason}
}

// FloorToStep 将数量向下取整到交易所步长; a non-positive step returns value unchanged.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	floored := decimal.NewFromFloat(value).Div(s).Floor().Mul(s)
	f, _ := floored.Float64()
	return f
}

package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
	None Side = "NONE"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusCreated           OrderStatus = "CREATED"
	StatusSubmitted         OrderStatus = "SUBMITTED"
	StatusPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled            OrderStatus = "FILLED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusFailed            OrderStatus = "FAILED"
	StatusPendingAtShutdown OrderStatus = "PENDING_AT_SHUTDOWN"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// CircuitState is the state of the risk circuit breaker.
type CircuitState string

const (
	CircuitActive   CircuitState = "ACTIVE"
	CircuitHalted   CircuitState = "HALTED"
	CircuitCooldown CircuitState = "COOLDOWN"
)

// GridState 描述了当前网格的中心价和上下轨
type GridState struct {
	BasePrice    float64   `json:"base_price"`
	GridSize     float64   `json:"grid_size"` // fraction, 0.02 == 2%
	UpperBand    float64   `json:"upper_band"`
	LowerBand    float64   `json:"lower_band"`
	LastRebaseAt time.Time `json:"last_rebase_at"`
}

// RiskState is owned and mutated exclusively by the risk manager.
type RiskState struct {
	PeakEquity       float64      `json:"peak_equity"`
	CurrentDrawdown  float64      `json:"current_drawdown"` // always <= 0
	DailyStartEquity float64      `json:"daily_start_equity"`
	DailyPnL         float64      `json:"daily_pnl"`
	DailyPnLRatio    float64      `json:"daily_pnl_ratio"`
	Day              string       `json:"day"` // UTC date, 2006-01-02
	Circuit          CircuitState `json:"circuit"`
	HaltedReason     string       `json:"halted_reason,omitempty"`
	HaltUntil        time.Time    `json:"halt_until"`
	LastCheckAt      time.Time    `json:"last_check_at"`
}

// Order 是一个订单在本地的完整生命周期记录
type Order struct {
	ID              string      `json:"id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	TriggerID       string      `json:"trigger_id"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"` // reference price at trigger time
	Quantity        float64     `json:"quantity"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Fee             float64     `json:"fee"`
	Status          OrderStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	LastError       string      `json:"last_error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	LastAttemptAt   time.Time   `json:"last_attempt_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrderRequest is what the tracker asks an exchange backend to execute.
type OrderRequest struct {
	ClientOrderID string
	Side          Side
	Quantity      float64
	Price         float64 // 0 for market orders
}

// OrderResult is an exchange backend's view of an order.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       float64
	AvgFillPrice    float64
	Fee             float64
}

// PositionTarget is the transient sizing decision for a trigger.
type PositionTarget struct {
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	Notional      float64 `json:"notional"`
	PositionRatio float64 `json:"position_ratio"`
}

// EngineState 定义了需要持久化和对外发布的所有关键数据
type EngineState struct {
	Version    int64           `json:"version"`
	Symbol     string          `json:"symbol"`
	Mode       TradingMode     `json:"mode"`
	Grid       GridState       `json:"grid"`
	Risk       RiskState       `json:"risk"`
	Account    AccountSnapshot `json:"account"`
	Volatility float64         `json:"volatility"`
	OpenOrders []Order         `json:"open_orders"`
	Recent     []Order         `json:"recent_orders,omitempty"`
	SavedAt    time.Time       `json:"saved_at"`
}

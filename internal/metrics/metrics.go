// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"adaptive-grid-bot/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersAttempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_orders_attempted_total", Help: "Order submission attempts sent to the exchange, retries included",
	})
	OrdersFilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_filled_total", Help: "Orders that reached FILLED",
	}, []string{"side"})
	OrdersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_failed_total", Help: "Orders that reached FAILED",
	}, []string{"reason"})
	OrderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_order_retries_total", Help: "Retries scheduled after transient exchange faults",
	})
	OrdersSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_suppressed_total", Help: "Triggers that did not produce an order",
	}, []string{"reason"})
	CircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_circuit_state", Help: "0=active, 1=halted, 2=cooldown",
	})
	CircuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_circuit_transitions_total", Help: "Circuit breaker transitions",
	}, []string{"to"})
	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_equity_quote", Help: "Account equity in quote currency",
	})
	Drawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_drawdown_ratio", Help: "Current drawdown from peak equity, <= 0",
	})
	PositionRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_position_ratio", Help: "Base asset value over total account value",
	})
	PositionRatioAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_position_ratio_alerts_total", Help: "Risk checks that found the position ratio outside its bounds",
	})
	GridSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_size_ratio", Help: "Current grid width as a fraction",
	})
	LastPrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_last_price", Help: "Last observed price",
	})
	TickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_tick_errors_total", Help: "Ticks aborted by a recovered fault",
	})
)

func init() {
	prometheus.MustRegister(
		OrdersAttempted,
		OrdersFilled,
		OrdersFailed,
		OrderRetries,
		OrdersSuppressed,
		CircuitState,
		CircuitTransitions,
		Equity,
		Drawdown,
		PositionRatio,
		PositionRatioAlerts,
		GridSize,
		LastPrice,
		TickErrors,
	)
}

// SetCircuit publishes the breaker state as a number.
func SetCircuit(state models.CircuitState) {
	switch state {
	case models.CircuitHalted:
		CircuitState.Set(1)
	case models.CircuitCooldown:
		CircuitState.Set(2)
	default:
		CircuitState.Set(0)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

package risk

import (
	"fmt"
	"sync"
	"time"

	"adaptive-grid-bot/internal/metrics"
	"adaptive-grid-bot/internal/models"

	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// Params are the circuit breaker thresholds. Drawdown and loss limits are
// negative fractions.
type Params struct {
	MaxDrawdown      float64
	DailyLossLimit   float64
	SafetyMargin     float64
	Cooldown         time.Duration
	MinPositionRatio float64
	MaxPositionRatio float64
}

// ParamsFrom picks the risk fields out of the runtime parameters.
func ParamsFrom(p models.TradingParams) Params {
	return Params{
		MaxDrawdown:      p.MaxDrawdown,
		DailyLossLimit:   p.DailyLossLimit,
		SafetyMargin:     p.SafetyMargin,
		Cooldown:         p.Cooldown,
		MinPositionRatio: p.MinPositionRatio,
		MaxPositionRatio: p.MaxPositionRatio,
	}
}

// Transition records one circuit breaker state change.
type Transition struct {
	From   models.CircuitState
	To     models.CircuitState
	Reason string
	At     time.Time
}

// Manager owns RiskState. Nothing else mutates it.
type Manager struct {
	mu     sync.RWMutex
	state  models.RiskState
	params Params
	logger *zap.Logger
}

// NewManager 创建风控管理器
func NewManager(params Params, logger *zap.Logger) *Manager {
	return &Manager{
		params: params,
		state:  models.RiskState{Circuit: models.CircuitActive},
		logger: logger,
	}
}

// Restore replaces the state with a persisted one.
func (m *Manager) Restore(state models.RiskState) {
	if state.Circuit == "" {
		state.Circuit = models.CircuitActive
	}
	// A process that died between the two halt steps resumes in cooldown.
	if state.Circuit == models.CircuitHalted {
		state.Circuit = models.CircuitCooldown
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	metrics.SetCircuit(state.Circuit)
}

// SetParams replaces thresholds; they apply from the next evaluation.
func (m *Manager) SetParams(params Params) {
	m.mu.Lock()
	m.params = params
	m.mu.Unlock()
}

// State returns a copy of the current risk state.
func (m *Manager) State() models.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Allowing reports whether new orders may be placed.
func (m *Manager) Allowing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Circuit == models.CircuitActive
}

// Evaluate updates equity tracking from an account snapshot and advances the
// circuit breaker. It returns the new state and the transitions it made.
func (m *Manager) Evaluate(account models.AccountSnapshot, now time.Time) (models.RiskState, []Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := account.Equity
	now = now.UTC()
	today := now.Format(dayLayout)
	s := &m.state

	if s.Day == "" {
		s.PeakEquity = equity
		s.DailyStartEquity = equity
		s.Day = today
		if s.Circuit == "" {
			s.Circuit = models.CircuitActive
		}
	}
	if s.Day != today {
		m.logger.Info("UTC day rolled over, resetting daily PnL",
			zap.String("previousDay", s.Day),
			zap.String("day", today),
			zap.Float64("previousDailyPnL", s.DailyPnL),
			zap.Float64("dailyStartEquity", equity))
		s.Day = today
		s.DailyStartEquity = equity
		s.DailyPnL = 0
		s.DailyPnLRatio = 0
	}

	if equity > s.PeakEquity {
		s.PeakEquity = equity
	}
	s.CurrentDrawdown = 0
	if s.PeakEquity > 0 && equity < s.PeakEquity {
		s.CurrentDrawdown = (equity - s.PeakEquity) / s.PeakEquity
	}
	s.DailyPnL = equity - s.DailyStartEquity
	s.DailyPnLRatio = 0
	if s.DailyStartEquity > 0 {
		s.DailyPnLRatio = s.DailyPnL / s.DailyStartEquity
	}
	s.LastCheckAt = now

	var transitions []Transition
	move := func(to models.CircuitState, reason string) {
		transitions = append(transitions, Transition{From: s.Circuit, To: to, Reason: reason, At: now})
		s.Circuit = to
	}

	switch s.Circuit {
	case models.CircuitActive:
		reason := ""
		if s.CurrentDrawdown <= m.params.MaxDrawdown {
			reason = fmt.Sprintf("drawdown %.4f breached max drawdown %.4f", s.CurrentDrawdown, m.params.MaxDrawdown)
		} else if s.DailyPnLRatio <= m.params.DailyLossLimit {
			reason = fmt.Sprintf("daily PnL %.4f breached daily loss limit %.4f", s.DailyPnLRatio, m.params.DailyLossLimit)
		}
		if reason != "" {
			move(models.CircuitHalted, reason)
			s.HaltedReason = reason
			s.HaltUntil = now.Add(m.params.Cooldown)
			move(models.CircuitCooldown, "cooldown started")
		}
	case models.CircuitHalted:
		s.HaltUntil = now.Add(m.params.Cooldown)
		move(models.CircuitCooldown, "cooldown started")
	case models.CircuitCooldown:
		resumeAbove := m.params.MaxDrawdown * m.params.SafetyMargin
		if !now.Before(s.HaltUntil) && s.CurrentDrawdown > resumeAbove {
			move(models.CircuitActive, fmt.Sprintf("drawdown %.4f recovered above %.4f", s.CurrentDrawdown, resumeAbove))
			s.HaltedReason = ""
		}
	}

	if account.Equity > 0 && (account.PositionRatio > m.params.MaxPositionRatio || account.PositionRatio < m.params.MinPositionRatio) {
		metrics.PositionRatioAlerts.Inc()
		m.logger.Warn("Position ratio outside configured bounds",
			zap.Float64("positionRatio", account.PositionRatio),
			zap.Float64("min", m.params.MinPositionRatio),
			zap.Float64("max", m.params.MaxPositionRatio))
	}

	for _, t := range transitions {
		metrics.CircuitTransitions.WithLabelValues(string(t.To)).Inc()
		m.logger.Warn("Circuit breaker transition",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("reason", t.Reason),
			zap.Time("haltUntil", s.HaltUntil))
	}
	metrics.SetCircuit(s.Circuit)
	metrics.Equity.Set(equity)
	metrics.Drawdown.Set(s.CurrentDrawdown)

	return *s, transitions
}

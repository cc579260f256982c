package risk

import (
	"testing"
	"time"

	"adaptive-grid-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testParams() Params {
	return Params{
		MaxDrawdown:      -0.15,
		DailyLossLimit:   -0.05,
		SafetyMargin:     0.95,
		Cooldown:         60 * time.Second,
		MinPositionRatio: 0.1,
		MaxPositionRatio: 0.9,
	}
}

func equity(v float64) models.AccountSnapshot {
	return models.AccountSnapshot{Equity: v, QuoteBalance: v / 2, PositionRatio: 0.5}
}

func TestDrawdownBreachHaltsThenCoolsDown(t *testing.T) {
	params := testParams()
	// Keep the daily limit out of the way so only drawdown fires.
	params.DailyLossLimit = -0.5
	m := NewManager(params, zap.NewNop())
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Evaluate(equity(1000), now)
	state, transitions := m.Evaluate(equity(840), now.Add(time.Minute))

	assert.InDelta(t, -0.16, state.CurrentDrawdown, 1e-9)
	require.Len(t, transitions, 2)
	assert.Equal(t, models.CircuitActive, transitions[0].From)
	assert.Equal(t, models.CircuitHalted, transitions[0].To)
	assert.Equal(t, models.CircuitHalted, transitions[1].From)
	assert.Equal(t, models.CircuitCooldown, transitions[1].To)
	assert.Equal(t, models.CircuitCooldown, state.Circuit)
	assert.Contains(t, state.HaltedReason, "drawdown")
	assert.Equal(t, now.Add(time.Minute).Add(60*time.Second), state.HaltUntil)
	assert.False(t, m.Allowing())
}

func TestDailyLossBreachHalts(t *testing.T) {
	m := NewManager(testParams(), zap.NewNop())
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Evaluate(equity(1000), now)
	state, transitions := m.Evaluate(equity(940), now.Add(time.Minute))

	require.NotEmpty(t, transitions)
	assert.Equal(t, models.CircuitCooldown, state.Circuit)
	assert.Contains(t, state.HaltedReason, "daily")
	assert.InDelta(t, -0.06, state.DailyPnLRatio, 1e-9)
}

func TestCooldownRequiresTimeAndRecovery(t *testing.T) {
	params := testParams()
	params.DailyLossLimit = -0.9
	m := NewManager(params, zap.NewNop())
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Evaluate(equity(1000), now)
	m.Evaluate(equity(840), now)

	// Cooldown not over yet even though equity recovered.
	state, _ := m.Evaluate(equity(990), now.Add(30*time.Second))
	assert.Equal(t, models.CircuitCooldown, state.Circuit)

	// Cooldown over but drawdown still at -0.145 <= -0.1425.
	state, _ = m.Evaluate(equity(855), now.Add(2*time.Minute))
	assert.Equal(t, models.CircuitCooldown, state.Circuit)

	// Both satisfied.
	state, transitions := m.Evaluate(equity(870), now.Add(3*time.Minute))
	assert.Equal(t, models.CircuitActive, state.Circuit)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.CircuitActive, transitions[0].To)
	assert.Empty(t, state.HaltedReason)
	assert.True(t, m.Allowing())
}

func TestPeakEquityIsNonDecreasing(t *testing.T) {
	m := NewManager(testParams(), zap.NewNop())
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	peak := 0.0
	for i, v := range []float64{1000, 1010, 995, 1200, 900, 1100, 1300, 1250} {
		state, _ := m.Evaluate(equity(v), now.Add(time.Duration(i)*time.Hour))
		assert.GreaterOrEqual(t, state.PeakEquity, peak)
		assert.LessOrEqual(t, state.CurrentDrawdown, 0.0)
		peak = state.PeakEquity
	}
	assert.Equal(t, 1300.0, peak)
}

func TestMidnightResetsDailyButNotDrawdown(t *testing.T) {
	params := testParams()
	params.DailyLossLimit = -0.5
	params.MaxDrawdown = -0.5
	m := NewManager(params, zap.NewNop())
	before := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)

	m.Evaluate(equity(1000), before)
	pre, _ := m.Evaluate(equity(950), before.Add(30*time.Second))
	require.InDelta(t, -50.0, pre.DailyPnL, 1e-9)

	post, _ := m.Evaluate(equity(950), before.Add(2*time.Minute))

	assert.Equal(t, "2024-03-02", post.Day)
	assert.Equal(t, 950.0, post.DailyStartEquity)
	assert.Equal(t, 0.0, post.DailyPnL)
	assert.Equal(t, 1000.0, post.PeakEquity)
	assert.InDelta(t, pre.CurrentDrawdown, post.CurrentDrawdown, 1e-12)
}

func TestDayBoundaryUsesUTC(t *testing.T) {
	m := NewManager(testParams(), zap.NewNop())
	loc := time.FixedZone("UTC+8", 8*3600)

	// 07:00 local on the 2nd is 23:00 UTC on the 1st.
	state, _ := m.Evaluate(equity(1000), time.Date(2024, 3, 2, 7, 0, 0, 0, loc))

	assert.Equal(t, "2024-03-01", state.Day)
}

func TestRestoreResumesHaltedAsCooldown(t *testing.T) {
	m := NewManager(testParams(), zap.NewNop())

	m.Restore(models.RiskState{PeakEquity: 1000, Circuit: models.CircuitHalted, Day: "2024-03-01"})

	assert.Equal(t, models.CircuitCooldown, m.State().Circuit)
	assert.False(t, m.Allowing())
}

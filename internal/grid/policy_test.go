package grid

import (
	"testing"
	"time"

	"adaptive-grid-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeAlwaysWithinBounds(t *testing.T) {
	bounds := [][2]float64{{0.01, 0.04}, {0.005, 0.005}, {0.02, 0.1}}
	buckets := []float64{-1, 0, 0.001, 0.01, 0.025, 0.04, 0.5, 10}

	for _, b := range bounds {
		p := NewPolicy(b[0], b[1])
		for _, bucket := range buckets {
			got := p.Recompute(bucket)
			assert.GreaterOrEqual(t, got, b[0])
			assert.LessOrEqual(t, got, b[1])
		}
	}
}

func TestBandsAtTwoPercent(t *testing.T) {
	lower, upper := Bands(600, 0.02)

	assert.InDelta(t, 594.0, lower, 1e-9)
	assert.InDelta(t, 606.0, upper, 1e-9)
}

func TestCheckTrigger(t *testing.T) {
	state := NewPolicy(0.01, 0.04).Build(600, 0.02, time.Now())

	assert.Equal(t, models.Sell, CheckTrigger(606, state))
	assert.Equal(t, models.Sell, CheckTrigger(700, state))
	assert.Equal(t, models.Buy, CheckTrigger(594, state))
	assert.Equal(t, models.Buy, CheckTrigger(500, state))
	assert.Equal(t, models.None, CheckTrigger(600, state))
	assert.Equal(t, models.None, CheckTrigger(605.99, state))
}

func TestRebaseKeepsBandsAroundBase(t *testing.T) {
	p := NewPolicy(0.01, 0.04)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, price := range []float64{0.0001, 1, 606, 65000, 1e7} {
		for _, bucket := range []float64{0, 0.02, 0.5} {
			state := p.Rebase(price, bucket, now)
			require.NoError(t, p.Validate(state))
			assert.Equal(t, price, state.BasePrice)
			assert.Equal(t, now, state.LastRebaseAt)
		}
	}
}

func TestRefreshKeepsBase(t *testing.T) {
	p := NewPolicy(0.01, 0.04)
	state := p.Build(600, 0.02, time.Now())

	refreshed := p.Refresh(state, 0.04)

	assert.Equal(t, 600.0, refreshed.BasePrice)
	assert.Equal(t, 0.04, refreshed.GridSize)
	assert.InDelta(t, 612.0, refreshed.UpperBand, 1e-9)
	assert.Equal(t, state.LastRebaseAt, refreshed.LastRebaseAt)
}

func TestValidateRejectsBrokenState(t *testing.T) {
	p := NewPolicy(0.01, 0.04)

	assert.Error(t, p.Validate(models.GridState{BasePrice: 600, GridSize: 0.05, LowerBand: 585, UpperBand: 615}))
	assert.Error(t, p.Validate(models.GridState{BasePrice: 600, GridSize: 0.02, LowerBand: 600, UpperBand: 606}))
}

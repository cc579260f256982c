package grid

import (
	"fmt"
	"time"

	"adaptive-grid-bot/internal/models"
)

// Policy computes grid width and bands. Grid sizes are fractions.
type Policy struct {
	MinGrid float64
	MaxGrid float64
}

// NewPolicy 创建网格策略
func NewPolicy(minGrid, maxGrid float64) Policy {
	return Policy{MinGrid: minGrid, MaxGrid: maxGrid}
}

// Recompute clamps a volatility bucket into [MinGrid, MaxGrid].
func (p Policy) Recompute(bucket float64) float64 {
	if bucket < p.MinGrid {
		return p.MinGrid
	}
	if bucket > p.MaxGrid {
		return p.MaxGrid
	}
	return bucket
}

// Bands returns base × (1 ∓ grid/2). grid is the full band width, so each side
// gets half of it.
func Bands(base, grid float64) (lower, upper float64) {
	half := grid / 2
	return base * (1 - half), base * (1 + half)
}

// bandTolerance absorbs float rounding when a price lands exactly on a band.
const bandTolerance = 1e-9

// CheckTrigger returns Buy at or below the lower band, Sell at or above the
// upper band and None in between.
func CheckTrigger(price float64, state models.GridState) models.Side {
	switch {
	case price <= state.LowerBand*(1+bandTolerance):
		return models.Buy
	case price >= state.UpperBand*(1-bandTolerance):
		return models.Sell
	default:
		return models.None
	}
}

// Build centres a new grid on base.
func (p Policy) Build(base, bucket float64, at time.Time) models.GridState {
	size := p.Recompute(bucket)
	lower, upper := Bands(base, size)
	return models.GridState{
		BasePrice:    base,
		GridSize:     size,
		LowerBand:    lower,
		UpperBand:    upper,
		LastRebaseAt: at,
	}
}

// Refresh recomputes width and bands around the existing base without moving it.
func (p Policy) Refresh(state models.GridState, bucket float64) models.GridState {
	size := p.Recompute(bucket)
	state.GridSize = size
	state.LowerBand, state.UpperBand = Bands(state.BasePrice, size)
	return state
}

// Rebase moves the base to the fill price and recomputes the grid from the
// latest bucket.
func (p Policy) Rebase(fillPrice, bucket float64, at time.Time) models.GridState {
	return p.Build(fillPrice, bucket, at)
}

// Validate checks the grid invariants.
func (p Policy) Validate(state models.GridState) error {
	if state.GridSize < p.MinGrid || state.GridSize > p.MaxGrid {
		return fmt.Errorf("grid size %.6f outside [%.6f, %.6f]", state.GridSize, p.MinGrid, p.MaxGrid)
	}
	if !(state.LowerBand < state.BasePrice && state.BasePrice < state.UpperBand) {
		return fmt.Errorf("bands not around base: lower=%.8f base=%.8f upper=%.8f",
			state.LowerBand, state.BasePrice, state.UpperBand)
	}
	return nil
}

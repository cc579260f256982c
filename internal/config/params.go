package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"adaptive-grid-bot/internal/models"
)

// PercentToFraction is the only place a percent value becomes a fraction.
func PercentToFraction(pct float64) float64 {
	return pct / 100
}

// Params builds the runtime parameter set from a validated config.
func Params(c *models.Config) models.TradingParams {
	table := make([]models.VolatilityBucket, 0, len(c.VolatilityTable))
	for _, r := range c.VolatilityTable {
		table = append(table, models.VolatilityBucket{
			Lower: r.Lower,
			Upper: r.Upper,
			Grid:  PercentToFraction(r.Grid),
		})
	}

	return models.TradingParams{
		MinTradeAmount:      c.MinTradeAmount,
		InitialGrid:         PercentToFraction(c.InitialGridPct),
		MinGrid:             PercentToFraction(c.MinGridPct),
		MaxGrid:             PercentToFraction(c.MaxGridPct),
		VolatilityTable:     table,
		MaxPositionRatio:    c.MaxPositionRatio,
		MinPositionRatio:    c.MinPositionRatio,
		PositionScaleFactor: c.PositionScaleFactor,
		MaxDrawdown:         c.MaxDrawdown,
		DailyLossLimit:      c.DailyLossLimit,
		RiskFactor:          c.RiskFactor,
		RiskCheckInterval:   time.Duration(c.RiskCheckIntervalSec) * time.Second,
		MaxRetries:          c.MaxRetries,
		VolatilityWindow:    time.Duration(c.VolatilityWindowHours) * time.Hour,
		Cooldown:            time.Duration(c.CooldownSec) * time.Second,
		SafetyMargin:        c.SafetyMargin,
	}
}

// ParamsUpdate is a partial reconfiguration issued through the control API.
// Grid sizes are in percent, like the config file.
type ParamsUpdate struct {
	MinGridPct          *float64 `json:"min_grid_size,omitempty"`
	MaxGridPct          *float64 `json:"max_grid_size,omitempty"`
	MaxPositionRatio    *float64 `json:"max_position_ratio,omitempty"`
	MinPositionRatio    *float64 `json:"min_position_ratio,omitempty"`
	PositionScaleFactor *float64 `json:"position_scale_factor,omitempty"`
	MaxDrawdown         *float64 `json:"max_drawdown,omitempty"`
	DailyLossLimit      *float64 `json:"daily_loss_limit,omitempty"`
	RiskFactor          *float64 `json:"risk_factor,omitempty"`
	MinTradeAmount      *float64 `json:"min_trade_amount,omitempty"`
}

// Apply returns a copy of cfg with the update applied and validated.
// cfg itself is never modified.
func (u ParamsUpdate) Apply(cfg *models.Config) (*models.Config, error) {
	next := *cfg
	next.VolatilityTable = append([]models.VolatilityRange(nil), cfg.VolatilityTable...)

	assign := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&next.MinGridPct, u.MinGridPct)
	assign(&next.MaxGridPct, u.MaxGridPct)
	assign(&next.MaxPositionRatio, u.MaxPositionRatio)
	assign(&next.MinPositionRatio, u.MinPositionRatio)
	assign(&next.PositionScaleFactor, u.PositionScaleFactor)
	assign(&next.MaxDrawdown, u.MaxDrawdown)
	assign(&next.DailyLossLimit, u.DailyLossLimit)
	assign(&next.RiskFactor, u.RiskFactor)
	assign(&next.MinTradeAmount, u.MinTradeAmount)

	// Keep the initial grid inside a narrowed range instead of rejecting the update.
	if next.InitialGridPct < next.MinGridPct {
		next.InitialGridPct = next.MinGridPct
	}
	if next.InitialGridPct > next.MaxGridPct {
		next.InitialGridPct = next.MaxGridPct
	}

	if err := Validate(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// LoadCredentials 从环境变量加载API密钥
func LoadCredentials(c *models.Config) {
	c.APIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	c.SecretKey = strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY"))
}

var placeholderKeys = []string{"your_api_key", "your_secret_key", "xxx", "changeme", "placeholder"}

// HasLiveCredentials reports whether the configured keys look like real ones.
func HasLiveCredentials(c *models.Config) bool {
	return looksReal(c.APIKey) && looksReal(c.SecretKey)
}

func looksReal(key string) bool {
	if len(key) <= 20 {
		return false
	}
	lower := strings.ToLower(key)
	for _, p := range placeholderKeys {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// ResolveMode turns "auto" into a concrete backend choice.
// Asking for live without credentials is a configuration fault.
func ResolveMode(c *models.Config) (models.TradingMode, error) {
	switch c.TradingMode {
	case models.ModeSimulation:
		return models.ModeSimulation, nil
	case models.ModeLive:
		if !HasLiveCredentials(c) {
			return "", fmt.Errorf("%w: live mode requires BINANCE_API_KEY and BINANCE_SECRET_KEY", ErrInvalidConfig)
		}
		return models.ModeLive, nil
	case models.ModeAuto, "":
		if HasLiveCredentials(c) {
			return models.ModeLive, nil
		}
		return models.ModeSimulation, nil
	default:
		return "", fmt.Errorf("%w: unknown trading mode %q", ErrInvalidConfig, c.TradingMode)
	}
}

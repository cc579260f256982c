package config

import (
	"adaptive-grid-bot/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks every configuration fault. It is only returned at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoadConfig 从指定路径加载配置文件并解析到Config结构体中
// .yaml/.yml files are decoded with yaml.v3, everything else as JSON.
// Defaults are applied and the result is validated.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := NewConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(config)
	default:
		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		err = decoder.Decode(config)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidConfig, path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// NewConfig returns a config seeded with the defaults whose zero value is a
// valid setting. Decoding on top of it keeps an explicit 0 from the file.
func NewConfig() *models.Config {
	return &models.Config{MinPositionRatio: 0.1}
}

// ApplyDefaults fills zero values with the stock trading parameters.
// min_position_ratio is not touched here: 0 is a valid lower bound, and its
// default comes from NewConfig.
func ApplyDefaults(c *models.Config) {
	if c.TradingMode == "" {
		c.TradingMode = models.ModeAuto
	}
	setFloat(&c.MinTradeAmount, 20)
	setFloat(&c.InitialGridPct, 2.0)
	setFloat(&c.MinGridPct, 1.0)
	setFloat(&c.MaxGridPct, 4.0)
	if len(c.VolatilityTable) == 0 {
		c.VolatilityTable = DefaultVolatilityTable()
	}
	setFloat(&c.MaxPositionRatio, 0.9)
	setFloat(&c.PositionScaleFactor, 0.2)
	setFloat(&c.MaxDrawdown, -0.15)
	setFloat(&c.DailyLossLimit, -0.05)
	setFloat(&c.RiskFactor, 0.1)
	setInt(&c.RiskCheckIntervalSec, 300)
	setInt(&c.MaxRetries, 5)
	setInt(&c.VolatilityWindowHours, 24)
	setInt(&c.CooldownSec, 60)
	setFloat(&c.SafetyMargin, 0.95)
	setInt(&c.TickIntervalMs, 1000)
	setInt(&c.DrainTimeoutSec, 15)
	setInt(&c.OrderThrottleLimit, 10)
	setInt(&c.OrderThrottleWindowSec, 60)
	setFloat(&c.StepSize, 0.001)
	if c.WSBaseURL == "" {
		c.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if c.StateDBPath == "" {
		c.StateDBPath = "data/state"
	}
	if c.JournalPath == "" {
		c.JournalPath = "data/journal.db"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// DefaultVolatilityTable returns the stock volatility to grid table, grids in percent.
func DefaultVolatilityTable() []models.VolatilityRange {
	return []models.VolatilityRange{
		{Lower: 0, Upper: 0.20, Grid: 1.0},
		{Lower: 0.20, Upper: 0.40, Grid: 1.5},
		{Lower: 0.40, Upper: 0.60, Grid: 2.0},
		{Lower: 0.60, Upper: 0.80, Grid: 2.5},
		{Lower: 0.80, Upper: 1.00, Grid: 3.0},
		{Lower: 1.00, Upper: 1.20, Grid: 3.5},
		{Lower: 1.20, Upper: 999, Grid: 4.0},
	}
}

// Validate checks every field the engine depends on.
func Validate(c *models.Config) error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Symbol == "" {
		fail("symbol is required")
	}
	if c.BaseAsset == "" || c.QuoteAsset == "" {
		fail("base_asset and quote_asset are required")
	}
	switch c.TradingMode {
	case models.ModeAuto, models.ModeSimulation, models.ModeLive:
	default:
		fail("trading_mode %q must be one of auto, simulation, live", c.TradingMode)
	}
	if c.InitialPrincipal < 0 || c.InitialBaseBalance < 0 {
		fail("initial balances must not be negative")
	}
	if c.InitialBasePrice < 0 {
		fail("initial_base_price must not be negative")
	}
	if c.MinTradeAmount <= 0 {
		fail("min_trade_amount must be positive")
	}
	if c.MinGridPct <= 0 || c.MaxGridPct >= 100 {
		fail("grid sizes must be within (0, 100) percent")
	}
	if c.MinGridPct > c.MaxGridPct {
		fail("min_grid_size %.4f exceeds max_grid_size %.4f", c.MinGridPct, c.MaxGridPct)
	}
	if c.InitialGridPct < c.MinGridPct || c.InitialGridPct > c.MaxGridPct {
		fail("initial_grid %.4f outside [%.4f, %.4f]", c.InitialGridPct, c.MinGridPct, c.MaxGridPct)
	}
	if err := validateTable(c.VolatilityTable); err != nil {
		fail("%v", err)
	}
	if c.MinPositionRatio < 0 || c.MaxPositionRatio > 1 || c.MinPositionRatio >= c.MaxPositionRatio {
		fail("position ratios must satisfy 0 <= min < max <= 1")
	}
	if c.PositionScaleFactor <= 0 || c.PositionScaleFactor > 1 {
		fail("position_scale_factor must be within (0, 1]")
	}
	if c.MaxDrawdown >= 0 || c.MaxDrawdown <= -1 {
		fail("max_drawdown must be a negative fraction greater than -1")
	}
	if c.DailyLossLimit >= 0 || c.DailyLossLimit <= -1 {
		fail("daily_loss_limit must be a negative fraction greater than -1")
	}
	if c.RiskFactor < 0 || c.RiskFactor > 1 {
		fail("risk_factor must be within [0, 1]")
	}
	if c.RiskCheckIntervalSec <= 0 {
		fail("risk_check_interval must be positive")
	}
	if c.MaxRetries < 0 {
		fail("max_retries must not be negative")
	}
	if c.VolatilityWindowHours <= 0 {
		fail("volatility_window must be positive")
	}
	if c.CooldownSec < 0 {
		fail("cooldown must not be negative")
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		fail("safety_margin must be within (0, 1]")
	}
	if c.FeeRate < 0 || c.SlippageRate < 0 || c.StepSize <= 0 {
		fail("fee_rate and slippage_rate must not be negative and step_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func validateTable(table []models.VolatilityRange) error {
	for i, r := range table {
		if r.Upper <= r.Lower {
			return fmt.Errorf("volatility_table[%d]: upper %.4f must exceed lower %.4f", i, r.Upper, r.Lower)
		}
		if r.Grid <= 0 {
			return fmt.Errorf("volatility_table[%d]: grid must be positive", i)
		}
		if i > 0 && r.Lower < table[i-1].Upper {
			return fmt.Errorf("volatility_table[%d]: ranges must be ordered and not overlap", i)
		}
	}
	return nil
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

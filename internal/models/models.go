package models

import "time"

// TradingMode selects which exchange backend the engine runs against.
type TradingMode string

const (
	ModeAuto       TradingMode = "auto"
	ModeSimulation TradingMode = "simulation"
	ModeLive       TradingMode = "live"
)

// Config 结构体定义了机器人的所有配置参数
// Percent-valued fields (grid sizes, volatility table grids) are converted to
// fractions exactly once by config.Params.
type Config struct {
	Symbol      string      `json:"symbol" yaml:"symbol"`             // 交易对，如 "BNBUSDT"
	BaseAsset   string      `json:"base_asset" yaml:"base_asset"`     // e.g. "BNB"
	QuoteAsset  string      `json:"quote_asset" yaml:"quote_asset"`   // e.g. "USDT"
	TradingMode TradingMode `json:"trading_mode" yaml:"trading_mode"` // auto, simulation or live
	IsTestnet   bool        `json:"is_testnet" yaml:"is_testnet"`

	InitialPrincipal   float64 `json:"initial_principal" yaml:"initial_principal"`       // quote seed of the simulated ledger
	InitialBaseBalance float64 `json:"initial_base_balance" yaml:"initial_base_balance"` // base seed of the simulated ledger
	InitialBasePrice   float64 `json:"initial_base_price" yaml:"initial_base_price"`     // 0 means use the first observed price
	MinTradeAmount     float64 `json:"min_trade_amount" yaml:"min_trade_amount"`         // minimum order notional in quote

	InitialGridPct  float64           `json:"initial_grid" yaml:"initial_grid"`
	MinGridPct      float64           `json:"min_grid_size" yaml:"min_grid_size"`
	MaxGridPct      float64           `json:"max_grid_size" yaml:"max_grid_size"`
	VolatilityTable []VolatilityRange `json:"volatility_table" yaml:"volatility_table"`

	MaxPositionRatio    float64 `json:"max_position_ratio" yaml:"max_position_ratio"`
	MinPositionRatio    float64 `json:"min_position_ratio" yaml:"min_position_ratio"`
	PositionScaleFactor float64 `json:"position_scale_factor" yaml:"position_scale_factor"`

	MaxDrawdown          float64 `json:"max_drawdown" yaml:"max_drawdown"`         // negative fraction, e.g. -0.15
	DailyLossLimit       float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"` // negative fraction, e.g. -0.05
	RiskFactor           float64 `json:"risk_factor" yaml:"risk_factor"`
	RiskCheckIntervalSec int     `json:"risk_check_interval" yaml:"risk_check_interval"`

	MaxRetries            int     `json:"max_retries" yaml:"max_retries"`
	VolatilityWindowHours int     `json:"volatility_window" yaml:"volatility_window"`
	CooldownSec           int     `json:"cooldown" yaml:"cooldown"`
	SafetyMargin          float64 `json:"safety_margin" yaml:"safety_margin"`

	TickIntervalMs         int `json:"tick_interval_ms" yaml:"tick_interval_ms"`     // polling cadence when no stream is available
	DrainTimeoutSec        int `json:"drain_timeout_sec" yaml:"drain_timeout_sec"`   // bounded wait for in-flight orders at shutdown
	OrderThrottleLimit     int `json:"order_throttle_limit" yaml:"order_throttle_limit"`
	OrderThrottleWindowSec int `json:"order_throttle_window_sec" yaml:"order_throttle_window_sec"`
	WarmupKlines           int `json:"warmup_klines" yaml:"warmup_klines"` // hourly klines used to seed the volatility window

	// 模拟盘配置
	FeeRate      float64 `json:"fee_rate" yaml:"fee_rate"`           // 手续费率
	SlippageRate float64 `json:"slippage_rate" yaml:"slippage_rate"` // 滑点率
	StepSize     float64 `json:"step_size" yaml:"step_size"`         // lot step of the simulated instrument
	MinNotional  float64 `json:"min_notional" yaml:"min_notional"`

	WSBaseURL   string `json:"ws_base_url" yaml:"ws_base_url"`
	StateDBPath string `json:"state_db_path" yaml:"state_db_path"` // BadgerDB directory
	JournalPath string `json:"journal_path" yaml:"journal_path"`   // SQLite order journal
	APIListen   string `json:"api_listen" yaml:"api_listen"`       // empty disables the control API

	LogConfig LogConfig `json:"log" yaml:"log"`

	// Credentials are never read from the config file.
	APIKey    string `json:"-" yaml:"-"`
	SecretKey string `json:"-" yaml:"-"`
}

// VolatilityRange is one row of the volatility to grid table, [Lower, Upper).
type VolatilityRange struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
	Grid  float64 `json:"grid" yaml:"grid"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// TradingParams is the runtime parameter set. Every ratio and grid size is a
// fraction in [0,1]; durations are already converted.
type TradingParams struct {
	MinTradeAmount float64 `json:"min_trade_amount"`

	InitialGrid     float64            `json:"initial_grid"`
	MinGrid         float64            `json:"min_grid"`
	MaxGrid         float64            `json:"max_grid"`
	VolatilityTable []VolatilityBucket `json:"volatility_table"`

	MaxPositionRatio    float64 `json:"max_position_ratio"`
	MinPositionRatio    float64 `json:"min_position_ratio"`
	PositionScaleFactor float64 `json:"position_scale_factor"`

	MaxDrawdown       float64       `json:"max_drawdown"`
	DailyLossLimit    float64       `json:"daily_loss_limit"`
	RiskFactor        float64       `json:"risk_factor"`
	RiskCheckInterval time.Duration `json:"risk_check_interval"`

	MaxRetries       int           `json:"max_retries"`
	VolatilityWindow time.Duration `json:"volatility_window"`
	Cooldown         time.Duration `json:"cooldown"`
	SafetyMargin     float64       `json:"safety_margin"`
}

// VolatilityBucket maps a volatility ratio range [Lower, Upper) to a grid fraction.
type VolatilityBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Grid  float64 `json:"grid"`
}

// SymbolRules holds the exchange trading filters the engine must respect.
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	StepSize    float64 `json:"step_size"`
	TickSize    float64 `json:"tick_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}

// PriceSample is a single observed price.
type PriceSample struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// AccountSnapshot is the latest known balance picture.
type AccountSnapshot struct {
	QuoteBalance  float64   `json:"quote_balance"`
	BaseBalance   float64   `json:"base_balance"`
	LastPrice     float64   `json:"last_price"`
	Equity        float64   `json:"equity"`
	PositionRatio float64   `json:"position_ratio"`
	TakenAt       time.Time `json:"taken_at"`
}

// NewAccountSnapshot derives equity and position ratio from raw balances.
func NewAccountSnapshot(quote, base, price float64, at time.Time) AccountSnapshot {
	baseValue := base * price
	equity := quote + baseValue
	ratio := 0.0
	if equity > 0 {
		ratio = baseValue / equity
	}
	return AccountSnapshot{
		QuoteBalance:  quote,
		BaseBalance:   base,
		LastPrice:     price,
		Equity:        equity,
		PositionRatio: ratio,
		TakenAt:       at,
	}
}

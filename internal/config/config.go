package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	TradingEngine TradingEngineConfig       `mapstructure:"trading_engine"`
	Spread        SpreadConfig              `mapstructure:"spread"`
	Rollback      RollbackConfig            `mapstructure:"rollback"`
	Redis         RedisConfig               `mapstructure:"redis"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Venues        map[string]VenueConfig    `mapstructure:"venues"`
	Fees          map[string]FeeConfig      `mapstructure:"fees"`
	Slippage      map[string]SlippageConfig `mapstructure:"slippage"`
}

// TradingEngineConfig defines the engine, router, and execution settings.
type TradingEngineConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	MinSpreadThreshold     float64 `mapstructure:"min_spread_threshold"`
	MinProfitThreshold     float64 `mapstructure:"min_profit_threshold"`
	MaxConcurrentTrades    int     `mapstructure:"max_concurrent_trades"`
	MaxQueueSize           int     `mapstructure:"max_queue_size"`
	WorkerCount            int     `mapstructure:"worker_count"`
	ExecutionTimeoutMS     int     `mapstructure:"execution_timeout_ms"`
	OrderTimeoutMS         int     `mapstructure:"order_timeout_ms"`
	PollIntervalMS         int     `mapstructure:"poll_interval_ms"`
	CancelGraceMS          int     `mapstructure:"cancel_grace_ms"`
	DrainTimeoutMS         int     `mapstructure:"drain_timeout_ms"`
	MaxRetryAttempts       int     `mapstructure:"max_retry_attempts"`
	RetryDelayMS           int     `mapstructure:"retry_delay_ms"`
	SlippageTolerance      float64 `mapstructure:"slippage_tolerance"`
	FeeBuffer              float64 `mapstructure:"fee_buffer"`
	OpportunityValidityMS  int     `mapstructure:"opportunity_validity_ms"`
	MaxPositionSize        float64 `mapstructure:"max_position_size"`
	EnablePaperTrading     bool    `mapstructure:"enable_paper_trading"`
	EnableRollback         bool    `mapstructure:"enable_rollback_on_failure"`
	PaperSyntheticSlippage float64 `mapstructure:"paper_synthetic_slippage"`
}

// ExecutionTimeout returns the aggregate two-leg deadline.
func (c TradingEngineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMS) * time.Millisecond
}

// OrderTimeout returns the per-order deadline.
func (c TradingEngineConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMS) * time.Millisecond
}

// PollInterval returns the order-status polling cadence.
func (c TradingEngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CancelGrace returns the window granted to a cancel acknowledgement.
func (c TradingEngineConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// DrainTimeout returns how long Stop waits for active trades.
func (c TradingEngineConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// RetryDelay returns the base backoff between placement retries.
func (c TradingEngineConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// OpportunityValidity returns how long an emitted opportunity stays valid.
func (c TradingEngineConfig) OpportunityValidity() time.Duration {
	return time.Duration(c.OpportunityValidityMS) * time.Millisecond
}

// SpreadConfig defines spread-calculator settings.
type SpreadConfig struct {
	HardQuantityCap   float64 `mapstructure:"hard_quantity_cap"`
	VolumeFraction    float64 `mapstructure:"volume_fraction"`
	MaxTickerAgeMS    int     `mapstructure:"max_ticker_age_ms"`
	ClockSkewMS       int     `mapstructure:"clock_skew_ms"`
	VolatilityCeiling float64 `mapstructure:"volatility_ceiling"`
}

// MaxTickerAge returns the staleness cutoff for quotes.
func (c SpreadConfig) MaxTickerAge() time.Duration {
	return time.Duration(c.MaxTickerAgeMS) * time.Millisecond
}

// ClockSkew returns the tolerated publisher clock skew.
func (c SpreadConfig) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewMS) * time.Millisecond
}

// RollbackConfig defines the rollback policy knobs.
type RollbackConfig struct {
	DefaultStrategies  map[string]string `mapstructure:"default_strategies"`
	MaxRollbackTimesMS map[string]int    `mapstructure:"max_rollback_times_ms"`
	MaxMarketImpact    float64           `mapstructure:"max_market_impact"`
	MaxSlicesPerLeg    int               `mapstructure:"max_slices_per_leg"`
	SmartWeights       SmartWeights      `mapstructure:"smart_weights"`
}

// SmartWeights tunes the SMART_LIQUIDATION scoring function.
type SmartWeights struct {
	Depth      float64 `mapstructure:"depth"`
	Volatility float64 `mapstructure:"volatility"`
	Urgency    float64 `mapstructure:"urgency"`
}

// RedisConfig defines the ticker ingress connection.
type RedisConfig struct {
	Address  string   `mapstructure:"address"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Channels []string `mapstructure:"channels"`
}

// DatabaseConfig defines the audit database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// ConnString builds the pgx connection string.
func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.DBName)
}

// VenueConfig defines settings for a specific venue.
type VenueConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Symbols      []string `mapstructure:"symbols"`
	MinOrderSize float64  `mapstructure:"min_order_size"`
	MaxOrderSize float64  `mapstructure:"max_order_size"`
	PriceTick    float64  `mapstructure:"price_tick"`
	DirectWSFeed bool     `mapstructure:"direct_ws_feed"`
}

// FeeConfig defines the fee schedule for one venue.
type FeeConfig struct {
	Maker           float64            `mapstructure:"maker"`
	Taker           float64            `mapstructure:"taker"`
	Withdrawal      float64            `mapstructure:"withdrawal"`
	SymbolOverrides map[string]float64 `mapstructure:"symbol_overrides"`
	VolumeTiers     []VolumeTierConfig `mapstructure:"volume_tiers"`
}

// VolumeTierConfig is one volume-discount rung.
type VolumeTierConfig struct {
	MinVolume float64 `mapstructure:"min_volume"`
	FeeRate   float64 `mapstructure:"fee_rate"`
}

// SlippageConfig defines the linear slippage model seed for one venue.
type SlippageConfig struct {
	Base            float64 `mapstructure:"base"`
	LinearCoef      float64 `mapstructure:"linear_coef"`
	LiquidityFactor float64 `mapstructure:"liquidity_factor"`
}

func setDefaults() {
	viper.SetDefault("trading_engine.enabled", true)
	viper.SetDefault("trading_engine.min_spread_threshold", 0.001)
	viper.SetDefault("trading_engine.min_profit_threshold", 0.0)
	viper.SetDefault("trading_engine.max_concurrent_trades", 5)
	viper.SetDefault("trading_engine.max_queue_size", 1000)
	viper.SetDefault("trading_engine.worker_count", 4)
	viper.SetDefault("trading_engine.execution_timeout_ms", 60000)
	viper.SetDefault("trading_engine.order_timeout_ms", 30000)
	viper.SetDefault("trading_engine.poll_interval_ms", 500)
	viper.SetDefault("trading_engine.cancel_grace_ms", 5000)
	viper.SetDefault("trading_engine.drain_timeout_ms", 30000)
	viper.SetDefault("trading_engine.max_retry_attempts", 3)
	viper.SetDefault("trading_engine.retry_delay_ms", 1000)
	viper.SetDefault("trading_engine.slippage_tolerance", 0.001)
	viper.SetDefault("trading_engine.fee_buffer", 0.002)
	viper.SetDefault("trading_engine.opportunity_validity_ms", 5000)
	viper.SetDefault("trading_engine.max_position_size", 10000.0)
	viper.SetDefault("trading_engine.enable_paper_trading", false)
	viper.SetDefault("trading_engine.enable_rollback_on_failure", true)
	viper.SetDefault("trading_engine.paper_synthetic_slippage", 0.0005)

	viper.SetDefault("spread.hard_quantity_cap", 1.0)
	viper.SetDefault("spread.volume_fraction", 0.01)
	viper.SetDefault("spread.max_ticker_age_ms", 60000)
	viper.SetDefault("spread.clock_skew_ms", 2000)
	viper.SetDefault("spread.volatility_ceiling", 0.02)

	viper.SetDefault("rollback.max_market_impact", 0.01)
	viper.SetDefault("rollback.max_slices_per_leg", 5)
	viper.SetDefault("rollback.smart_weights.depth", 0.4)
	viper.SetDefault("rollback.smart_weights.volatility", 0.3)
	viper.SetDefault("rollback.smart_weights.urgency", 0.3)

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.channels", []string{"price:*", "ticker:*", "market:*"})

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "arbiter")
	viper.SetDefault("database.dbname", "arbiter")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err = viper.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.TradingEngine.MaxConcurrentTrades <= 0 {
		return fmt.Errorf("trading_engine.max_concurrent_trades must be positive, got %d", c.TradingEngine.MaxConcurrentTrades)
	}
	if c.TradingEngine.MaxQueueSize <= 0 {
		return fmt.Errorf("trading_engine.max_queue_size must be positive, got %d", c.TradingEngine.MaxQueueSize)
	}
	if c.TradingEngine.WorkerCount <= 0 {
		return fmt.Errorf("trading_engine.worker_count must be positive, got %d", c.TradingEngine.WorkerCount)
	}
	if c.TradingEngine.ExecutionTimeoutMS <= 0 || c.TradingEngine.OrderTimeoutMS <= 0 {
		return fmt.Errorf("trading_engine timeouts must be positive")
	}
	if c.TradingEngine.SlippageTolerance < 0 {
		return fmt.Errorf("trading_engine.slippage_tolerance must not be negative")
	}
	if c.Spread.VolumeFraction <= 0 || c.Spread.VolumeFraction > 1 {
		return fmt.Errorf("spread.volume_fraction must be in (0,1], got %f", c.Spread.VolumeFraction)
	}
	for name, strategy := range c.Rollback.DefaultStrategies {
		switch strategy {
		case "IMMEDIATE_CANCEL", "MARKET_CLOSE", "GRADUAL_LIQUIDATION", "HEDGE_POSITION",
			"SMART_LIQUIDATION", "STOP_LOSS_ROLLBACK", "PARTIAL_ROLLBACK":
		default:
			return fmt.Errorf("rollback.default_strategies.%s: unknown strategy %q", name, strategy)
		}
	}
	return nil
}

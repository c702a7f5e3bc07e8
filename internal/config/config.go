package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition combinators
const (
	ConditionFundingOnly = "funding_only"
	ConditionPriceOnly   = "price_only"
	ConditionAny         = "any"
	ConditionAll         = "all"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Strategy  StrategyConfig         `yaml:"strategy"`
	Risk      RiskConfig             `yaml:"risk"`
	Execution ExecutionConfig        `yaml:"execution"`
	System    SystemConfig           `yaml:"system"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Alerts    AlertsConfig           `yaml:"alerts"`
	Redis     RedisConfig            `yaml:"redis"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Venues               []string `yaml:"venues"` // exactly two venue names
	ReferenceIntervalHrs float64  `yaml:"reference_interval_hours"`
	StatePath            string   `yaml:"state_path"` // SQLite journal, empty disables persistence
}

// PaperQuote seeds a paper venue's market for one symbol
type PaperQuote struct {
	Price       float64 `yaml:"price"`
	FundingRate float64 `yaml:"funding_rate"`
	Depth       float64 `yaml:"depth"`
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	Kind                 string                `yaml:"kind"`
	FundingIntervalHours float64               `yaml:"funding_interval_hours"`
	TakerFeeRate         float64               `yaml:"taker_fee_rate"`
	RateLimit            float64               `yaml:"rate_limit"`
	RateBurst            int                   `yaml:"rate_burst"`
	APIKey               Secret                `yaml:"api_key"`
	SecretKey            Secret                `yaml:"secret_key"`
	BaseURL              string                `yaml:"base_url"`
	Paper                map[string]PaperQuote `yaml:"paper"`

	// MaxOrderFailures inside five minutes marks the venue unhealthy
	MaxOrderFailures int `yaml:"max_order_failures"`
}

// OpenConditions gates new positions
type OpenConditions struct {
	ConditionType       string  `yaml:"condition_type"`
	MinFundingDiff      float64 `yaml:"min_funding_diff"`
	MinPriceDiffPercent float64 `yaml:"min_price_diff_percent"`
	MaxPriceDiffPercent float64 `yaml:"max_price_diff_percent"`
	MaxSlippagePercent  float64 `yaml:"max_slippage_percent"`
	IgnoreHighSlippage  bool    `yaml:"ignore_high_slippage"`
}

// CloseConditions decides when an open position is unwound
type CloseConditions struct {
	ConditionType         string        `yaml:"condition_type"`
	FundingDiffSignChange bool          `yaml:"funding_diff_sign_change"`
	MinFundingDiff        float64       `yaml:"min_funding_diff"`
	MinProfitPercent      float64       `yaml:"min_profit_percent"`
	MaxLossPercent        float64       `yaml:"max_loss_percent"`
	MinPositionTime       time.Duration `yaml:"min_position_time"`
	MaxPositionTime       time.Duration `yaml:"max_position_time"`
}

// StrategyConfig contains detection and scheduling parameters
type StrategyConfig struct {
	Symbols               []string           `yaml:"symbols"`
	CheckInterval         time.Duration      `yaml:"check_interval"`
	FundingUpdateInterval time.Duration      `yaml:"funding_update_interval"`
	StalenessWindow       time.Duration      `yaml:"staleness_window"`
	TradeCooldown         time.Duration      `yaml:"trade_cooldown"`
	PositionSizes         map[string]float64 `yaml:"position_sizes"`
	MaxPositionSize       map[string]float64 `yaml:"max_position_size"`
	Open                  OpenConditions     `yaml:"open_conditions"`
	Close                 CloseConditions    `yaml:"close_conditions"`
}

// CircuitBreakerConfig trips new opens after repeated realized losses
type CircuitBreakerConfig struct {
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	MaxDrawdownUSD       float64       `yaml:"max_drawdown_usd"`
	Cooldown             time.Duration `yaml:"cooldown"`
}

// RiskConfig contains global limits
type RiskConfig struct {
	MaxPositionsCount   int                  `yaml:"max_positions_count"`
	MaxTotalPositionUSD float64              `yaml:"max_total_position_usd"`
	SizePrecision       float64              `yaml:"size_precision"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ExecutionConfig contains order execution settings
type ExecutionConfig struct {
	LegTimeout              time.Duration `yaml:"leg_timeout"`
	CompensationMaxAttempts int           `yaml:"compensation_max_attempts"`
	CompensationBackoff     time.Duration `yaml:"compensation_backoff"`
	CompensationMaxBackoff  time.Duration `yaml:"compensation_max_backoff"`
	MaxConcurrentSymbols    int           `yaml:"max_concurrent_symbols"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is "console" or "json"
	LogFormat string `yaml:"log_format"`
}

// TelemetryConfig contains telemetry and HTTP settings
type TelemetryConfig struct {
	ServiceName    string   `yaml:"service_name"`
	EnableTracing  bool     `yaml:"enable_tracing"`
	HTTPPort       int      `yaml:"http_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Production rejects the "*" dashboard origin
	Production bool `yaml:"production"`
}

// AlertsConfig contains notification targets
type AlertsConfig struct {
	WebhookURL      Secret `yaml:"webhook_url"`
	SlackWebhookURL Secret `yaml:"slack_webhook_url"`
	// SuppressWindow drops repeated alerts, negative delivers every one
	SuppressWindow time.Duration `yaml:"suppress_window"`
}

// RedisConfig enables the trade-log stream
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing; unset variables become empty.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	config := baseConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDerivedDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []string
	for _, v := range []func() []ValidationError{
		c.validateApp,
		c.validateVenues,
		c.validateStrategy,
		c.validateRisk,
		c.validateExecution,
	} {
		for _, e := range v() {
			errs = append(errs, e.Error())
		}
	}
	if _, err := parseLevel(c.System.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: err.Error()}.Error())
	}
	switch c.System.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, ValidationError{Field: "system.log_format", Value: c.System.LogFormat, Message: "must be console or json"}.Error())
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, ValidationError{Field: "redis.addr", Value: "", Message: "required when redis is enabled"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() []ValidationError {
	var errs []ValidationError
	if len(c.App.Venues) != 2 {
		errs = append(errs, ValidationError{"app.venues", c.App.Venues, "exactly two venues are required"})
	} else if c.App.Venues[0] == c.App.Venues[1] {
		errs = append(errs, ValidationError{"app.venues", c.App.Venues, "venues must be distinct"})
	}
	if c.App.ReferenceIntervalHrs <= 0 {
		errs = append(errs, ValidationError{"app.reference_interval_hours", c.App.ReferenceIntervalHrs, "must be positive"})
	}
	return errs
}

func (c *Config) validateVenues() []ValidationError {
	var errs []ValidationError
	for _, name := range c.App.Venues {
		v, ok := c.Venues[name]
		if !ok {
			errs = append(errs, ValidationError{"venues." + name, nil, "venue listed in app.venues is not configured"})
			continue
		}
		if v.Kind == "" {
			errs = append(errs, ValidationError{"venues." + name + ".kind", v.Kind, "required"})
		}
		if v.FundingIntervalHours <= 0 {
			errs = append(errs, ValidationError{"venues." + name + ".funding_interval_hours", v.FundingIntervalHours, "must be positive"})
		}
		if v.TakerFeeRate < 0 || v.TakerFeeRate >= 1 {
			errs = append(errs, ValidationError{"venues." + name + ".taker_fee_rate", v.TakerFeeRate, "must be in [0, 1)"})
		}
		if v.RateLimit < 0 {
			errs = append(errs, ValidationError{"venues." + name + ".rate_limit", v.RateLimit, "must not be negative"})
		}
	}
	return errs
}

func (c *Config) validateStrategy() []ValidationError {
	s := c.Strategy
	var errs []ValidationError
	if len(s.Symbols) == 0 {
		errs = append(errs, ValidationError{"strategy.symbols", s.Symbols, "at least one symbol is required"})
	}
	for _, sym := range s.Symbols {
		size, ok := s.PositionSizes[sym]
		if !ok || size <= 0 {
			errs = append(errs, ValidationError{"strategy.position_sizes." + sym, size, "a positive size is required for every symbol"})
			continue
		}
		if max, ok := s.MaxPositionSize[sym]; ok && max > 0 && size > max {
			errs = append(errs, ValidationError{"strategy.max_position_size." + sym, max, "smaller than position_sizes"})
		}
	}
	if s.CheckInterval <= 0 {
		errs = append(errs, ValidationError{"strategy.check_interval", s.CheckInterval, "must be positive"})
	}
	if s.FundingUpdateInterval < s.CheckInterval {
		errs = append(errs, ValidationError{"strategy.funding_update_interval", s.FundingUpdateInterval, "must be >= check_interval"})
	}
	if s.StalenessWindow <= 0 {
		errs = append(errs, ValidationError{"strategy.staleness_window", s.StalenessWindow, "must be positive"})
	}
	if s.TradeCooldown < 0 {
		errs = append(errs, ValidationError{"strategy.trade_cooldown", s.TradeCooldown, "must not be negative"})
	}

	switch s.Open.ConditionType {
	case ConditionFundingOnly, ConditionPriceOnly, ConditionAny, ConditionAll:
	default:
		errs = append(errs, ValidationError{"strategy.open_conditions.condition_type", s.Open.ConditionType, "must be funding_only, price_only, any or all"})
	}
	if s.Open.MinFundingDiff < 0 {
		errs = append(errs, ValidationError{"strategy.open_conditions.min_funding_diff", s.Open.MinFundingDiff, "must not be negative"})
	}
	if s.Open.MaxPriceDiffPercent > 0 && s.Open.MaxPriceDiffPercent < s.Open.MinPriceDiffPercent {
		errs = append(errs, ValidationError{"strategy.open_conditions.max_price_diff_percent", s.Open.MaxPriceDiffPercent, "must be >= min_price_diff_percent"})
	}
	if s.Open.MaxSlippagePercent < 0 {
		errs = append(errs, ValidationError{"strategy.open_conditions.max_slippage_percent", s.Open.MaxSlippagePercent, "must not be negative"})
	}

	switch s.Close.ConditionType {
	case ConditionAny, ConditionAll:
	default:
		errs = append(errs, ValidationError{"strategy.close_conditions.condition_type", s.Close.ConditionType, "must be any or all"})
	}
	if s.Close.MinProfitPercent < 0 || s.Close.MaxLossPercent < 0 {
		errs = append(errs, ValidationError{"strategy.close_conditions", nil, "profit and loss thresholds are magnitudes and must not be negative"})
	}
	if s.Close.MaxPositionTime > 0 && s.Close.MaxPositionTime < s.Close.MinPositionTime {
		errs = append(errs, ValidationError{"strategy.close_conditions.max_position_time", s.Close.MaxPositionTime, "must be >= min_position_time"})
	}
	return errs
}

func (c *Config) validateRisk() []ValidationError {
	var errs []ValidationError
	if c.Risk.MaxPositionsCount <= 0 {
		errs = append(errs, ValidationError{"risk.max_positions_count", c.Risk.MaxPositionsCount, "must be positive"})
	}
	if c.Risk.MaxTotalPositionUSD <= 0 {
		errs = append(errs, ValidationError{"risk.max_total_position_usd", c.Risk.MaxTotalPositionUSD, "must be positive"})
	}
	if c.Risk.SizePrecision <= 0 {
		errs = append(errs, ValidationError{"risk.size_precision", c.Risk.SizePrecision, "must be positive"})
	}
	return errs
}

func (c *Config) validateExecution() []ValidationError {
	var errs []ValidationError
	if c.Execution.LegTimeout <= 0 {
		errs = append(errs, ValidationError{"execution.leg_timeout", c.Execution.LegTimeout, "must be positive"})
	}
	if c.Execution.CompensationMaxAttempts < 1 {
		errs = append(errs, ValidationError{"execution.compensation_max_attempts", c.Execution.CompensationMaxAttempts, "must be at least 1"})
	}
	if c.Execution.CompensationBackoff <= 0 || c.Execution.CompensationMaxBackoff < c.Execution.CompensationBackoff {
		errs = append(errs, ValidationError{"execution.compensation_backoff", c.Execution.CompensationBackoff, "must be positive and <= compensation_max_backoff"})
	}
	return errs
}

// applyDerivedDefaults fills values that depend on other settings
func (c *Config) applyDerivedDefaults() {
	if c.Strategy.Close.MinFundingDiff == 0 {
		c.Strategy.Close.MinFundingDiff = c.Strategy.Open.MinFundingDiff / 2
	}
	if c.Alerts.SuppressWindow == 0 {
		c.Alerts.SuppressWindow = time.Minute
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "funding_arb"
	}
	for name, v := range c.Venues {
		if v.RateLimit == 0 {
			v.RateLimit = 10
		}
		if v.RateBurst == 0 {
			v.RateBurst = int(v.RateLimit) * 2
		}
		if v.MaxOrderFailures == 0 {
			v.MaxOrderFailures = 50
		}
		c.Venues[name] = v
	}
}

// String renders the configuration with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// VenueNames returns the configured venue names in a stable order
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for name := range c.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func parseLevel(level string) (string, error) {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL", "":
		return strings.ToUpper(level), nil
	}
	return "", fmt.Errorf("invalid log level: %s", level)
}

// baseConfig holds scalar defaults; YAML is decoded on top of it
func baseConfig() *Config {
	return &Config{
		App: AppConfig{
			ReferenceIntervalHrs: 8,
		},
		Strategy: StrategyConfig{
			CheckInterval:         5 * time.Second,
			FundingUpdateInterval: 60 * time.Second,
			StalenessWindow:       5 * time.Minute,
			TradeCooldown:         time.Hour,
			Open: OpenConditions{
				ConditionType:      ConditionAll,
				MinFundingDiff:     0.0001,
				MaxSlippagePercent: 0.15,
			},
			Close: CloseConditions{
				ConditionType:         ConditionAny,
				FundingDiffSignChange: true,
				MinProfitPercent:      0.1,
				MaxLossPercent:        0.3,
			},
		},
		Risk: RiskConfig{
			MaxPositionsCount:   5,
			MaxTotalPositionUSD: 5000,
			SizePrecision:       0.00000001,
			CircuitBreaker: CircuitBreakerConfig{
				MaxConsecutiveLosses: 3,
				MaxDrawdownUSD:       500,
				Cooldown:             time.Hour,
			},
		},
		Execution: ExecutionConfig{
			LegTimeout:              10 * time.Second,
			CompensationMaxAttempts: 3,
			CompensationBackoff:     500 * time.Millisecond,
			CompensationMaxBackoff:  5 * time.Second,
			MaxConcurrentSymbols:    8,
		},
		System: SystemConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "funding_arb",
			HTTPPort:       9090,
			AllowedOrigins: []string{"*"},
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "funding_arb:trades",
			MaxLen: 10000,
		},
	}
}

// DefaultConfig returns a complete paper-trading configuration
func DefaultConfig() *Config {
	c := baseConfig()
	c.App.Venues = []string{"hyperliquid", "backpack"}
	c.Venues = map[string]VenueConfig{
		"hyperliquid": {
			Kind:                 "paper",
			FundingIntervalHours: 1,
			TakerFeeRate:         0.00035,
			Paper: map[string]PaperQuote{
				"BTC": {Price: 60000, FundingRate: 0.0000125, Depth: 1},
				"ETH": {Price: 3000, FundingRate: 0.00002, Depth: 10},
				"SOL": {Price: 150, FundingRate: 0.00001, Depth: 200},
			},
		},
		"backpack": {
			Kind:                 "paper",
			FundingIntervalHours: 8,
			TakerFeeRate:         0.0005,
			Paper: map[string]PaperQuote{
				"BTC": {Price: 60010, FundingRate: 0.0003, Depth: 1},
				"ETH": {Price: 3001, FundingRate: 0.0001, Depth: 10},
				"SOL": {Price: 150.05, FundingRate: 0.00008, Depth: 200},
			},
		},
	}
	c.Strategy.Symbols = []string{"BTC", "ETH", "SOL"}
	c.Strategy.PositionSizes = map[string]float64{"BTC": 0.001, "ETH": 0.01, "SOL": 0.5}
	c.Strategy.MaxPositionSize = map[string]float64{"BTC": 0.01, "ETH": 0.1, "SOL": 5}
	c.applyDerivedDefaults()
	return c
}

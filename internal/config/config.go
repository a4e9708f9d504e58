// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional fields are unset.
const (
	defaultPollInterval   = 10 * time.Second
	defaultHoldTime       = time.Minute
	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultBreakerTrips   = 5
	defaultBreakerTimeout = 5 * time.Minute
	defaultRequestTimeout = 15 * time.Second
	defaultStrikeStep     = 100
	defaultLotSize        = 20
	defaultWingExitPct    = 25.0
	defaultRollPct        = 5.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Market      MarketConfig      `yaml:"market"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Regime      RegimeConfig      `yaml:"regime"`
	VolFilter   VolFilterConfig   `yaml:"vol_filter"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // live | simulation
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // optional; rotated when set
}

// MarketConfig defines the option-chain data source.
type MarketConfig struct {
	ChainURL      string `yaml:"chain_url"`
	AccessToken   string `yaml:"access_token"`
	InstrumentKey string `yaml:"instrument_key"`
	Symbol        string `yaml:"symbol"`
	ExpiryDate    string `yaml:"expiry_date"` // YYYY-MM-DD
	StrikeStep    int    `yaml:"strike_step"`
	LotSize       int    `yaml:"lot_size"`
	Timeout       string `yaml:"timeout"`
}

// WebhookConfig defines the outbound order webhook.
type WebhookConfig struct {
	URL string `yaml:"url"`
	Tag string `yaml:"tag"` // 24-hex; regenerated per request when invalid
}

// ExecutionConfig defines delivery reliability parameters.
type ExecutionConfig struct {
	MaxRetries              int      `yaml:"max_retries"`
	InitialRetryDelay       string   `yaml:"initial_retry_delay"`
	MaxRetryDelay           string   `yaml:"max_retry_delay"`
	RequestTimeout          string   `yaml:"request_timeout"`
	SimulationMode          bool     `yaml:"simulation_mode"`
	CircuitBreakerThreshold uint32   `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string   `yaml:"circuit_breaker_timeout"`
	OrderStatusURLTemplate  string   `yaml:"order_status_url_template"`
	ImmediatePollOnSend     bool     `yaml:"immediate_poll_on_send"`
	StatusPollRate          float64  `yaml:"status_poll_rate"` // requests/sec, 0 = unlimited
	DataPaths               DataPath `yaml:"data_paths"`
}

// DataPath holds the ledger persistence locations.
type DataPath struct {
	PendingFile string `yaml:"pending_file"`
	FilledFile  string `yaml:"filled_file"`
}

// ScheduleConfig defines the poll cadence and end-of-day exits.
type ScheduleConfig struct {
	Timezone     string          `yaml:"timezone"`      // e.g. "Asia/Kolkata"
	PollInterval string          `yaml:"poll_interval"` // e.g. "10s"
	StartTime    string          `yaml:"start_time"`    // "HH:MM", no entries before
	EODExits     []EODExitConfig `yaml:"eod_exits"`
}

// EODExitConfig is one scheduled liquidation entry.
type EODExitConfig struct {
	Time  string   `yaml:"time"` // "HH:MM" or "HH:MM:SS"
	Pct   *float64 `yaml:"pct,omitempty"`
	Final bool     `yaml:"final"`
}

// StrategyConfig defines the rolling-straddle parameters.
type StrategyConfig struct {
	Lots           int           `yaml:"lots"`
	RollPct        float64       `yaml:"roll_pct"`
	Buffer         float64       `yaml:"buffer"`
	HoldTime       string        `yaml:"hold_time"`
	StoplossPerLot float64       `yaml:"stoploss_per_lot"`
	TargetPerLot   float64       `yaml:"target_per_lot"`
	IronFly        IronFlyConfig `yaml:"iron_fly"`
}

// IronFlyConfig defines protective wing behavior.
type IronFlyConfig struct {
	WingFactor      float64 `yaml:"wing_factor"`
	ExitPct         float64 `yaml:"exit_pct"`
	IVThreshold     float64 `yaml:"iv_threshold"`
	IVRankThreshold float64 `yaml:"iv_rank_threshold"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	AccountEquity   float64 `yaml:"account_equity"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`    // fraction of equity
	MaxOpenExposure float64 `yaml:"max_open_exposure"` // fraction of equity
}

// RegimeConfig defines indicator periods and classification thresholds.
type RegimeConfig struct {
	ATRPeriod            int     `yaml:"atr_period"`
	ADXPeriod            int     `yaml:"adx_period"`
	BBPeriod             int     `yaml:"bb_period"`
	BBStd                float64 `yaml:"bb_std"`
	SMAPeriod            int     `yaml:"sma_period"`
	SMALookback          int     `yaml:"sma_lookback"`
	ATRHighThreshold     float64 `yaml:"atr_high_threshold"`
	ADXTrendingThreshold float64 `yaml:"adx_trending_threshold"`
	ADXStrongThreshold   float64 `yaml:"adx_strong_threshold"`
	BBWidthHighThreshold float64 `yaml:"bb_width_high_threshold"`
	SMASlopeThreshold    float64 `yaml:"sma_slope_threshold"`
	IVRankHigh           float64 `yaml:"iv_rank_high"`
	IVRankLow            float64 `yaml:"iv_rank_low"`
	HistorySize          int     `yaml:"history_size"`
}

// VolFilterConfig defines the EWMA volatility gate.
type VolFilterConfig struct {
	Alpha       float64 `yaml:"alpha"`
	SigmaFactor float64 `yaml:"sigma_factor"`
	Window      int     `yaml:"window"`
}

// AlertsConfig defines best-effort outbound notifications.
type AlertsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig defines the chat-bot alert channel.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig defines the incoming-webhook alert channel.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "live" && c.Environment.Mode != "simulation" {
		return fmt.Errorf("environment.mode must be 'live' or 'simulation'")
	}

	if c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required")
	}

	if c.Market.ChainURL == "" {
		return fmt.Errorf("market.chain_url is required")
	}
	if c.Market.Symbol == "" {
		return fmt.Errorf("market.symbol is required")
	}
	if c.Market.ExpiryDate == "" {
		return fmt.Errorf("market.expiry_date is required")
	}
	if _, err := time.Parse("2006-01-02", c.Market.ExpiryDate); err != nil {
		return fmt.Errorf("market.expiry_date must be YYYY-MM-DD: %w", err)
	}

	if c.Strategy.Lots <= 0 {
		return fmt.Errorf("strategy.lots must be positive")
	}
	if c.Strategy.RollPct < 0 {
		return fmt.Errorf("strategy.roll_pct must not be negative")
	}
	if c.Strategy.StoplossPerLot < 0 || c.Strategy.TargetPerLot < 0 {
		return fmt.Errorf("strategy stoploss/target per lot must not be negative")
	}

	if c.Risk.AccountEquity <= 0 {
		return fmt.Errorf("risk.account_equity must be positive")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return fmt.Errorf("risk.max_daily_loss must be a fraction in (0, 1)")
	}

	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone invalid: %w", err)
		}
	}

	// Duration strings are validated up front so a typo fails at startup
	// instead of silently falling back mid-session.
	for name, v := range map[string]string{
		"schedule.poll_interval":            c.Schedule.PollInterval,
		"strategy.hold_time":                c.Strategy.HoldTime,
		"execution.initial_retry_delay":     c.Execution.InitialRetryDelay,
		"execution.max_retry_delay":         c.Execution.MaxRetryDelay,
		"execution.request_timeout":         c.Execution.RequestTimeout,
		"execution.circuit_breaker_timeout": c.Execution.CircuitBreakerTimeout,
		"market.timeout":                    c.Market.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid duration %q: %w", name, v, err)
		}
	}

	return nil
}

// IsSimulation reports whether the bot runs without touching the network
// for order delivery.
func (c *Config) IsSimulation() bool {
	return c.Environment.Mode == "simulation" || c.Execution.SimulationMode
}

// Location returns the configured trading timezone, defaulting to
// Asia/Kolkata which is where the underlying index trades.
func (c *Config) Location() *time.Location {
	if c.Schedule.Timezone != "" {
		if loc, err := time.LoadLocation(c.Schedule.Timezone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}

// PollInterval returns the tick cadence.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Schedule.PollInterval, defaultPollInterval)
}

// HoldTime returns the minimum time between rolls.
func (c *Config) HoldTime() time.Duration {
	return durationOr(c.Strategy.HoldTime, defaultHoldTime)
}

// MaxRetries returns the per-order delivery attempt budget.
func (c *Config) MaxRetries() int {
	if c.Execution.MaxRetries > 0 {
		return c.Execution.MaxRetries
	}
	return defaultMaxRetries
}

// InitialRetryDelay returns the first backoff delay.
func (c *Config) InitialRetryDelay() time.Duration {
	return durationOr(c.Execution.InitialRetryDelay, defaultInitialBackoff)
}

// MaxRetryDelay returns the backoff cap.
func (c *Config) MaxRetryDelay() time.Duration {
	return durationOr(c.Execution.MaxRetryDelay, defaultMaxBackoff)
}

// RequestTimeout returns the per-HTTP-call timeout.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Execution.RequestTimeout, defaultRequestTimeout)
}

// BreakerThreshold returns the consecutive-failure trip count.
func (c *Config) BreakerThreshold() uint32 {
	if c.Execution.CircuitBreakerThreshold > 0 {
		return c.Execution.CircuitBreakerThreshold
	}
	return defaultBreakerTrips
}

// BreakerTimeout returns how long the breaker stays open.
func (c *Config) BreakerTimeout() time.Duration {
	return durationOr(c.Execution.CircuitBreakerTimeout, defaultBreakerTimeout)
}

// MarketTimeout returns the option-chain fetch timeout.
func (c *Config) MarketTimeout() time.Duration {
	return durationOr(c.Market.Timeout, defaultRequestTimeout)
}

// StrikeStep returns the strike spacing of the chain.
func (c *Config) StrikeStep() int {
	if c.Market.StrikeStep > 0 {
		return c.Market.StrikeStep
	}
	return defaultStrikeStep
}

// LotSize returns the contract multiplier.
func (c *Config) LotSize() int {
	if c.Market.LotSize > 0 {
		return c.Market.LotSize
	}
	return defaultLotSize
}

// WingExitPct returns the wing emergency-exit threshold in percent.
func (c *Config) WingExitPct() float64 {
	if c.Strategy.IronFly.ExitPct > 0 {
		return c.Strategy.IronFly.ExitPct
	}
	return defaultWingExitPct
}

// RollPct returns the roll trigger threshold in percent.
func (c *Config) RollPct() float64 {
	if c.Strategy.RollPct > 0 {
		return c.Strategy.RollPct
	}
	return defaultRollPct
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

package config

import (
	"errors"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Venue     VenueConfig     `yaml:"venue"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	API       APIConfig       `yaml:"api"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type OracleConfig struct {
	FeedURL        string        `yaml:"feed_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type VenueConfig struct {
	// Mode selects the hedge venue driver: "rest" talks to a live venue,
	// "sim" runs the deterministic in-process venue (paper trading).
	Mode         string        `yaml:"mode"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Market       string        `yaml:"market"`
}

type StrategyConfig struct {
	Asset   string `yaml:"asset"`
	Product string `yaml:"product"`

	TargetLeverage     decimal.Decimal `yaml:"target_leverage"`
	MinLeverage        decimal.Decimal `yaml:"min_leverage"`
	MaxLeverage        decimal.Decimal `yaml:"max_leverage"`
	SafeMarginLeverage decimal.Decimal `yaml:"safe_margin_leverage"`

	ResponseDeviationThreshold decimal.Decimal `yaml:"response_deviation_threshold"`
	HedgeDeviationThreshold    decimal.Decimal `yaml:"hedge_deviation_threshold"`
	LeverageSettleThreshold    decimal.Decimal `yaml:"leverage_settle_threshold"`
	KeepFeeThreshold           decimal.Decimal `yaml:"keep_fee_threshold"`

	UpkeepInterval   time.Duration `yaml:"upkeep_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-vault-bot.db"
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 15 * time.Second
	}
	if cfg.Venue.Mode == "" {
		cfg.Venue.Mode = "sim"
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.PollInterval == 0 {
		cfg.Venue.PollInterval = 2 * time.Second
	}
	if cfg.Venue.Market == "" && cfg.Strategy.Product != "" {
		cfg.Venue.Market = cfg.Strategy.Product + "-PERP"
	}
	if cfg.Strategy.TargetLeverage.IsZero() {
		cfg.Strategy.TargetLeverage = decimal.NewFromInt(3)
	}
	if cfg.Strategy.MinLeverage.IsZero() {
		cfg.Strategy.MinLeverage = decimal.NewFromInt(2)
	}
	if cfg.Strategy.MaxLeverage.IsZero() {
		cfg.Strategy.MaxLeverage = decimal.NewFromInt(5)
	}
	if cfg.Strategy.SafeMarginLeverage.IsZero() {
		cfg.Strategy.SafeMarginLeverage = decimal.NewFromInt(20)
	}
	if cfg.Strategy.ResponseDeviationThreshold.IsZero() {
		cfg.Strategy.ResponseDeviationThreshold = decimal.RequireFromString("0.01")
	}
	if cfg.Strategy.HedgeDeviationThreshold.IsZero() {
		cfg.Strategy.HedgeDeviationThreshold = decimal.RequireFromString("0.005")
	}
	if cfg.Strategy.LeverageSettleThreshold.IsZero() {
		cfg.Strategy.LeverageSettleThreshold = decimal.RequireFromString("0.05")
	}
	if cfg.Strategy.KeepFeeThreshold.IsZero() {
		cfg.Strategy.KeepFeeThreshold = decimal.NewFromInt(10)
	}
	if cfg.Strategy.UpkeepInterval == 0 {
		cfg.Strategy.UpkeepInterval = 30 * time.Second
	}
	if cfg.Strategy.SnapshotInterval == 0 {
		cfg.Strategy.SnapshotInterval = time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Asset == "" {
		return errors.New("strategy.asset is required")
	}
	if cfg.Strategy.Product == "" {
		return errors.New("strategy.product is required")
	}
	if cfg.Strategy.Asset == cfg.Strategy.Product {
		return errors.New("strategy.asset and strategy.product must differ")
	}
	s := cfg.Strategy
	if !s.MinLeverage.IsPositive() {
		return errors.New("strategy.min_leverage must be > 0")
	}
	// The whole control loop depends on this ordering; refuse to start
	// with bounds that would make rebalance directions ambiguous.
	if !s.MinLeverage.LessThan(s.TargetLeverage) ||
		!s.TargetLeverage.LessThan(s.MaxLeverage) ||
		!s.MaxLeverage.LessThan(s.SafeMarginLeverage) {
		return errors.New("leverage bounds must satisfy min < target < max < safe_margin")
	}
	if !s.ResponseDeviationThreshold.IsPositive() {
		return errors.New("strategy.response_deviation_threshold must be > 0")
	}
	if !s.HedgeDeviationThreshold.IsPositive() {
		return errors.New("strategy.hedge_deviation_threshold must be > 0")
	}
	if cfg.Venue.Mode != "sim" && cfg.Venue.Mode != "rest" {
		return errors.New("venue.mode must be sim or rest")
	}
	if cfg.Venue.Mode == "rest" && cfg.Venue.BaseURL == "" {
		return errors.New("venue.base_url is required in rest mode")
	}
	return nil
}

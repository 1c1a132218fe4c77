// Package config loads the backtester's YAML configuration and applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"backtester/internal/domain"
	"backtester/internal/portfolio"
	"backtester/internal/strategy"
)

// DateLayout is the format of every date in the config file.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the backtester.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Gather     GatherConfig     `yaml:"gather"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials and the market data endpoint.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"` // trading API, used for the market calendar
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"` // "iex" or "sip"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls the daily bar download.
type GatherConfig struct {
	Symbols         []string `yaml:"symbols"`
	StartDate       string   `yaml:"start_date"`
	EndDate         string   `yaml:"end_date"` // empty means today
	BatchSize       int      `yaml:"batch_size"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// BacktestConfig defines the simulated account, execution rules, and the
// data each run covers.
type BacktestConfig struct {
	Symbols   []string `yaml:"symbols"`
	Market    string   `yaml:"market"`
	StartDate string   `yaml:"start_date"`
	EndDate   string   `yaml:"end_date"`

	InitialCapital  float64 `yaml:"initial_capital"`
	Commission      float64 `yaml:"commission"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	LimitBasis      string  `yaml:"limit_basis"`
	PositionSize    float64 `yaml:"position_size"`
	WarmupPeriod    int     `yaml:"warmup_period"`
	LiquidateAtEnd  bool    `yaml:"liquidate_at_end"`
	AllowPyramiding bool    `yaml:"allow_pyramiding"`
	PeriodsPerYear  float64 `yaml:"periods_per_year"`
	RiskFreeRate    float64 `yaml:"risk_free_rate"`
	Concurrency     int     `yaml:"concurrency"`
}

// StrategyConfig names a registered strategy and its parameters.
type StrategyConfig struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// Default returns the configuration used for any field the file omits.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/backtests.db",
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
			Feed:    "iex",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Gather: GatherConfig{
			StartDate:       "2020-01-01",
			BatchSize:       100,
			RateLimitPerMin: 200,
			MaxAttempts:     3,
		},
		Backtest: BacktestConfig{
			Market:          string(domain.MarketUS),
			InitialCapital:  100000,
			MaxPositionSize: 1,
			LimitBasis:      string(portfolio.LimitBasisPreTrade),
			PositionSize:    1,
		},
		Strategies: []StrategyConfig{{Name: "buy-and-hold"}},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides. An empty path
// loads the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BACKTEST_INITIAL_CASH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BACKTEST_INITIAL_CASH: %w", err)
		}
		cfg.Backtest.InitialCapital = f
	}
	if v := os.Getenv("BACKTEST_COMMISSION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BACKTEST_COMMISSION: %w", err)
		}
		cfg.Backtest.Commission = f
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// StrategyConfig converts the backtest section into a strategy.Config.
// Money values are converted from float through their shortest decimal
// representation, so 0.1 in YAML is exactly 0.1.
func (b BacktestConfig) StrategyConfig() (strategy.Config, error) {
	basis, err := portfolio.ParseLimitBasis(b.LimitBasis)
	if err != nil {
		return strategy.Config{}, err
	}
	return strategy.Config{
		InitialCapital:     decimal.NewFromFloat(b.InitialCapital),
		CommissionPerTrade: decimal.NewFromFloat(b.Commission),
		MaxPositionSize:    decimal.NewFromFloat(b.MaxPositionSize),
		LimitBasis:         basis,
		PositionSize:       decimal.NewFromFloat(b.PositionSize),
		WarmupPeriod:       b.WarmupPeriod,
		LiquidateAtEnd:     b.LiquidateAtEnd,
		AllowPyramiding:    b.AllowPyramiding,
		PeriodsPerYear:     b.PeriodsPerYear,
		RiskFreeRate:       b.RiskFreeRate,
		Market:             domain.Market(strings.ToLower(b.Market)),
	}, nil
}

// Range parses the backtest date range. An empty end date means now.
func (b BacktestConfig) Range(now time.Time) (time.Time, time.Time, error) {
	return parseRange(b.StartDate, b.EndDate, now)
}

// Range parses the gather date range. An empty end date means now.
func (g GatherConfig) Range(now time.Time) (time.Time, time.Time, error) {
	return parseRange(g.StartDate, g.EndDate, now)
}

func parseRange(startStr, endStr string, now time.Time) (time.Time, time.Time, error) {
	var start time.Time
	if startStr != "" {
		t, err := time.Parse(DateLayout, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start date: %w", err)
		}
		start = t
	}
	end := now.UTC()
	if endStr != "" {
		t, err := time.Parse(DateLayout, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end date: %w", err)
		}
		// Inclusive of the whole end day.
		end = t.Add(24*time.Hour - time.Millisecond)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s before start date %s", endStr, startStr)
	}
	return start, end, nil
}

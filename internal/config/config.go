// Package config loads the runtime configuration from YAML with
// environment-variable overrides and sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the tradeforge runtime.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Engine     EngineConfig     `yaml:"engine"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Live       LiveConfig       `yaml:"live"`
	Stream     StreamConfig     `yaml:"stream"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ShutdownToken guards POST /api/v1/shutdown. Empty disables the
	// endpoint. Overridden by TRADEFORGE_SHUTDOWN_TOKEN.
	ShutdownToken string `yaml:"shutdown_token"`
}

// DatabaseConfig selects the persistence backend. A file: DSN opens the
// embedded sqlite store; a postgres:// DSN opens PostgreSQL.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	// StrategyDir is the root of the content-addressed strategy source
	// tree (sharded by the first two hash characters).
	StrategyDir string `yaml:"strategy_dir"`
}

// MarketDataConfig configures venue access and the bar cache.
type MarketDataConfig struct {
	CacheDir     string        `yaml:"cache_dir"`
	DefaultVenue string        `yaml:"default_venue"`
	RequestRate  float64       `yaml:"request_rate"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	// RedisAddr enables the Redis quote cache when non-empty; otherwise
	// quotes are cached in memory.
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	QuoteTTL  time.Duration `yaml:"quote_ttl"`
	// PollInterval is the paper-trading ticker poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EngineConfig configures the simulated execution engine.
type EngineConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	MakerFeeRate   float64 `yaml:"maker_fee_rate"`
	TakerFeeRate   float64 `yaml:"taker_fee_rate"`
	SlippageBps    float64 `yaml:"slippage_bps"`
	// FilledOrderCap bounds the in-memory filled-order history.
	FilledOrderCap int `yaml:"filled_order_cap"`
}

// BacktestConfig bounds the backtest orchestrator.
type BacktestConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent"`
	MaxCombinations int `yaml:"max_combinations"`
	GridSteps       int `yaml:"grid_steps"`
}

// LiveConfig bounds the live-session manager.
type LiveConfig struct {
	MaxConcurrent       int           `yaml:"max_concurrent"`
	StopGracePeriod     time.Duration `yaml:"stop_grace_period"`
	FundingPollInterval time.Duration `yaml:"funding_poll_interval"`
}

// StreamConfig tunes the event bus.
type StreamConfig struct {
	SinkBuffer        int           `yaml:"sink_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path yields Default().
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRADEFORGE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TRADEFORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("TRADEFORGE_SHUTDOWN_TOKEN"); v != "" {
		c.Server.ShutdownToken = v
	}
	if v := os.Getenv("TRADEFORGE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TRADEFORGE_CACHE_DIR"); v != "" {
		c.MarketData.CacheDir = v
	}
	if v := os.Getenv("TRADEFORGE_REDIS_ADDR"); v != "" {
		c.MarketData.RedisAddr = v
	}
	if v := os.Getenv("TRADEFORGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "file:tradeforge.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 10 * time.Second
	}
	if c.Database.StrategyDir == "" {
		c.Database.StrategyDir = "data/strategies"
	}
	if c.MarketData.CacheDir == "" {
		c.MarketData.CacheDir = "data/cache"
	}
	if c.MarketData.DefaultVenue == "" {
		c.MarketData.DefaultVenue = "binance"
	}
	if c.MarketData.RequestRate == 0 {
		c.MarketData.RequestRate = 20
	}
	if c.MarketData.HTTPTimeout == 0 {
		c.MarketData.HTTPTimeout = 10 * time.Second
	}
	if c.MarketData.QuoteTTL == 0 {
		c.MarketData.QuoteTTL = 5 * time.Second
	}
	if c.MarketData.PollInterval == 0 {
		c.MarketData.PollInterval = 2 * time.Second
	}
	if c.Engine.InitialBalance == 0 {
		c.Engine.InitialBalance = 10000
	}
	if c.Engine.MakerFeeRate == 0 {
		c.Engine.MakerFeeRate = 0.0002
	}
	if c.Engine.TakerFeeRate == 0 {
		c.Engine.TakerFeeRate = 0.0005
	}
	if c.Engine.SlippageBps == 0 {
		c.Engine.SlippageBps = 2
	}
	if c.Engine.FilledOrderCap == 0 {
		c.Engine.FilledOrderCap = 10000
	}
	if c.Backtest.MaxConcurrent == 0 {
		c.Backtest.MaxConcurrent = 4
	}
	if c.Backtest.MaxCombinations == 0 {
		c.Backtest.MaxCombinations = 500
	}
	if c.Backtest.GridSteps == 0 {
		c.Backtest.GridSteps = 5
	}
	if c.Live.MaxConcurrent == 0 {
		c.Live.MaxConcurrent = 10
	}
	if c.Live.StopGracePeriod == 0 {
		c.Live.StopGracePeriod = 5 * time.Second
	}
	if c.Live.FundingPollInterval == 0 {
		c.Live.FundingPollInterval = time.Minute
	}
	if c.Stream.SinkBuffer == 0 {
		c.Stream.SinkBuffer = 256
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.InitialBalance < 0 {
		return fmt.Errorf("initial balance must be non-negative")
	}
	if c.Engine.MakerFeeRate < 0 || c.Engine.TakerFeeRate < 0 {
		return fmt.Errorf("fee rates must be non-negative")
	}
	if c.Engine.SlippageBps < 0 {
		return fmt.Errorf("slippage must be non-negative")
	}
	if c.Backtest.GridSteps < 2 {
		return fmt.Errorf("grid_steps must be at least 2")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Package config defines all configuration for the execution service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via STRATEXEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Paper    PaperConfig    `mapstructure:"paper"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Sizing   SizingConfig   `mapstructure:"sizing"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Events   EventsConfig   `mapstructure:"events"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServiceConfig holds service identity and durable-state locations.
// DataDir receives positions.json, trades.json, safe_mode.json,
// failure_count.json and operation_mode.json.
type ServiceConfig struct {
	DataDir          string `mapstructure:"data_dir"`
	Version          string `mapstructure:"version"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

// ExchangeConfig holds venue endpoints and API credentials. Credentials
// come from STRATEXEC_API_KEY / STRATEXEC_API_SECRET in deployment; the
// YAML fields exist for local development only.
type ExchangeConfig struct {
	RESTBaseURL              string `mapstructure:"rest_base_url"`
	WSURL                    string `mapstructure:"ws_url"`
	APIKey                   string `mapstructure:"api_key"`
	APISecret                string `mapstructure:"api_secret"`
	MaxReconnectAttempts     int    `mapstructure:"max_reconnect_attempts"`
	ReconnectDelaySeconds    int    `mapstructure:"reconnect_delay_seconds"`
	RateLimitCooldownSeconds int    `mapstructure:"rate_limit_cooldown_seconds"`
}

// ReconnectDelay returns the initial WebSocket reconnect backoff.
func (c ExchangeConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// RateLimitCooldown returns the order-placement pause applied after a
// 429 without a Retry-After header.
func (c ExchangeConfig) RateLimitCooldown() time.Duration {
	return time.Duration(c.RateLimitCooldownSeconds) * time.Second
}

// PaperConfig tunes the simulated venue.
//
//   - InitialBalanceUSD: starting cash for the simulated account.
//   - SlippagePct: market orders fill at mid × (1 ± slippage).
//   - CommissionRate: charged on every fill's notional.
type PaperConfig struct {
	InitialBalanceUSD float64 `mapstructure:"initial_balance_usd"`
	SlippagePct       float64 `mapstructure:"slippage_pct"`
	CommissionRate    float64 `mapstructure:"commission_rate"`
}

// StrategyConfig controls the strategy document watcher.
//
//   - Path: the watched JSON file.
//   - ReloadLatencyMS: debounce between a file event and the reload, so
//     editors that write in several syscalls trigger one reload.
//   - ValidityCheckIntervalMS: how often the validity window is checked.
type StrategyConfig struct {
	Path                    string `mapstructure:"path"`
	ReloadLatencyMS         int    `mapstructure:"reload_latency_ms"`
	ValidityCheckIntervalMS int    `mapstructure:"validity_check_interval_ms"`
}

// ReloadLatency returns the watcher debounce window.
func (c StrategyConfig) ReloadLatency() time.Duration {
	return time.Duration(c.ReloadLatencyMS) * time.Millisecond
}

// ValidityCheckInterval returns the expiry poll interval.
func (c StrategyConfig) ValidityCheckInterval() time.Duration {
	return time.Duration(c.ValidityCheckIntervalMS) * time.Millisecond
}

// SizingConfig sets order-size rounding. Quantities floor to the asset's
// lot increment; assets not listed use the default.
type SizingConfig struct {
	DefaultLotIncrement float64    `mapstructure:"default_lot_increment"`
	Assets              []AssetLot `mapstructure:"assets"`
}

// AssetLot overrides lot sizing for one asset.
type AssetLot struct {
	Asset        string  `mapstructure:"asset"`
	LotIncrement float64 `mapstructure:"lot_increment"`
	MinQuantity  float64 `mapstructure:"min_quantity"`
}

// EngineConfig tunes the tick loop.
type EngineConfig struct {
	BalanceRefreshInterval time.Duration `mapstructure:"balance_refresh_interval"`
	SnapshotBuffer         int           `mapstructure:"snapshot_buffer"`
}

// EventsConfig controls the NDJSON event log. Dir defaults to the
// service data dir; RingSize bounds the in-memory tail served over the
// API.
type EventsConfig struct {
	Dir         string `mapstructure:"dir"`
	RotateDaily bool   `mapstructure:"rotate_daily"`
	RingSize    int    `mapstructure:"ring_size"`
}

// APIConfig controls the operator HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: STRATEXEC_API_KEY, STRATEXEC_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STRATEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("STRATEXEC_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("STRATEXEC_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	if cfg.Events.Dir == "" {
		cfg.Events.Dir = cfg.Service.DataDir
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.data_dir", "data")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.failure_threshold", 3)

	v.SetDefault("exchange.max_reconnect_attempts", 10)
	v.SetDefault("exchange.reconnect_delay_seconds", 1)
	v.SetDefault("exchange.rate_limit_cooldown_seconds", 60)

	v.SetDefault("paper.initial_balance_usd", 10000)
	v.SetDefault("paper.slippage_pct", 0.001)
	v.SetDefault("paper.commission_rate", 0.001)

	v.SetDefault("strategy.reload_latency_ms", 500)
	v.SetDefault("strategy.validity_check_interval_ms", 5000)

	v.SetDefault("sizing.default_lot_increment", 0.0001)

	v.SetDefault("engine.balance_refresh_interval", 30*time.Second)
	v.SetDefault("engine.snapshot_buffer", 256)

	v.SetDefault("events.rotate_daily", false)
	v.SetDefault("events.ring_size", 1024)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8089)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Service.DataDir == "" {
		return fmt.Errorf("service.data_dir is required")
	}
	if c.Service.FailureThreshold <= 0 {
		return fmt.Errorf("service.failure_threshold must be > 0")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange.api_key and exchange.api_secret must be set together")
	}
	if c.Paper.InitialBalanceUSD <= 0 {
		return fmt.Errorf("paper.initial_balance_usd must be > 0")
	}
	if c.Paper.SlippagePct < 0 || c.Paper.SlippagePct >= 1 {
		return fmt.Errorf("paper.slippage_pct must be in [0, 1)")
	}
	if c.Paper.CommissionRate < 0 || c.Paper.CommissionRate >= 1 {
		return fmt.Errorf("paper.commission_rate must be in [0, 1)")
	}
	if c.Strategy.Path == "" {
		return fmt.Errorf("strategy.path is required")
	}
	if c.Strategy.ReloadLatencyMS < 0 {
		return fmt.Errorf("strategy.reload_latency_ms must be >= 0")
	}
	if c.Strategy.ValidityCheckIntervalMS <= 0 {
		return fmt.Errorf("strategy.validity_check_interval_ms must be > 0")
	}
	if c.Sizing.DefaultLotIncrement <= 0 {
		return fmt.Errorf("sizing.default_lot_increment must be > 0")
	}
	for _, lot := range c.Sizing.Assets {
		if lot.Asset == "" {
			return fmt.Errorf("sizing.assets entries need an asset symbol")
		}
		if lot.LotIncrement < 0 || lot.MinQuantity < 0 {
			return fmt.Errorf("sizing.assets[%s]: negative lot settings", lot.Asset)
		}
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be in (0, 65535]")
	}
	return nil
}

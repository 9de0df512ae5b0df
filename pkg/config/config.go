// Package config loads the exchange's runtime configuration from a YAML file
// (viper + mapstructure) layered with a .env overlay and MOCKEX_* env var
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FlushPolicy is the durability boundary trigger: whichever of count or
// interval comes first forces a flush.
type FlushPolicy struct {
	Count          int `mapstructure:"count"`
	IntervalMillis int `mapstructure:"interval_millis"`
}

// FeeTierConfig mirrors market.FeeTier for YAML decoding.
type FeeTierConfig struct {
	MinVolume int64 `mapstructure:"min_volume"`
	MakerBps  int64 `mapstructure:"maker_bps"`
	TakerBps  int64 `mapstructure:"taker_bps"`
}

// MarketConfig is one entry of the markets list.
type MarketConfig struct {
	Code            string          `mapstructure:"code"`
	BaseAssetID     int64           `mapstructure:"base_asset_id"`
	QuoteAssetID    int64           `mapstructure:"quote_asset_id"`
	FeeAccountID    int64           `mapstructure:"fee_account_id"`
	TickSize        int64           `mapstructure:"tick_size"`
	LotSize         int64           `mapstructure:"lot_size"`
	WorkingSetLimit int             `mapstructure:"working_set_limit"`
	FeeTiers        []FeeTierConfig `mapstructure:"fee_tiers"`
}

// StoreConfig controls where each market's pebble instance lives.
type StoreConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
}

// QueueConfig points at the redis instance backing every market's queue.
type QueueConfig struct {
	RedisAddr      string `mapstructure:"redis_addr"`
	DequeueTimeout int    `mapstructure:"dequeue_timeout_seconds"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogFile string `mapstructure:"log_file"`
}

// MetricsConfig controls the prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the top-level configuration, maps directly to the YAML file structure.
type Config struct {
	Store   StoreConfig    `mapstructure:"store"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Flush   FlushPolicy    `mapstructure:"flush"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Markets []MarketConfig `mapstructure:"markets"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{CacheDir: "./data"},
		Queue: QueueConfig{RedisAddr: "127.0.0.1:6379", DequeueTimeout: 5},
		Flush: FlushPolicy{Count: 20000, IntervalMillis: 1000},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

// Load reads config from a YAML file, overlaying a .env file (if present)
// and MOCKEX_* environment variables on top.
// Precedence: MOCKEX_* env vars > .env file > YAML file > defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; loads .env from the working directory

	v := viper.New()
	for key, val := range flatten(defaults()) {
		v.SetDefault(key, val)
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("MOCKEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if addr := os.Getenv("MOCKEX_REDIS_ADDR"); addr != "" {
		cfg.Queue.RedisAddr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.CacheDir == "" {
		return fmt.Errorf("config: store.cache_dir is required")
	}
	if c.Queue.RedisAddr == "" {
		return fmt.Errorf("config: queue.redis_addr is required")
	}
	if c.Flush.Count <= 0 {
		return fmt.Errorf("config: flush.count must be positive")
	}
	if c.Flush.IntervalMillis <= 0 {
		return fmt.Errorf("config: flush.interval_millis must be positive")
	}
	seen := make(map[string]bool)
	for _, m := range c.Markets {
		if m.Code == "" {
			return fmt.Errorf("config: every market needs a code")
		}
		if seen[m.Code] {
			return fmt.Errorf("config: duplicate market code %s", m.Code)
		}
		seen[m.Code] = true
		if len(m.FeeTiers) == 0 {
			return fmt.Errorf("config: market %s needs at least one fee tier", m.Code)
		}
	}
	return nil
}

// Market looks up one market's configuration by code.
func (c *Config) Market(code string) (*MarketConfig, error) {
	for i := range c.Markets {
		if c.Markets[i].Code == code {
			return &c.Markets[i], nil
		}
	}
	return nil, fmt.Errorf("config: unknown market %s", code)
}

// flatten turns nested mapstructure-tagged defaults into viper dotted keys.
// Only the scalar defaults that matter before a YAML file is read are
// flattened here; Markets has no useful zero-value default.
func flatten(d Config) map[string]interface{} {
	return map[string]interface{}{
		"store.cache_dir":              d.Store.CacheDir,
		"queue.redis_addr":             d.Queue.RedisAddr,
		"queue.dequeue_timeout_seconds": d.Queue.DequeueTimeout,
		"flush.count":                  d.Flush.Count,
		"flush.interval_millis":        d.Flush.IntervalMillis,
		"logging.level":                d.Logging.Level,
		"metrics.enabled":              d.Metrics.Enabled,
		"metrics.addr":                 d.Metrics.Addr,
	}
}

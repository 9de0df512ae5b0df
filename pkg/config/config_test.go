package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
store:
  cache_dir: ./testdata
queue:
  redis_addr: 127.0.0.1:6399
flush:
  count: 100
  interval_millis: 500
markets:
  - code: BTC-USD
    base_asset_id: 1
    quote_asset_id: 2
    fee_account_id: 999
    tick_size: 1
    lot_size: 1
    fee_tiers:
      - min_volume: 0
        maker_bps: 10
        taker_bps: 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesMarketsAndFlushPolicy(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6399", cfg.Queue.RedisAddr)
	require.Equal(t, 100, cfg.Flush.Count)
	require.Equal(t, 500, cfg.Flush.IntervalMillis)

	mc, err := cfg.Market("BTC-USD")
	require.NoError(t, err)
	require.EqualValues(t, 1, mc.BaseAssetID)
	require.EqualValues(t, 2, mc.QuoteAssetID)
}

func TestLoadEnvOverrideWinsOverFile(t *testing.T) {
	path := writeTestConfig(t)
	os.Setenv("MOCKEX_REDIS_ADDR", "10.0.0.5:6379")
	defer os.Unsetenv("MOCKEX_REDIS_ADDR")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:6379", cfg.Queue.RedisAddr)
}

func TestValidateRejectsDuplicateMarketCode(t *testing.T) {
	cfg := &Config{
		Store: StoreConfig{CacheDir: "./data"},
		Queue: QueueConfig{RedisAddr: "127.0.0.1:6379"},
		Flush: FlushPolicy{Count: 1, IntervalMillis: 1},
		Markets: []MarketConfig{
			{Code: "X", FeeTiers: []FeeTierConfig{{MinVolume: 0}}},
			{Code: "X", FeeTiers: []FeeTierConfig{{MinVolume: 0}}},
		},
	}
	require.Error(t, cfg.Validate())
}

// Command exchange hosts the per-market Dispatcher loop: CLI surface
// `run <market_code>`, `flush <market_code>`, and `serve` (every configured
// market at once).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/config"
	"github.com/mockex/engine/pkg/dispatcher"
	"github.com/mockex/engine/pkg/ledger"
	"github.com/mockex/engine/pkg/market"
	"github.com/mockex/engine/pkg/metrics"
	"github.com/mockex/engine/pkg/queue"
	"github.com/mockex/engine/pkg/tape"
	"github.com/mockex/engine/pkg/util"
)

// Process exit codes.
const (
	exitOK           = 0
	exitInitError    = 1
	exitStoreCorrupt = 2
	exitQueueError   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitInitError
	}
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: exchange [-config path] <run|flush|serve> [market_code]")
		return exitInitError
	}
	cmdName := rest[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitInitError
	}

	logFile := cfg.Logging.LogFile
	if logFile == "" {
		logFile = "data/exchange.log"
	}
	logger, err := util.NewLoggerWithFile(logFile, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitInitError
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				sugar.Warnw("metrics_server_stopped", "err", err)
			}
		}()
	}

	rdb := queue.NewClient(cfg.Queue.RedisAddr)
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		sugar.Errorw("redis_unreachable", "addr", cfg.Queue.RedisAddr, "err", err)
		return exitQueueError
	}

	reg := market.NewRegistry()
	for i := range cfg.Markets {
		if err := reg.Register(buildMarket(&cfg.Markets[i])); err != nil {
			sugar.Errorw("market_register_failed", "err", err)
			return exitInitError
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmdName {
	case "run":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: exchange run <market_code>")
			return exitInitError
		}
		return runMarket(ctx, cfg, reg, rdb, rest[1], met, sugar)
	case "flush":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: exchange flush <market_code>")
			return exitInitError
		}
		return flushMarket(cfg, reg, rest[1], met, sugar)
	case "serve":
		return serveAll(ctx, cfg, reg, rdb, met, sugar)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmdName)
		return exitInitError
	}
}

func storeDir(cfg *config.Config, marketCode string) string {
	return filepath.Join(cfg.Store.CacheDir, marketCode, "book")
}

func tapeDir(cfg *config.Config, marketCode string) string {
	return filepath.Join(cfg.Store.CacheDir, marketCode, "trades")
}

func buildMarket(mc *config.MarketConfig) *market.Market {
	tiers := make([]market.FeeTier, len(mc.FeeTiers))
	for i, t := range mc.FeeTiers {
		tiers[i] = market.FeeTier{MinVolume: t.MinVolume, MakerBps: t.MakerBps, TakerBps: t.TakerBps}
	}
	return &market.Market{
		Code:         mc.Code,
		BaseAssetID:  mc.BaseAssetID,
		QuoteAssetID: mc.QuoteAssetID,
		FeeAccountID: mc.FeeAccountID,
		TickSize:     mc.TickSize,
		LotSize:      mc.LotSize,
		FeeTiers:     tiers,
	}
}

// openMarket assembles one market's store, working sets, ledger writer, and
// tape, returning a ready-to-run Dispatcher and a close func releasing the
// store handle. The market itself is looked up from reg, which already
// validated it at startup registration.
func openMarket(cfg *config.Config, reg *market.Registry, rdb *redis.Client, marketCode string, met *metrics.Collector, log *zap.SugaredLogger) (*dispatcher.Dispatcher, func(), error) {
	mc, err := cfg.Market(marketCode)
	if err != nil {
		return nil, nil, err
	}
	mkt, err := reg.Get(marketCode)
	if err != nil {
		return nil, nil, err
	}

	store, err := book.Open(storeDir(cfg, marketCode))
	if err != nil {
		return nil, nil, fmt.Errorf("store corrupt or unreadable: %w", err)
	}

	limit := mc.WorkingSetLimit
	if limit <= 0 {
		limit = book.DefaultWorkingSetLimit
	}
	bids, err := book.NewOrderList(store, 0, limit)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("store corrupt or unreadable: %w", err)
	}
	asks, err := book.NewOrderList(store, 1, limit)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("store corrupt or unreadable: %w", err)
	}

	ld := ledger.NewWriter(store.RawDB(), nil)
	tp, err := tape.Open(tapeDir(cfg, marketCode))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	mq := queue.NewMarketQueue(rdb, mc.Code)
	d := dispatcher.New(mkt, mq, store, bids, asks, ld, tp, met, log,
		cfg.Flush.Count, time.Duration(cfg.Flush.IntervalMillis)*time.Millisecond)
	return d, func() { store.Close() }, nil
}

func runMarket(ctx context.Context, cfg *config.Config, reg *market.Registry, rdb *redis.Client, marketCode string, met *metrics.Collector, log *zap.SugaredLogger) int {
	d, closeFn, err := openMarket(cfg, reg, rdb, marketCode, met, log)
	if err != nil {
		log.Errorw("market_init_failed", "market", marketCode, "err", err)
		return exitStoreCorrupt
	}
	defer closeFn()

	log.Infow("market_started", "market", marketCode)
	if err := d.Run(ctx); err != nil {
		log.Errorw("market_run_failed", "market", marketCode, "err", err)
		if dispatcher.IsStoreCorruption(err) {
			return exitStoreCorrupt
		}
		return exitQueueError
	}
	log.Infow("market_stopped", "market", marketCode)
	return exitOK
}

// flushMarket opens a market's store without starting its consumer loop and
// forces one flush, for operator-triggered durability boundaries outside the
// normal count/interval policy.
func flushMarket(cfg *config.Config, reg *market.Registry, marketCode string, met *metrics.Collector, log *zap.SugaredLogger) int {
	mc, err := cfg.Market(marketCode)
	if err != nil {
		log.Errorw("market_lookup_failed", "market", marketCode, "err", err)
		return exitInitError
	}
	mkt, err := reg.Get(marketCode)
	if err != nil {
		log.Errorw("market_lookup_failed", "market", marketCode, "err", err)
		return exitInitError
	}
	store, err := book.Open(storeDir(cfg, marketCode))
	if err != nil {
		log.Errorw("store_open_failed", "market", marketCode, "err", err)
		return exitStoreCorrupt
	}
	defer store.Close()

	limit := mc.WorkingSetLimit
	if limit <= 0 {
		limit = book.DefaultWorkingSetLimit
	}
	bids, err := book.NewOrderList(store, 0, limit)
	if err != nil {
		log.Errorw("orderlist_load_failed", "market", marketCode, "err", err)
		return exitStoreCorrupt
	}
	asks, err := book.NewOrderList(store, 1, limit)
	if err != nil {
		log.Errorw("orderlist_load_failed", "market", marketCode, "err", err)
		return exitStoreCorrupt
	}
	ld := ledger.NewWriter(store.RawDB(), nil)
	tp, err := tape.Open(tapeDir(cfg, marketCode))
	if err != nil {
		log.Errorw("tape_open_failed", "market", marketCode, "err", err)
		return exitInitError
	}

	d := dispatcher.New(mkt, nil, store, bids, asks, ld, tp, met, log,
		cfg.Flush.Count, time.Duration(cfg.Flush.IntervalMillis)*time.Millisecond)
	if err := d.Flush("manual"); err != nil {
		log.Errorw("manual_flush_failed", "market", marketCode, "err", err)
		return exitStoreCorrupt
	}
	log.Infow("manual_flush_complete", "market", marketCode)
	return exitOK
}

// serveAll runs every configured market's Dispatcher concurrently, one
// goroutine per market, and waits for all of them to stop.
func serveAll(ctx context.Context, cfg *config.Config, reg *market.Registry, rdb *redis.Client, met *metrics.Collector, log *zap.SugaredLogger) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	code := exitOK
	for i := range cfg.Markets {
		marketCode := cfg.Markets[i].Code
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c := runMarket(ctx, cfg, reg, rdb, marketCode, met, log); c != exitOK {
				mu.Lock()
				if code == exitOK {
					code = c
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return code
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"buyscope/internal/chain"
	"buyscope/internal/config"
	"buyscope/internal/dispatch"
	"buyscope/internal/enrich"
	"buyscope/internal/market"
	"buyscope/internal/metrics"
	"buyscope/internal/notify"
	"buyscope/internal/scanner"
	"buyscope/internal/settings"
	"buyscope/internal/storage"
	"buyscope/internal/storage/postgres"
	"buyscope/internal/tracker"
)

const shutdownTimeout = 30 * time.Second

func runTracker(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.TelegramToken == "" {
		return fmt.Errorf("telegram token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	dialer := chain.NewDialer(chain.WithPollInterval(cfg.PollInterval))

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deliverer, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramEndpoint, logger)
	if err != nil {
		return err
	}

	gateway := newGateway(cfg, logger)
	pipeline := enrich.NewPipeline(gateway, enrich.NewCooldownTracker(), enrich.Options{
		DefaultCooldown:  cfg.DefaultCooldown,
		PositionMinUSD:   cfg.PositionMinUSD,
		PositionMaxRatio: cfg.PositionMaxRatio,
		Logger:           logger,
	})
	dispatcher := dispatch.NewDispatcher(dispatch.NewQueue(cfg.QueueCapacity), dispatch.Options{
		Tick:        cfg.DispatchTick,
		Rate:        cfg.DispatchRate,
		MaxInFlight: cfg.DispatchConcurrency,
		Logger:      logger,
		Metrics:     m,
	})

	scanners, closeScanners, err := newScanners(ctx, cfg, dialer, logger, m)
	if err != nil {
		return err
	}
	defer closeScanners()

	chains := make(map[string]tracker.ChainSettings, len(cfg.Chains))
	for name, c := range cfg.Chains {
		chains[name] = tracker.ChainSettings{Endpoint: c.RPC, AggregatorHeavy: c.AggregatorHeavy}
	}

	t, err := tracker.New(tracker.Options{
		Chains:                chains,
		ReconcileInterval:     cfg.ReconcileInterval,
		InactivityWindow:      cfg.InactivityWindow,
		MaintenanceInterval:   cfg.MaintenanceInterval,
		CooldownRetention:     cfg.CooldownRetention,
		DiscoveryLimit:        cfg.DiscoveryLimit,
		DiscoveryMinLiquidity: cfg.DiscoveryMinLiquidity,
		HandlerConcurrency:    cfg.HandlerConcurrency,
		Logger:                logger,
		Metrics:               m,
	}, tracker.Deps{
		Store:      store,
		Market:     gateway,
		Dialer:     dialer,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Deliverer:  deliverer,
		Scanners:   scanners,
	})
	if err != nil {
		return err
	}

	metricsServer := serveMetrics(cfg.MetricsAddr, m, logger)

	logger.Info("buyscope start",
		zap.Strings("chains", cfg.ChainNames()),
		zap.Int("groups", len(store.All())),
		zap.Int("scanners", len(scanners)),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	if err := t.Start(ctx); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-hup:
			logger.Info("resync requested")
			if err := t.ClearCachesAndResync(ctx); err != nil {
				logger.Warn("resync failed", zap.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := t.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// openStore picks the Postgres store when a DSN is configured. Groups seeded from
// config are added only when the store does not know them yet.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (settings.Store, func(), error) {
	if cfg.PGDSN == "" {
		return settings.NewMemoryStore(cfg.Groups...), func() {}, nil
	}

	pg, err := settings.NewPostgresStore(ctx, cfg.PGDSN, 0, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open settings store: %w", err)
	}
	seeded := 0
	for _, g := range cfg.Groups {
		if _, err := pg.Get(g.GroupID); errors.Is(err, settings.ErrNotFound) {
			pg.Put(g)
			seeded++
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pg.Run(runCtx)
	}()
	if seeded > 0 {
		pg.MarkDirty()
	}

	return pg, func() {
		cancel()
		<-done
		pg.Close()
	}, nil
}

func newGateway(cfg config.Config, logger *zap.Logger) *market.Gateway {
	sources := make(map[string]market.ChainSource, len(cfg.Chains))
	for name, c := range cfg.Chains {
		sources[name] = market.ChainSource{
			DexScreenerID: c.DexScreenerID,
			GeckoNetwork:  c.GeckoTerminalNetwork,
			NativeTicker:  c.NativeTicker(),
			NativeDefault: c.NativePrice,
		}
	}

	return market.NewGateway(sources,
		market.NewDexScreener(market.ClientOptions{BaseURL: cfg.DexScreenerURL, RatePerSec: 4, Burst: 4, Logger: logger}),
		market.NewGeckoTerminal(market.ClientOptions{BaseURL: cfg.GeckoTerminalURL, RatePerSec: 0.5, Burst: 2, Logger: logger}),
		market.NewBinance(market.ClientOptions{BaseURL: cfg.BinanceURL, RatePerSec: 5, Burst: 5, Logger: logger}),
		market.GatewayOptions{PairTTL: cfg.PairStatsTTL, NativeTTL: cfg.NativePriceTTL, Logger: logger},
	)
}

// newScanners builds one scanner per chain with factories. Output goes to the JSONL
// file and to Postgres when configured; progress is kept in Postgres, else on disk.
func newScanners(ctx context.Context, cfg config.Config, dialer chain.Dialer, logger *zap.Logger, m *metrics.Metrics) ([]tracker.Runner, func(), error) {
	var sinks storage.Multi
	var state scanner.StateStore
	closeFn := func() {}

	if cfg.ScannerOutput != "" {
		sinks = append(sinks, storage.NewJsonlStorage(cfg.ScannerOutput))
	}
	if cfg.PGDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open scanner store: %w", err)
		}
		sinks = append(sinks, pg)
		state = pg
		closeFn = pg.Close
	} else if cfg.ScannerCheckpointDir != "" {
		state = scanner.NewFileStateStore(cfg.ScannerCheckpointDir)
	}

	var sink storage.PoolSink
	if len(sinks) > 0 {
		sink = sinks
	}

	var runners []tracker.Runner
	for _, name := range cfg.ChainNames() {
		c := cfg.Chains[name]
		if len(c.Factories) == 0 {
			continue
		}
		factories := make([]common.Address, 0, len(c.Factories))
		for _, f := range c.Factories {
			if !common.IsHexAddress(f) {
				closeFn()
				return nil, nil, fmt.Errorf("chain %s: invalid factory address %s", name, f)
			}
			factories = append(factories, common.HexToAddress(f))
		}
		s, err := scanner.New(scanner.Config{
			Chain:        name,
			Endpoint:     c.RPC,
			Factories:    factories,
			Interval:     cfg.ScannerInterval,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		}, dialer, sink, state, logger, m)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		runners = append(runners, s)
	}
	return runners, closeFn, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

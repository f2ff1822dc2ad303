// Package tracker keeps per-chain pool subscriptions in sync with group settings
// and turns pool swaps into queued buy alerts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"buyscope/internal/buyer"
	"buyscope/internal/cache"
	"buyscope/internal/chain"
	"buyscope/internal/dex"
	"buyscope/internal/dispatch"
	"buyscope/internal/enrich"
	"buyscope/internal/metrics"
	"buyscope/internal/model"
	"buyscope/internal/settings"
)

// Market is the subset of the market gateway used for discovery and cache upkeep.
type Market interface {
	TokenPoolsByLiquidity(ctx context.Context, chainName, token string) []model.PoolLiquidity
	Prune() int
	Clear()
}

// Deliverer sends one alert to its group.
type Deliverer interface {
	Deliver(ctx context.Context, alert model.Alert) error
}

// Runner is an independent background task owned by the tracker, such as a pool scanner.
type Runner interface {
	Run(ctx context.Context) error
}

// ChainSettings configures one chain.
type ChainSettings struct {
	Endpoint        string
	AggregatorHeavy bool
}

// Options tunes the tracker.
type Options struct {
	Chains                map[string]ChainSettings
	ReconcileInterval     time.Duration
	InactivityWindow      time.Duration
	MaintenanceInterval   time.Duration
	CooldownRetention     time.Duration
	DedupeTTL             time.Duration
	DiscoveryLimit        int
	DiscoveryMinLiquidity float64
	HandlerConcurrency    int
	EventBuffer           int
	Now                   func() time.Time
	Logger                *zap.Logger
	Metrics               *metrics.Metrics
}

// Deps are the collaborators wired into the tracker.
type Deps struct {
	Store      settings.Store
	Market     Market
	Dialer     chain.Dialer
	Decoder    *dex.SwapDecoder
	Resolver   *buyer.Resolver
	Pipeline   *enrich.Pipeline
	Dispatcher *dispatch.Dispatcher
	Deliverer  Deliverer
	Scanners   []Runner
}

// Tracker is the top-level scheduler.
type Tracker struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	store      settings.Store
	market     Market
	decoder    *dex.SwapDecoder
	resolver   *buyer.Resolver
	pipeline   *enrich.Pipeline
	dispatcher *dispatch.Dispatcher
	deliverer  Deliverer
	scanners   []Runner

	registry *Registry
	events   chan poolEvent
	seen     *cache.TTL[string, struct{}]
	resync   chan chan error

	mu      sync.Mutex
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
	started bool
}

// New validates deps and builds a Tracker.
func New(opts Options, deps Deps) (*Tracker, error) {
	if deps.Store == nil || deps.Market == nil || deps.Dialer == nil || deps.Deliverer == nil {
		return nil, fmt.Errorf("tracker: store, market, dialer and deliverer are required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("tracker: enrichment pipeline is required")
	}
	applyDefaults(&opts)

	if deps.Decoder == nil {
		decoder, err := dex.NewSwapDecoder()
		if err != nil {
			return nil, err
		}
		deps.Decoder = decoder
	}
	if deps.Resolver == nil {
		deps.Resolver = buyer.NewResolver(aggregatorHeavy(opts.Chains), opts.Logger)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.NewDispatcher(nil, dispatch.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}

	t := &Tracker{
		opts:       opts,
		logger:     opts.Logger.With(zap.String("component", "tracker")),
		metrics:    opts.Metrics,
		store:      deps.Store,
		market:     deps.Market,
		decoder:    deps.Decoder,
		resolver:   deps.Resolver,
		pipeline:   deps.Pipeline,
		dispatcher: deps.Dispatcher,
		deliverer:  deps.Deliverer,
		scanners:   deps.Scanners,
		events:     make(chan poolEvent, opts.EventBuffer),
		seen:       cache.NewTTL[string, struct{}](opts.DedupeTTL),
		resync:     make(chan chan error),
	}

	topics := make(map[model.ProtocolVersion]common.Hash, len(deps.Decoder.Versions()))
	for _, v := range deps.Decoder.Versions() {
		topics[v] = deps.Decoder.Topic(v)
	}
	t.registry = newRegistry(registryOptions{
		dialer:     deps.Dialer,
		topics:     topics,
		events:     t.events,
		inactivity: opts.InactivityWindow,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	})
	return t, nil
}

func applyDefaults(opts *Options) {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 15 * time.Second
	}
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = 60 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 5 * time.Minute
	}
	if opts.CooldownRetention <= 0 {
		opts.CooldownRetention = 24 * time.Hour
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.DiscoveryLimit <= 0 {
		opts.DiscoveryLimit = 15
	}
	if opts.HandlerConcurrency <= 0 {
		opts.HandlerConcurrency = 16
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
}

func aggregatorHeavy(chains map[string]ChainSettings) func(string) bool {
	return func(name string) bool {
		return chains[name].AggregatorHeavy
	}
}

// Registry exposes the connection registry.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// Start launches reconciliation, event handling, dispatch, maintenance and scanners.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("tracker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.runCtx = runCtx
	t.started = true

	t.goSafe("reconcile", func() { t.loop(runCtx) })
	t.goSafe("events", func() { t.consume(runCtx) })
	t.goSafe("dispatch", func() { t.dispatcher.Run(runCtx) })
	t.goSafe("maintenance", func() { t.maintain(runCtx) })
	for _, s := range t.scanners {
		s := s
		t.goSafe("scanner", func() {
			if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("scanner stopped", zap.Error(err))
			}
		})
	}
	t.logger.Info("tracking started", zap.Int("chains", len(t.opts.Chains)))
	return nil
}

func (t *Tracker) goSafe(name string, fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panic", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

// loop runs reconciliation passes separated by a fixed delay measured from the end of each pass.
func (t *Tracker) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = t.runPass(ctx)
		case reply := <-t.resync:
			reply <- t.clearAndResync(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(t.opts.ReconcileInterval)
	}
}

// ClearCachesAndResync empties every cache, reloads settings and runs an immediate pass.
func (t *Tracker) ClearCachesAndResync(ctx context.Context) error {
	t.mu.Lock()
	started, runCtx := t.started, t.runCtx
	t.mu.Unlock()
	if !started {
		return t.clearAndResync(ctx)
	}

	reply := make(chan error, 1)
	select {
	case t.resync <- reply:
	case <-runCtx.Done():
		return fmt.Errorf("tracker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) clearAndResync(ctx context.Context) error {
	t.clearCaches()
	if err := t.store.Reload(ctx); err != nil {
		return fmt.Errorf("reload settings: %w", err)
	}
	if err := t.runPass(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	t.logger.Info("caches cleared and resynced")
	return nil
}

func (t *Tracker) clearCaches() {
	t.market.Clear()
	t.resolver.Clear()
	t.pipeline.ClearCaches()
	t.seen.Clear()
}

// maintain purges expired cooldowns and cache entries.
func (t *Tracker) maintain(ctx context.Context) {
	ticker := time.NewTicker(t.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.maintenancePass()
		}
	}
}

func (t *Tracker) maintenancePass() {
	cutoff := t.opts.Now().Add(-t.opts.CooldownRetention)
	purged := t.pipeline.Cooldowns().Purge(cutoff)
	pruned := t.market.Prune() + t.resolver.Prune() + t.pipeline.Prune() + t.seen.Prune()
	t.logger.Debug("maintenance done", zap.Int("cooldowns_purged", purged), zap.Int("cache_pruned", pruned))
}

// Shutdown stops every background task, detaches all subscriptions, closes every
// connection, drops pending alerts and clears caches.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.started = false
	t.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
		}
	}

	t.registry.CloseAll()
	if pending := t.dispatcher.Queue().Len(); pending > 0 {
		t.logger.Warn("discarding pending alerts", zap.Int("pending", pending))
	}
	t.dispatcher.Queue().Clear()
	t.clearCaches()
	t.pipeline.Cooldowns().Clear()

	err := errors.Join(errs...)
	if err != nil {
		t.logger.Error("shutdown incomplete", zap.Error(err))
	} else {
		t.logger.Info("tracking stopped")
	}
	return err
}

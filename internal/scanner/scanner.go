package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"buyscope/internal/cache"
	"buyscope/internal/chain"
	"buyscope/internal/dex"
	"buyscope/internal/metrics"
	"buyscope/internal/model"
	"buyscope/internal/storage"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 2000
	defaultMaxBackfill = 10000
	seenTTL            = time.Hour
)

// Config holds the settings of one chain's scanner.
type Config struct {
	Chain        string
	Endpoint     string
	Factories    []common.Address
	Interval     time.Duration
	BatchSize    uint64
	MaxBackfill  uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Scanner polls factory contracts of one chain for newly created pools.
// It owns its own connection and never feeds the alert path.
type Scanner struct {
	cfg     Config
	dial    chain.Dialer
	sink    storage.PoolSink
	state   StateStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	topics  []common.Hash
	retry   retryPolicy
	seen    *cache.TTL[string, struct{}]
	last    uint64
}

// New builds a Scanner. A nil sink only logs; a nil state starts every run at the head.
func New(cfg Config, dial chain.Dialer, sink storage.PoolSink, state StateStore, logger *zap.Logger, m *metrics.Metrics) (*Scanner, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer is nil")
	}
	if cfg.Chain == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("chain and endpoint are required")
	}
	if len(cfg.Factories) == 0 {
		return nil, fmt.Errorf("chain %s: at least one factory is required", cfg.Chain)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxBackfill == 0 {
		cfg.MaxBackfill = defaultMaxBackfill
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	topics, err := dex.CreationTopics()
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("component", "scanner"), zap.String("chain", cfg.Chain))
	return &Scanner{
		cfg:     cfg,
		dial:    dial,
		sink:    sink,
		state:   state,
		logger:  logger,
		metrics: m,
		topics:  topics,
		retry:   newRetryPolicy(cfg.MaxRetries, cfg.RetryBackoff, logger),
		seen:    cache.NewTTL[string, struct{}](seenTTL),
	}, nil
}

// Run scans until ctx is cancelled. Failures are logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) error {
	s.resume(ctx)

	var backend chain.Backend
	defer func() {
		if backend != nil {
			backend.Close()
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if backend == nil {
			b, err := s.dial(ctx, s.cfg.Endpoint)
			if err != nil {
				s.logger.Warn("dial failed", zap.Error(err))
			} else {
				backend = b
			}
		}
		if backend != nil {
			if _, err := s.scanSafely(ctx, backend); err != nil && ctx.Err() == nil {
				s.logger.Warn("scan failed", zap.Error(err))
			}
		}
		s.seen.Prune()

		timer.Reset(s.cfg.Interval)
	}
}

func (s *Scanner) resume(ctx context.Context) {
	if s.state == nil {
		return
	}
	last, ok, err := s.state.LoadState(ctx, s.stateName())
	if err != nil {
		s.logger.Warn("load checkpoint failed", zap.Error(err))
		return
	}
	if ok {
		s.last = last
		s.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last))
	}
}

func (s *Scanner) stateName() string {
	return "scanner:" + s.cfg.Chain
}

func (s *Scanner) scanSafely(ctx context.Context, reader chain.Reader) (found int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.HandlerPanics.Inc()
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return s.scan(ctx, reader)
}

// scan processes every block between the last processed block and the head.
// ctx is checked before and after each network call.
func (s *Scanner) scan(ctx context.Context, reader chain.Reader) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var head uint64
	err := s.retry.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		head, err = reader.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	next, ok := window(s.last, head, s.cfg.MaxBackfill)
	if !ok {
		return 0, nil
	}
	ranges, err := SplitRange(next.From, next.To, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		logs, err := s.filterLogsWithRetry(ctx, reader, blockRange)
		if err != nil {
			return found, fmt.Errorf("filter logs: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return found, err
		}

		pools := s.collect(logs)
		if s.sink != nil {
			if err := s.sink.PutPoolBatch(ctx, pools); err != nil {
				return found, fmt.Errorf("store pools: %w", err)
			}
		}
		found += len(pools)

		s.last = blockRange.To
		if s.state != nil {
			if err := s.state.SaveState(ctx, s.stateName(), s.last); err != nil {
				s.logger.Warn("save checkpoint failed", zap.Error(err))
			}
		}
	}

	s.logger.Debug("scan complete", zap.Int("pools", found), zap.Uint64("from", next.From), zap.Uint64("to", next.To))
	return found, nil
}

func (s *Scanner) filterLogsWithRetry(ctx context.Context, reader chain.Reader, blockRange BlockRange) ([]types.Log, error) {
	var logs []types.Log
	err := s.retry.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = reader.FilterLogs(ctx, blockRange.From, blockRange.To, s.cfg.Factories, s.topics)
		return err
	})
	if err != nil {
		s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}
	return logs, err
}

func (s *Scanner) collect(logs []types.Log) []model.PoolCreation {
	pools := make([]model.PoolCreation, 0, len(logs))
	for _, log := range logs {
		if log.Removed || s.isDuplicate(log) {
			continue
		}
		created, err := dex.DecodePoolCreation(s.cfg.Chain, log)
		if err != nil {
			s.logger.Debug("skip factory log", zap.Error(err), zap.String("tx_hash", log.TxHash.Hex()))
			continue
		}
		s.metrics.PoolsCreated.WithLabelValues(s.cfg.Chain, created.Kind).Inc()
		s.logger.Info("new pool",
			zap.String("pool", created.Pool),
			zap.String("factory", created.Factory),
			zap.String("token0", created.Token0),
			zap.String("token1", created.Token1),
			zap.String("kind", created.Kind),
			zap.Uint64("block_number", created.BlockNumber),
		)
		pools = append(pools, created)
	}
	return pools
}

func (s *Scanner) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := s.seen.Get(id); ok {
		return true
	}
	s.seen.Set(id, struct{}{})
	return false
}

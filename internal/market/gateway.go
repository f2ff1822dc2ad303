package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"buyscope/internal/cache"
	"buyscope/internal/model"
)

const (
	defaultPairTTL   = 15 * time.Second
	defaultNativeTTL = 30 * time.Second
	defaultPoolsTTL  = 2 * time.Minute
	requestTimeout   = 8 * time.Second
)

// ChainSource maps an internal chain name to provider identifiers.
type ChainSource struct {
	DexScreenerID string
	GeckoNetwork  string
	NativeTicker  string
	NativeDefault float64
}

// GatewayOptions tunes cache lifetimes.
type GatewayOptions struct {
	PairTTL   time.Duration
	NativeTTL time.Duration
	PoolsTTL  time.Duration
	Logger    *zap.Logger
}

// Gateway is the provider-agnostic market data surface. It never returns errors:
// upstream failures degrade to nil, cached or default values.
type Gateway struct {
	chains   map[string]ChainSource
	primary  *DexScreener
	fallback *GeckoTerminal
	ticker   *Binance

	pairs         *cache.TTL[string, *model.PairStats]
	fallbackPairs *cache.TTL[string, *model.PairStats]
	pools         *cache.TTL[string, []model.PoolLiquidity]
	native        *cache.TTL[string, float64]
	lastNative    *cache.TTL[string, float64]

	flight singleflight.Group
	logger *zap.Logger
}

// NewGateway wires provider clients behind caches. fallback and ticker may be nil.
func NewGateway(chains map[string]ChainSource, primary *DexScreener, fallback *GeckoTerminal, ticker *Binance, opts GatewayOptions) *Gateway {
	if opts.PairTTL <= 0 {
		opts.PairTTL = defaultPairTTL
	}
	if opts.NativeTTL <= 0 {
		opts.NativeTTL = defaultNativeTTL
	}
	if opts.PoolsTTL <= 0 {
		opts.PoolsTTL = defaultPoolsTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		chains:        chains,
		primary:       primary,
		fallback:      fallback,
		ticker:        ticker,
		pairs:         cache.NewTTL[string, *model.PairStats](opts.PairTTL),
		fallbackPairs: cache.NewTTL[string, *model.PairStats](opts.PairTTL),
		pools:         cache.NewTTL[string, []model.PoolLiquidity](opts.PoolsTTL),
		native:        cache.NewTTL[string, float64](opts.NativeTTL),
		lastNative:    cache.NewTTL[string, float64](0),
		logger:        opts.Logger.With(zap.String("component", "market")),
	}
}

// PairStats returns primary provider stats, or nil when unavailable.
func (g *Gateway) PairStats(ctx context.Context, chainName, pool string) *model.PairStats {
	src, ok := g.chains[chainName]
	if !ok || g.primary == nil {
		return nil
	}
	id := src.DexScreenerID
	if id == "" {
		id = chainName
	}
	return g.cachedPair(ctx, g.pairs, "ds:"+chainName+":"+pool, func(ctx context.Context) (*model.PairStats, error) {
		return g.primary.PairStats(ctx, id, pool)
	})
}

// HasFallback reports whether a fallback provider is configured for the chain.
func (g *Gateway) HasFallback(chainName string) bool {
	src, ok := g.chains[chainName]
	return ok && g.fallback != nil && src.GeckoNetwork != ""
}

// FallbackPairStats returns fallback provider stats, or nil when unavailable.
func (g *Gateway) FallbackPairStats(ctx context.Context, chainName, pool string) *model.PairStats {
	if !g.HasFallback(chainName) {
		return nil
	}
	network := g.chains[chainName].GeckoNetwork
	return g.cachedPair(ctx, g.fallbackPairs, "gt:"+chainName+":"+pool, func(ctx context.Context) (*model.PairStats, error) {
		return g.fallback.PairStats(ctx, network, pool)
	})
}

func (g *Gateway) cachedPair(
	ctx context.Context,
	store *cache.TTL[string, *model.PairStats],
	key string,
	fetch func(context.Context) (*model.PairStats, error),
) *model.PairStats {
	if stats, ok := store.Get(key); ok {
		return copyStats(stats)
	}
	v, _, _ := g.flight.Do(key, func() (interface{}, error) {
		if stats, ok := store.Get(key); ok {
			return stats, nil
		}
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		stats, err := fetch(callCtx)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				g.logger.Warn("pair stats fetch failed", zap.String("key", key), zap.Error(err))
			}
			stats = nil
		}
		// nil results are cached too so a failing key is retried at most once per ttl
		store.Set(key, stats)
		return stats, nil
	})
	stats, _ := v.(*model.PairStats)
	return copyStats(stats)
}

// TokenPoolsByLiquidity returns pools for token ordered by descending liquidity.
func (g *Gateway) TokenPoolsByLiquidity(ctx context.Context, chainName, token string) []model.PoolLiquidity {
	src, ok := g.chains[chainName]
	if !ok || g.primary == nil {
		return nil
	}
	id := src.DexScreenerID
	if id == "" {
		id = chainName
	}
	token = model.NormalizeAddress(token)
	key := chainName + ":" + token
	if pools, ok := g.pools.Get(key); ok {
		return append([]model.PoolLiquidity(nil), pools...)
	}

	v, _, _ := g.flight.Do("pools:"+key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		pools, err := g.primary.TokenPools(callCtx, id, token)
		if err != nil {
			g.logger.Warn("token pools fetch failed",
				zap.String("chain", chainName),
				zap.String("token", token),
				zap.Error(err),
			)
			return []model.PoolLiquidity(nil), nil
		}
		g.pools.Set(key, pools)
		return pools, nil
	})
	pools, _ := v.([]model.PoolLiquidity)
	return append([]model.PoolLiquidity(nil), pools...)
}

// NativePrice returns the native asset USD price: cached, then last known, then the static default.
func (g *Gateway) NativePrice(ctx context.Context, chainName string) float64 {
	src := g.chains[chainName]
	if price, ok := g.native.Get(chainName); ok {
		return price
	}
	v, _, _ := g.flight.Do("native:"+chainName, func() (interface{}, error) {
		if price, ok := g.native.Get(chainName); ok {
			return price, nil
		}
		price := 0.0
		if g.ticker != nil && src.NativeTicker != "" {
			callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			fetched, err := g.ticker.Price(callCtx, strings.ToUpper(src.NativeTicker))
			cancel()
			if err != nil {
				g.logger.Warn("native price fetch failed", zap.String("chain", chainName), zap.Error(err))
			} else {
				price = fetched
				g.lastNative.Set(chainName, fetched)
			}
		}
		if price <= 0 {
			if last, ok := g.lastNative.Get(chainName); ok {
				price = last
			} else {
				price = src.NativeDefault
			}
		}
		g.native.Set(chainName, price)
		return price, nil
	})
	price, _ := v.(float64)
	return price
}

// Prune drops expired cache entries.
func (g *Gateway) Prune() int {
	return g.pairs.Prune() + g.fallbackPairs.Prune() + g.pools.Prune() + g.native.Prune()
}

// Clear empties every cache including last known native prices.
func (g *Gateway) Clear() {
	g.pairs.Clear()
	g.fallbackPairs.Clear()
	g.pools.Clear()
	g.native.Clear()
	g.lastNative.Clear()
}

func copyStats(stats *model.PairStats) *model.PairStats {
	if stats == nil {
		return nil
	}
	out := *stats
	return &out
}

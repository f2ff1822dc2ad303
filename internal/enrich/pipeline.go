// Package enrich prices classified buys and turns them into per-group alerts.
package enrich

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"buyscope/internal/cache"
	"buyscope/internal/chain"
	"buyscope/internal/dex"
	"buyscope/internal/model"
)

const (
	defaultDecimals = 18
	stableDecimals  = 6
	tokenMetaTTL    = 24 * time.Hour
)

var stableSymbols = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"DAI":  {},
	"BUSD": {},
}

// MarketSource is the market data capability consumed by the pipeline.
type MarketSource interface {
	PairStats(ctx context.Context, chainName, pool string) *model.PairStats
	HasFallback(chainName string) bool
	FallbackPairStats(ctx context.Context, chainName, pool string) *model.PairStats
	NativePrice(ctx context.Context, chainName string) float64
}

// Options tunes the pipeline thresholds.
type Options struct {
	DefaultCooldown  time.Duration
	PositionMinUSD   float64
	PositionMaxRatio float64
	Logger           *zap.Logger
	Now              func() time.Time
}

// Pipeline enriches buys and applies per-group admission filters.
type Pipeline struct {
	market    MarketSource
	cooldowns *CooldownTracker
	tokens    *cache.TTL[string, model.TokenMeta]
	opts      Options
	logger    *zap.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(market MarketSource, cooldowns *CooldownTracker, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 3 * time.Second
	}
	if opts.PositionMinUSD <= 0 {
		opts.PositionMinUSD = 100
	}
	if opts.PositionMaxRatio <= 0 {
		opts.PositionMaxRatio = 100000
	}
	if cooldowns == nil {
		cooldowns = NewCooldownTracker()
	}
	return &Pipeline{
		market:    market,
		cooldowns: cooldowns,
		tokens:    cache.NewTTL[string, model.TokenMeta](tokenMetaTTL),
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "enrich")),
	}
}

// Cooldowns exposes the tracker for maintenance.
func (p *Pipeline) Cooldowns() *CooldownTracker {
	return p.cooldowns
}

// Process builds the alert for buy and returns one copy per admitted group.
func (p *Pipeline) Process(ctx context.Context, buy model.BuyEvent, reader chain.Reader, groups []model.GroupSettings) []model.Alert {
	if len(groups) == 0 {
		return nil
	}
	base := p.Build(ctx, buy, reader)
	now := p.opts.Now()

	alerts := make([]model.Alert, 0, len(groups))
	for _, group := range groups {
		if !p.Admit(group, base.ValueUSD, buy.Pool, now) {
			continue
		}
		alert := base
		alert.GroupID = group.GroupID
		alert.Render = group.Render
		alerts = append(alerts, alert)
	}
	return alerts
}

// Admit applies the USD bounds and the per-group cooldown. The cooldown is
// consumed on admission regardless of later delivery success.
func (p *Pipeline) Admit(group model.GroupSettings, valueUSD float64, pool string, now time.Time) bool {
	if group.MinUSD > 0 && valueUSD < group.MinUSD {
		return false
	}
	if group.MaxUSD > 0 && valueUSD > group.MaxUSD {
		return false
	}
	window := p.opts.DefaultCooldown
	if group.CooldownSeconds > 0 {
		window = time.Duration(group.CooldownSeconds) * time.Second
	}
	return p.cooldowns.Allow(group.GroupID, model.NormalizeAddress(pool), window, now)
}

// Build prices buy. Every step degrades to defaults rather than failing.
func (p *Pipeline) Build(ctx context.Context, buy model.BuyEvent, reader chain.Reader) model.Alert {
	target := buy.Sides.TargetToken
	baseToken := buy.Sides.BaseToken()
	logger := p.logger.With(zap.String("chain", buy.Chain), zap.String("pool", buy.Pool), zap.String("tx", buy.TxHash))

	stats := p.pairStats(ctx, buy.Chain, buy.Pool)

	targetInfo := tokenInfoFor(stats, target)
	baseInfo := tokenInfoFor(stats, baseToken)

	targetDecimals, targetSymbol := p.resolveToken(ctx, reader, buy.Chain, target, targetInfo)
	baseDecimals, baseSymbol := p.resolveToken(ctx, reader, buy.Chain, baseToken, baseInfo)

	targetOut := scaled(buy.TargetOut, targetDecimals)
	baseIn := scaled(buy.BaseIn, baseDecimals)

	unitPrice := decimal.Zero
	if stats != nil && stats.PriceUSD > 0 && stats.BaseToken.Address == target {
		unitPrice = decimal.NewFromFloat(stats.PriceUSD)
	}

	var valueUSD decimal.Decimal
	if unitPrice.IsPositive() && targetOut.IsPositive() {
		valueUSD = targetOut.Mul(unitPrice)
	} else {
		native := decimal.NewFromFloat(p.market.NativePrice(ctx, buy.Chain))
		valueUSD = baseIn.Mul(native)
		if targetOut.IsPositive() {
			unitPrice = valueUSD.Div(targetOut)
		}
	}

	alert := model.Alert{
		Chain:        buy.Chain,
		PoolAddress:  buy.Pool,
		TargetToken:  target,
		TxHash:       buy.TxHash,
		BlockNumber:  buy.BlockNumber,
		Buyer:        buy.Buyer,
		ValueUSD:     valueUSD.InexactFloat64(),
		BaseAmount:   baseIn.String(),
		BaseSymbol:   baseSymbol,
		TargetAmount: targetOut.String(),
		TargetSymbol: targetSymbol,
		PriceUSD:     unitPrice.InexactFloat64(),
	}
	if stats != nil {
		alert.MarketCap = stats.FDV
		alert.Volume24h = stats.Volume24h
		alert.LiquidityUSD = stats.LiquidityUSD
	}

	if alert.ValueUSD >= p.opts.PositionMinUSD {
		alert.PositionIncrease = p.positionIncrease(ctx, reader, buy, logger)
	}
	return alert
}

func (p *Pipeline) pairStats(ctx context.Context, chainName, pool string) *model.PairStats {
	stats := p.market.PairStats(ctx, chainName, pool)
	if stats.Usable() || !p.market.HasFallback(chainName) {
		return stats
	}
	fallback := p.market.FallbackPairStats(ctx, chainName, pool)
	if fallback == nil {
		return stats
	}
	if stats == nil {
		return fallback
	}
	stats.Merge(fallback)
	return stats
}

// resolveToken returns decimals and symbol: provider, then stablecoin symbol, then on-chain, then 18.
func (p *Pipeline) resolveToken(ctx context.Context, reader chain.Reader, chainName, token string, info *model.TokenInfo) (int32, string) {
	symbol := ""
	if info != nil {
		symbol = info.Symbol
		if info.Decimals != nil && *info.Decimals >= 0 {
			return int32(*info.Decimals), symbol
		}
	}
	if _, ok := stableSymbols[strings.ToUpper(symbol)]; ok {
		return stableDecimals, symbol
	}

	if meta, ok := p.tokenMeta(ctx, reader, chainName, token); ok {
		if symbol == "" {
			symbol = meta.Symbol
		}
		return int32(meta.Decimals), symbol
	}
	return defaultDecimals, symbol
}

func (p *Pipeline) tokenMeta(ctx context.Context, reader chain.Reader, chainName, token string) (model.TokenMeta, bool) {
	key := chainName + ":" + token
	if meta, ok := p.tokens.Get(key); ok {
		return meta, true
	}
	if reader == nil || !common.IsHexAddress(token) {
		return model.TokenMeta{}, false
	}
	meta, err := dex.FetchTokenMeta(ctx, reader, common.HexToAddress(token), p.logger)
	if err != nil {
		p.logger.Debug("token meta lookup failed", zap.String("chain", chainName), zap.String("token", token), zap.Error(err))
		return model.TokenMeta{}, false
	}
	p.tokens.Set(key, meta)
	return meta, true
}

// positionIncrease compares the buy against the buyer's balance one block earlier.
func (p *Pipeline) positionIncrease(ctx context.Context, reader chain.Reader, buy model.BuyEvent, logger *zap.Logger) *int64 {
	if reader == nil || buy.BlockNumber == 0 || buy.TargetOut == nil || buy.TargetOut.Sign() <= 0 {
		return nil
	}
	if !common.IsHexAddress(buy.Buyer) || !common.IsHexAddress(buy.Sides.TargetToken) {
		return nil
	}
	prevBlock := new(big.Int).SetUint64(buy.BlockNumber - 1)
	prev, err := dex.BalanceOf(ctx, reader, common.HexToAddress(buy.Sides.TargetToken), common.HexToAddress(buy.Buyer), prevBlock)
	if err != nil {
		logger.Debug("previous balance lookup failed", zap.String("buyer", buy.Buyer), zap.Error(err))
		return nil
	}
	return PositionIncrease(prev, buy.TargetOut, p.opts.PositionMaxRatio)
}

// PositionIncrease returns bought/previous as an integer percent, or nil when the
// previous balance is empty or the ratio exceeds maxPercent.
func PositionIncrease(previous, bought *big.Int, maxPercent float64) *int64 {
	if previous == nil || bought == nil || previous.Sign() <= 0 || bought.Sign() <= 0 {
		return nil
	}
	percent := decimal.NewFromBigInt(bought, 0).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromBigInt(previous, 0))
	if percent.GreaterThan(decimal.NewFromFloat(maxPercent)) {
		return nil
	}
	v := percent.Round(0).IntPart()
	return &v
}

func tokenInfoFor(stats *model.PairStats, address string) *model.TokenInfo {
	if stats == nil || address == "" {
		return nil
	}
	if stats.BaseToken.Address == address {
		info := stats.BaseToken
		return &info
	}
	if stats.QuoteToken.Address == address {
		info := stats.QuoteToken
		return &info
	}
	return nil
}

func scaled(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// Prune drops expired token metadata.
func (p *Pipeline) Prune() int {
	return p.tokens.Prune()
}

// ClearCaches forgets token metadata. Cooldowns are kept.
func (p *Pipeline) ClearCaches() {
	p.tokens.Clear()
}

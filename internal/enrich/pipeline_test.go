package enrich

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"buyscope/internal/dex"
	"buyscope/internal/model"
)

const (
	target = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	wbnb   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	pool   = "0xcccccccccccccccccccccccccccccccccccccccc"
	wallet = "0xdddddddddddddddddddddddddddddddddddddddd"
)

type fakeMarket struct {
	primary  *model.PairStats
	fallback *model.PairStats
	native   float64
}

func (f *fakeMarket) PairStats(context.Context, string, string) *model.PairStats {
	if f.primary == nil {
		return nil
	}
	out := *f.primary
	return &out
}

func (f *fakeMarket) HasFallback(string) bool { return f.fallback != nil }

func (f *fakeMarket) FallbackPairStats(context.Context, string, string) *model.PairStats {
	if f.fallback == nil {
		return nil
	}
	out := *f.fallback
	return &out
}

func (f *fakeMarket) NativePrice(context.Context, string) float64 { return f.native }

// erc20Reader answers decimals/symbol/balanceOf for any token.
type erc20Reader struct {
	decimals uint8
	symbol   string
	balances map[uint64]*big.Int
}

func (r *erc20Reader) CodeAt(context.Context, common.Address) ([]byte, error) { return nil, nil }

func (r *erc20Reader) TransactionSender(context.Context, common.Hash) (common.Address, error) {
	return common.Address{}, errors.New("not implemented")
}

func (r *erc20Reader) LatestBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (r *erc20Reader) FilterLogs(context.Context, uint64, uint64, []common.Address, []common.Hash) ([]types.Log, error) {
	return nil, nil
}

func (r *erc20Reader) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	erc20, err := dex.ERC20ABI()
	if err != nil {
		return nil, err
	}
	method, err := erc20.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(r.decimals)
	case "symbol":
		return method.Outputs.Pack(r.symbol)
	case "name":
		return method.Outputs.Pack(r.symbol)
	case "balanceOf":
		if block == nil {
			return nil, errors.New("balance must be read at a block")
		}
		bal, ok := r.balances[block.Uint64()]
		if !ok {
			return nil, errors.New("unknown block")
		}
		return method.Outputs.Pack(bal)
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func units(v int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func intPtr(v int) *int { return &v }

func testBuy() model.BuyEvent {
	return model.BuyEvent{
		Chain:       "bsc",
		Pool:        pool,
		Sides:       model.PoolSides{Token0: target, Token1: wbnb, TargetToken: target},
		BaseIn:      units(1, 18),
		TargetOut:   units(2000, 18),
		Buyer:       wallet,
		TxHash:      "0xtx",
		BlockNumber: 500,
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestBuildUsesProviderPrice(t *testing.T) {
	market := &fakeMarket{
		primary: &model.PairStats{
			PriceUSD: 0.05, FDV: 5_000_000, LiquidityUSD: 120_000, Volume24h: 33_000,
			BaseToken:  model.TokenInfo{Address: target, Symbol: "ALP", Decimals: intPtr(18)},
			QuoteToken: model.TokenInfo{Address: wbnb, Symbol: "WBNB", Decimals: intPtr(18)},
		},
		native: 600,
	}
	p := NewPipeline(market, nil, Options{})

	alert := p.Build(context.Background(), testBuy(), nil)
	require.InDelta(t, 100, alert.ValueUSD, 1e-9)
	require.InDelta(t, 0.05, alert.PriceUSD, 1e-12)
	require.Equal(t, "2000", alert.TargetAmount)
	require.Equal(t, "1", alert.BaseAmount)
	require.Equal(t, "ALP", alert.TargetSymbol)
	require.Equal(t, "WBNB", alert.BaseSymbol)
	require.InDelta(t, 5_000_000, alert.MarketCap, 1e-6)
	require.Equal(t, wallet, alert.Buyer)
	require.Nil(t, alert.PositionIncrease, "no reader, no position lookup")
}

func TestBuildFallsBackToNativePrice(t *testing.T) {
	market := &fakeMarket{
		primary: &model.PairStats{
			PriceUSD:  1.5,
			BaseToken: model.TokenInfo{Address: wbnb, Symbol: "WBNB"},
		},
		native: 600,
	}
	p := NewPipeline(market, nil, Options{})

	alert := p.Build(context.Background(), testBuy(), nil)
	require.InDelta(t, 600, alert.ValueUSD, 1e-9, "provider price belongs to the base token")
	require.InDelta(t, 0.3, alert.PriceUSD, 1e-9)
}

func TestBuildMergesFallbackStats(t *testing.T) {
	market := &fakeMarket{
		primary: &model.PairStats{PriceUSD: 0.05, BaseToken: model.TokenInfo{Address: target, Symbol: "ALP"}},
		fallback: &model.PairStats{
			PriceUSD: 0.07, FDV: 7_000_000, LiquidityUSD: 90_000, Volume24h: 1_000,
			BaseToken:  model.TokenInfo{Address: target, Symbol: "ALP", Decimals: intPtr(9)},
			QuoteToken: model.TokenInfo{Address: wbnb, Symbol: "WBNB", Decimals: intPtr(18)},
		},
		native: 600,
	}
	p := NewPipeline(market, nil, Options{})

	buy := testBuy()
	buy.TargetOut = units(2000, 9)
	alert := p.Build(context.Background(), buy, nil)
	require.InDelta(t, 0.05, alert.PriceUSD, 1e-12, "primary price is kept")
	require.InDelta(t, 7_000_000, alert.MarketCap, 1e-6)
	require.InDelta(t, 90_000, alert.LiquidityUSD, 1e-6)
	require.Equal(t, "2000", alert.TargetAmount, "decimals come from the fallback provider")
}

func TestResolveTokenPrecedence(t *testing.T) {
	reader := &erc20Reader{decimals: 9, symbol: "ONC"}
	p := NewPipeline(&fakeMarket{}, nil, Options{})
	ctx := context.Background()

	dec, sym := p.resolveToken(ctx, reader, "bsc", target, &model.TokenInfo{Address: target, Symbol: "USDT", Decimals: intPtr(18)})
	require.EqualValues(t, 18, dec, "provider decimals win")
	require.Equal(t, "USDT", sym)

	dec, _ = p.resolveToken(ctx, reader, "bsc", target, &model.TokenInfo{Address: target, Symbol: "usdc"})
	require.EqualValues(t, 6, dec, "stablecoin heuristic precedes on-chain read")

	dec, sym = p.resolveToken(ctx, reader, "bsc", target, nil)
	require.EqualValues(t, 9, dec)
	require.Equal(t, "ONC", sym)

	dec, _ = p.resolveToken(ctx, nil, "eth", target, nil)
	require.EqualValues(t, 18, dec)
}

func TestPositionIncreaseFromPreviousBlock(t *testing.T) {
	reader := &erc20Reader{decimals: 18, symbol: "ALP", balances: map[uint64]*big.Int{499: units(1000, 18)}}
	market := &fakeMarket{
		primary: &model.PairStats{PriceUSD: 0.05, BaseToken: model.TokenInfo{Address: target, Symbol: "ALP"}},
		native:  600,
	}
	p := NewPipeline(market, nil, Options{})

	alert := p.Build(context.Background(), testBuy(), reader)
	require.NotNil(t, alert.PositionIncrease)
	require.EqualValues(t, 200, *alert.PositionIncrease)
}

func TestPositionIncreaseSkippedBelowMinimum(t *testing.T) {
	reader := &erc20Reader{decimals: 18, balances: map[uint64]*big.Int{499: units(1000, 18)}}
	market := &fakeMarket{
		primary: &model.PairStats{PriceUSD: 0.01, BaseToken: model.TokenInfo{Address: target, Symbol: "ALP"}},
	}
	p := NewPipeline(market, nil, Options{})

	alert := p.Build(context.Background(), testBuy(), reader)
	require.InDelta(t, 20, alert.ValueUSD, 1e-9)
	require.Nil(t, alert.PositionIncrease)
}

func TestPositionIncreaseGuard(t *testing.T) {
	require.Nil(t, PositionIncrease(big.NewInt(1000), big.NewInt(2_000_000), 100000))
	require.Nil(t, PositionIncrease(big.NewInt(0), big.NewInt(5), 100000))

	got := PositionIncrease(big.NewInt(1000), big.NewInt(1_000_000), 100000)
	require.NotNil(t, got, "exactly at the cap is accepted")
	require.EqualValues(t, 100000, *got)

	got = PositionIncrease(big.NewInt(3), big.NewInt(1), 100000)
	require.NotNil(t, got)
	require.EqualValues(t, 33, *got)
}

func TestProcessBelowMinimumProducesNothing(t *testing.T) {
	market := &fakeMarket{
		primary: &model.PairStats{PriceUSD: 0.04, BaseToken: model.TokenInfo{Address: target, Symbol: "ALP"}},
	}
	p := NewPipeline(market, nil, Options{})

	groups := []model.GroupSettings{{GroupID: "g1", Chain: "bsc", TokenAddress: target, PairAddresses: []string{pool}, MinUSD: 100}}
	alerts := p.Process(context.Background(), testBuy(), nil, groups)
	require.Empty(t, alerts, "80 USD is below the 100 USD minimum")
	require.Zero(t, p.Cooldowns().Len(), "rejected alerts do not consume the cooldown")
}

func TestProcessCooldownAndFanOut(t *testing.T) {
	market := &fakeMarket{
		primary: &model.PairStats{PriceUSD: 0.5, BaseToken: model.TokenInfo{Address: target, Symbol: "ALP"}},
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	p := NewPipeline(market, nil, Options{Now: func() time.Time { return clock }})

	groups := []model.GroupSettings{
		{GroupID: "g1", Chain: "bsc", PairAddresses: []string{pool}, CooldownSeconds: 10, Render: model.RenderPrefs{Emoji: "🟢"}},
		{GroupID: "g2", Chain: "bsc", PairAddresses: []string{pool}, MaxUSD: 500},
	}

	first := p.Process(context.Background(), testBuy(), nil, groups)
	require.Len(t, first, 1, "1000 USD exceeds g2's maximum")
	require.Equal(t, "g1", first[0].GroupID)
	require.Equal(t, "🟢", first[0].Render.Emoji)

	clock = now.Add(5 * time.Second)
	require.Empty(t, p.Process(context.Background(), testBuy(), nil, groups))

	clock = now.Add(11 * time.Second)
	require.Len(t, p.Process(context.Background(), testBuy(), nil, groups), 1)
}

func TestAdmitDefaultCooldown(t *testing.T) {
	p := NewPipeline(&fakeMarket{}, nil, Options{DefaultCooldown: 3 * time.Second})
	now := time.Unix(1_700_000_000, 0)
	group := model.GroupSettings{GroupID: "g"}

	require.True(t, p.Admit(group, 10, pool, now))
	require.False(t, p.Admit(group, 10, pool, now.Add(2*time.Second)))
	require.True(t, p.Admit(group, 10, pool, now.Add(3*time.Second)))
	require.True(t, p.Admit(group, 10, "0xother", now.Add(3*time.Second)))
}

func TestCooldownPurge(t *testing.T) {
	c := NewCooldownTracker()
	now := time.Unix(1_700_000_000, 0)
	c.Allow("g1", pool, time.Second, now.Add(-25*time.Hour))
	c.Allow("g2", pool, time.Second, now)

	require.Equal(t, 1, c.Purge(now.Add(-24*time.Hour)))
	require.Equal(t, 1, c.Len())
}

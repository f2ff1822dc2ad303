package market

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/shopspring/decimal"

	"buyscope/internal/model"
)

// DefaultDexScreenerURL is the public DexScreener API root.
const DefaultDexScreenerURL = "https://api.dexscreener.com"

type dsToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type dsPair struct {
	ChainID     string          `json:"chainId"`
	PairAddress string          `json:"pairAddress"`
	BaseToken   dsToken         `json:"baseToken"`
	QuoteToken  dsToken         `json:"quoteToken"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	FDV         decimal.Decimal `json:"fdv"`
	MarketCap   decimal.Decimal `json:"marketCap"`
	Volume      struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
}

type dsPairsResponse struct {
	Pairs []dsPair `json:"pairs"`
	Pair  *dsPair  `json:"pair"`
}

// DexScreener is the primary pair stats provider.
type DexScreener struct {
	client *jsonClient
}

// NewDexScreener builds a DexScreener client.
func NewDexScreener(opts ClientOptions) *DexScreener {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDexScreenerURL
	}
	return &DexScreener{client: newJSONClient("dexscreener", opts)}
}

// PairStats returns normalized stats for a pair.
func (d *DexScreener) PairStats(ctx context.Context, chainID, pair string) (*model.PairStats, error) {
	var resp dsPairsResponse
	path := fmt.Sprintf("/latest/dex/pairs/%s/%s", url.PathEscape(chainID), url.PathEscape(pair))
	if err := d.client.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Pair != nil {
		return resp.Pair.normalize(), nil
	}
	if len(resp.Pairs) == 0 {
		return nil, fmt.Errorf("dexscreener pair %s: %w", pair, ErrNotFound)
	}
	return resp.Pairs[0].normalize(), nil
}

// TokenPools lists pools trading token ordered by descending USD liquidity.
func (d *DexScreener) TokenPools(ctx context.Context, chainID, token string) ([]model.PoolLiquidity, error) {
	var pairs []dsPair
	path := fmt.Sprintf("/token-pairs/v1/%s/%s", url.PathEscape(chainID), url.PathEscape(token))
	if err := d.client.getJSON(ctx, path, &pairs); err != nil {
		return nil, err
	}

	out := make([]model.PoolLiquidity, 0, len(pairs))
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if p.ChainID != "" && p.ChainID != chainID {
			continue
		}
		addr := model.NormalizeAddress(p.PairAddress)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, model.PoolLiquidity{Address: addr, LiquidityUSD: p.Liquidity.USD.InexactFloat64()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LiquidityUSD > out[j].LiquidityUSD
	})
	return out, nil
}

func (p dsPair) normalize() *model.PairStats {
	fdv := p.FDV
	if fdv.IsZero() {
		fdv = p.MarketCap
	}
	return &model.PairStats{
		PriceUSD:     p.PriceUSD.InexactFloat64(),
		FDV:          fdv.InexactFloat64(),
		LiquidityUSD: p.Liquidity.USD.InexactFloat64(),
		Volume24h:    p.Volume.H24.InexactFloat64(),
		BaseToken: model.TokenInfo{
			Address: model.NormalizeAddress(p.BaseToken.Address),
			Symbol:  p.BaseToken.Symbol,
			Name:    p.BaseToken.Name,
		},
		QuoteToken: model.TokenInfo{
			Address: model.NormalizeAddress(p.QuoteToken.Address),
			Symbol:  p.QuoteToken.Symbol,
			Name:    p.QuoteToken.Name,
		},
	}
}

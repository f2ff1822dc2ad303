package model

// TokenInfo describes one side of a pair as reported by a market data provider.
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
}

// PairStats is the provider-agnostic pair snapshot.
type PairStats struct {
	PriceUSD     float64   `json:"price_usd"`
	FDV          float64   `json:"fdv"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	Volume24h    float64   `json:"volume_24h"`
	BaseToken    TokenInfo `json:"base_token"`
	QuoteToken   TokenInfo `json:"quote_token"`
}

// Usable reports whether the stats carry any market data worth using.
func (p *PairStats) Usable() bool {
	if p == nil {
		return false
	}
	return p.LiquidityUSD > 0 || p.FDV > 0 || p.Volume24h > 0
}

// Merge fills zero-valued fields from other.
func (p *PairStats) Merge(other *PairStats) {
	if p == nil || other == nil {
		return
	}
	if p.PriceUSD == 0 && other.PriceUSD > 0 {
		p.PriceUSD = other.PriceUSD
	}
	if p.FDV == 0 && other.FDV > 0 {
		p.FDV = other.FDV
	}
	if p.LiquidityUSD == 0 && other.LiquidityUSD > 0 {
		p.LiquidityUSD = other.LiquidityUSD
	}
	if p.Volume24h == 0 && other.Volume24h > 0 {
		p.Volume24h = other.Volume24h
	}
	mergeToken(&p.BaseToken, other.BaseToken)
	mergeToken(&p.QuoteToken, other.QuoteToken)
}

func mergeToken(dst *TokenInfo, src TokenInfo) {
	if dst.Address == "" {
		dst.Address = src.Address
	}
	if dst.Symbol == "" {
		dst.Symbol = src.Symbol
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Decimals == nil && src.Decimals != nil && NormalizeAddress(dst.Address) == NormalizeAddress(src.Address) {
		d := *src.Decimals
		dst.Decimals = &d
	}
}

// PoolLiquidity is one entry of a token's pool list ordered by liquidity.
type PoolLiquidity struct {
	Address      string  `json:"address"`
	LiquidityUSD float64 `json:"liquidity_usd"`
}

package model

// Alert is the fully priced buy notification handed to the renderer.
type Alert struct {
	GroupID          string      `json:"group_id"`
	Chain            string      `json:"chain"`
	PoolAddress      string      `json:"pool_address"`
	TargetToken      string      `json:"target_token"`
	TxHash           string      `json:"tx_hash"`
	BlockNumber      uint64      `json:"block_number"`
	Buyer            string      `json:"buyer"`
	ValueUSD         float64     `json:"value_usd"`
	BaseAmount       string      `json:"base_amount"`
	BaseSymbol       string      `json:"base_symbol"`
	TargetAmount     string      `json:"target_amount"`
	TargetSymbol     string      `json:"target_symbol"`
	PriceUSD         float64     `json:"price_usd"`
	MarketCap        float64     `json:"market_cap"`
	Volume24h        float64     `json:"volume_24h"`
	LiquidityUSD     float64     `json:"liquidity_usd"`
	PositionIncrease *int64      `json:"position_increase,omitempty"`
	Render           RenderPrefs `json:"render"`
}

package market

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// DefaultBinanceURL is the public Binance spot API root.
const DefaultBinanceURL = "https://api.binance.com"

// Binance reads spot ticker prices.
type Binance struct {
	client *jsonClient
}

// NewBinance builds a Binance ticker client.
func NewBinance(opts ClientOptions) *Binance {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBinanceURL
	}
	return &Binance{client: newJSONClient("binance", opts)}
}

// Price returns the last traded price for a symbol such as BNBUSDT.
func (b *Binance) Price(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := b.client.getJSON(ctx, "/api/v3/ticker/price?symbol="+url.QueryEscape(symbol), &resp); err != nil {
		return 0, err
	}
	if !resp.Price.IsPositive() {
		return 0, fmt.Errorf("binance %s: non-positive price %s", symbol, resp.Price)
	}
	return resp.Price.InexactFloat64(), nil
}

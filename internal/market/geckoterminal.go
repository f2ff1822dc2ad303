package market

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"buyscope/internal/model"
)

// DefaultGeckoTerminalURL is the public GeckoTerminal API root.
const DefaultGeckoTerminalURL = "https://api.geckoterminal.com/api/v2"

type gtRelation struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type gtPoolResponse struct {
	Data struct {
		Attributes struct {
			BaseTokenPriceUSD decimal.Decimal `json:"base_token_price_usd"`
			FDVUSD            decimal.Decimal `json:"fdv_usd"`
			MarketCapUSD      decimal.Decimal `json:"market_cap_usd"`
			ReserveUSD        decimal.Decimal `json:"reserve_in_usd"`
			VolumeUSD         struct {
				H24 decimal.Decimal `json:"h24"`
			} `json:"volume_usd"`
		} `json:"attributes"`
		Relationships struct {
			BaseToken  gtRelation `json:"base_token"`
			QuoteToken gtRelation `json:"quote_token"`
		} `json:"relationships"`
	} `json:"data"`
	Included []struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Address  string `json:"address"`
			Name     string `json:"name"`
			Symbol   string `json:"symbol"`
			Decimals *int   `json:"decimals"`
		} `json:"attributes"`
	} `json:"included"`
}

// GeckoTerminal is the fallback pair stats provider. It also reports token decimals.
type GeckoTerminal struct {
	client *jsonClient
}

// NewGeckoTerminal builds a GeckoTerminal client.
func NewGeckoTerminal(opts ClientOptions) *GeckoTerminal {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGeckoTerminalURL
	}
	return &GeckoTerminal{client: newJSONClient("geckoterminal", opts)}
}

// PairStats returns normalized stats for a pool.
func (g *GeckoTerminal) PairStats(ctx context.Context, network, pool string) (*model.PairStats, error) {
	var resp gtPoolResponse
	path := fmt.Sprintf("/networks/%s/pools/%s?include=base_token,quote_token", url.PathEscape(network), url.PathEscape(pool))
	if err := g.client.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	attrs := resp.Data.Attributes
	fdv := attrs.FDVUSD
	if fdv.IsZero() {
		fdv = attrs.MarketCapUSD
	}
	stats := &model.PairStats{
		PriceUSD:     attrs.BaseTokenPriceUSD.InexactFloat64(),
		FDV:          fdv.InexactFloat64(),
		LiquidityUSD: attrs.ReserveUSD.InexactFloat64(),
		Volume24h:    attrs.VolumeUSD.H24.InexactFloat64(),
	}

	for _, inc := range resp.Included {
		if inc.Type != "" && inc.Type != "token" {
			continue
		}
		info := model.TokenInfo{
			Address:  model.NormalizeAddress(inc.Attributes.Address),
			Symbol:   inc.Attributes.Symbol,
			Name:     inc.Attributes.Name,
			Decimals: inc.Attributes.Decimals,
		}
		switch inc.ID {
		case resp.Data.Relationships.BaseToken.Data.ID:
			stats.BaseToken = info
		case resp.Data.Relationships.QuoteToken.Data.ID:
			stats.QuoteToken = info
		}
	}
	return stats, nil
}

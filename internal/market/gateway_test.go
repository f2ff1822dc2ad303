package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const dsPairBody = `{"schemaVersion":"1.0.0","pairs":[{
	"chainId":"bsc","pairAddress":"0xPool",
	"baseToken":{"address":"0xAAA","name":"Alpha","symbol":"ALP"},
	"quoteToken":{"address":"0xBBB","name":"Wrapped BNB","symbol":"WBNB"},
	"priceUsd":"0.0125","fdv":1250000,"volume":{"h24":5400.5},"liquidity":{"usd":88000}
}]}`

const dsTokenPairsBody = `[
	{"chainId":"bsc","pairAddress":"0x01","liquidity":{"usd":10}},
	{"chainId":"bsc","pairAddress":"0x02","liquidity":{"usd":5000}},
	{"chainId":"eth","pairAddress":"0x03","liquidity":{"usd":99999}},
	{"chainId":"bsc","pairAddress":"0x04","liquidity":{"usd":700}}
]`

const gtPoolBody = `{"data":{"id":"bsc_0xpool","type":"pool","attributes":{
	"base_token_price_usd":"0.013","fdv_usd":"1300000","market_cap_usd":null,
	"reserve_in_usd":"91000.12","volume_usd":{"h24":"6000"}},
	"relationships":{"base_token":{"data":{"id":"bsc_0xaaa","type":"token"}},
	"quote_token":{"data":{"id":"bsc_0xbbb","type":"token"}}}},
	"included":[
	{"id":"bsc_0xaaa","type":"token","attributes":{"address":"0xAAA","name":"Alpha","symbol":"ALP","decimals":9}},
	{"id":"bsc_0xbbb","type":"token","attributes":{"address":"0xBBB","name":"Wrapped BNB","symbol":"WBNB","decimals":18}}]}`

func newProviderServer(t *testing.T, hits *int32, failing bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if failing {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/latest/dex/pairs/bsc/"):
			_, _ = w.Write([]byte(dsPairBody))
		case strings.HasPrefix(r.URL.Path, "/token-pairs/v1/bsc/"):
			_, _ = w.Write([]byte(dsTokenPairsBody))
		case strings.HasPrefix(r.URL.Path, "/networks/bsc/pools/"):
			if r.URL.Query().Get("include") != "base_token,quote_token" {
				http.Error(w, "missing include", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(gtPoolBody))
		case r.URL.Path == "/api/v3/ticker/price":
			_, _ = w.Write([]byte(`{"symbol":"` + r.URL.Query().Get("symbol") + `","price":"612.40"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(baseURL string) *Gateway {
	opts := ClientOptions{BaseURL: baseURL, RatePerSec: 1000, Burst: 1000}
	chains := map[string]ChainSource{
		"bsc": {DexScreenerID: "bsc", GeckoNetwork: "bsc", NativeTicker: "bnbusdt", NativeDefault: 550},
		"eth": {DexScreenerID: "ethereum", NativeDefault: 3000},
	}
	return NewGateway(chains, NewDexScreener(opts), NewGeckoTerminal(opts), NewBinance(opts), GatewayOptions{})
}

func TestGatewayPairStatsCached(t *testing.T) {
	var hits int32
	srv := newProviderServer(t, &hits, false)
	gw := newTestGateway(srv.URL)

	stats := gw.PairStats(context.Background(), "bsc", "0xpool")
	require.NotNil(t, stats)
	require.InDelta(t, 0.0125, stats.PriceUSD, 1e-12)
	require.InDelta(t, 1250000, stats.FDV, 1e-6)
	require.InDelta(t, 88000, stats.LiquidityUSD, 1e-6)
	require.InDelta(t, 5400.5, stats.Volume24h, 1e-6)
	require.Equal(t, "0xaaa", stats.BaseToken.Address)
	require.Equal(t, "WBNB", stats.QuoteToken.Symbol)
	require.Nil(t, stats.BaseToken.Decimals)

	stats.PriceUSD = 42
	again := gw.PairStats(context.Background(), "bsc", "0xpool")
	require.InDelta(t, 0.0125, again.PriceUSD, 1e-12, "callers must not mutate cached entries")
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGatewayFallbackCarriesDecimals(t *testing.T) {
	var hits int32
	srv := newProviderServer(t, &hits, false)
	gw := newTestGateway(srv.URL)

	require.True(t, gw.HasFallback("bsc"))
	require.False(t, gw.HasFallback("eth"))
	require.Nil(t, gw.FallbackPairStats(context.Background(), "eth", "0xpool"))

	stats := gw.FallbackPairStats(context.Background(), "bsc", "0xpool")
	require.NotNil(t, stats)
	require.InDelta(t, 91000.12, stats.LiquidityUSD, 1e-6)
	require.NotNil(t, stats.BaseToken.Decimals)
	require.Equal(t, 9, *stats.BaseToken.Decimals)
	require.Equal(t, "0xbbb", stats.QuoteToken.Address)
}

func TestGatewayTokenPoolsSorted(t *testing.T) {
	var hits int32
	srv := newProviderServer(t, &hits, false)
	gw := newTestGateway(srv.URL)

	pools := gw.TokenPoolsByLiquidity(context.Background(), "bsc", "0xAAA")
	require.Len(t, pools, 3)
	require.Equal(t, "0x02", pools[0].Address)
	require.Equal(t, "0x04", pools[1].Address)
	require.Equal(t, "0x01", pools[2].Address)
}

func TestGatewayDegradesOnFailure(t *testing.T) {
	var hits int32
	srv := newProviderServer(t, &hits, true)
	gw := newTestGateway(srv.URL)
	ctx := context.Background()

	require.Nil(t, gw.PairStats(ctx, "bsc", "0xpool"))
	require.Nil(t, gw.PairStats(ctx, "bsc", "0xpool"))
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "failed key is throttled by the cache")

	require.Empty(t, gw.TokenPoolsByLiquidity(ctx, "bsc", "0xaaa"))
	require.InDelta(t, 550, gw.NativePrice(ctx, "bsc"), 1e-9)
	require.Nil(t, gw.PairStats(ctx, "unknown", "0xpool"))
}

func TestGatewayNativePrice(t *testing.T) {
	var hits int32
	srv := newProviderServer(t, &hits, false)
	gw := newTestGateway(srv.URL)
	ctx := context.Background()

	require.InDelta(t, 612.40, gw.NativePrice(ctx, "bsc"), 1e-9)
	require.InDelta(t, 612.40, gw.NativePrice(ctx, "bsc"), 1e-9)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))

	require.InDelta(t, 3000, gw.NativePrice(ctx, "eth"), 1e-9, "no ticker configured")
}

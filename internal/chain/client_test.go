package chain

import "testing"

func TestIsStreamingURL(t *testing.T) {
	cases := map[string]bool{
		"wss://bsc-ws-node.nariox.org":     true,
		"ws://127.0.0.1:8546":              true,
		"WSS://mainnet.example/ws":         true,
		"https://bsc-dataseed.binance.org": false,
		"http://localhost:8545":            false,
		"":                                 false,
		"::not a url":                      false,
	}
	for endpoint, want := range cases {
		if got := IsStreamingURL(endpoint); got != want {
			t.Fatalf("IsStreamingURL(%q) = %v, want %v", endpoint, got, want)
		}
	}
}

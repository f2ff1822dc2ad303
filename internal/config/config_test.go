package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
reconcile-interval: 20s
discovery-limit: 10
chains:
  bsc:
    rpc: wss://bsc.example/ws
    aggregator-heavy: true
    factories: [" 0xca143ce32fe78f1f7019d7d551a6402fc5350c73 ", ""]
  monad:
    rpc: https://monad.example
    native-symbol: mon
    native-price: 2.5
groups:
  - group_id: "-1001"
    chain: bsc
    token_address: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
    all_pair_addresses: ["0xcccccccccccccccccccccccccccccccccccccccc"]
    min_usd: 50
    cooldown_seconds: 10
    render:
      emoji: "🐸"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log-level: debug\n"), nil)
	require.NoError(t, err)

	require.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	require.Equal(t, 60*time.Second, cfg.InactivityWindow)
	require.Equal(t, 5000, cfg.QueueCapacity)
	require.Equal(t, 25, cfg.DispatchRate)
	require.Equal(t, 100*time.Millisecond, cfg.DispatchTick)
	require.Equal(t, 3*time.Second, cfg.DefaultCooldown)
	require.Equal(t, 15, cfg.DiscoveryLimit)
	require.Equal(t, 100.0, cfg.PositionMinUSD)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Empty(t, cfg.Chains)
	require.Empty(t, cfg.Groups)
	require.Error(t, cfg.Validate())
}

func TestLoadChainsAndGroups(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	require.Equal(t, 20*time.Second, cfg.ReconcileInterval)
	require.Equal(t, 10, cfg.DiscoveryLimit)
	require.Equal(t, []string{"bsc", "monad"}, cfg.ChainNames())

	bsc := cfg.Chains["bsc"]
	require.Equal(t, "bsc", bsc.Name)
	require.True(t, bsc.AggregatorHeavy)
	require.Equal(t, "BNBUSDT", bsc.NativeTicker())
	require.Equal(t, 600.0, bsc.NativePrice)
	require.Equal(t, "bsc", bsc.DexScreenerID)
	require.Equal(t, []string{"0xca143ce32fe78f1f7019d7d551a6402fc5350c73"}, bsc.Factories)

	monad := cfg.Chains["monad"]
	require.False(t, monad.AggregatorHeavy)
	require.Equal(t, "MONUSDT", monad.NativeTicker())
	require.Equal(t, 2.5, monad.NativePrice)
	require.Equal(t, "monad", monad.DexScreenerID)
	require.Equal(t, "monad", monad.GeckoTerminalNetwork)

	require.Len(t, cfg.Groups, 1)
	group := cfg.Groups[0]
	require.Equal(t, "-1001", group.GroupID)
	require.Equal(t, "bsc", group.Chain)
	require.Equal(t, 50.0, group.MinUSD)
	require.Equal(t, 10, group.CooldownSeconds)
	require.Equal(t, "🐸", group.Render.Emoji)
	require.Equal(t, []string{"0xcccccccccccccccccccccccccccccccccccccccc"}, group.PairAddresses)

	require.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, "dispatch-rate: 10\nqueue-capacity: 100\n")
	t.Setenv("BUYSCOPE_DISPATCH_RATE", "12")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("queue-capacity", 5000, "")
	flags.Int("dispatch-rate", 25, "")
	require.NoError(t, flags.Parse([]string{"--queue-capacity=200"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, 200, cfg.QueueCapacity, "flag beats config file")
	require.Equal(t, 12, cfg.DispatchRate, "env beats config file")
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	broken := cfg
	broken.Chains = map[string]ChainConfig{"bsc": {Name: "bsc"}}
	require.ErrorContains(t, broken.Validate(), "rpc is required")

	broken = cfg
	broken.Groups = append(broken.Groups[:0:0], cfg.Groups...)
	broken.Groups[0].Chain = "solana"
	require.ErrorContains(t, broken.Validate(), "unknown chain")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

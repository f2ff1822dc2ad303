package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"buyscope/internal/model"
)

// ChainConfig describes one tracked chain.
type ChainConfig struct {
	Name                 string   `mapstructure:"-"`
	RPC                  string   `mapstructure:"rpc"`
	AggregatorHeavy      bool     `mapstructure:"aggregator-heavy"`
	NativeSymbol         string   `mapstructure:"native-symbol"`
	NativePrice          float64  `mapstructure:"native-price"`
	DexScreenerID        string   `mapstructure:"dexscreener-id"`
	GeckoTerminalNetwork string   `mapstructure:"geckoterminal-network"`
	Factories            []string `mapstructure:"factories"`
}

// NativeTicker is the Binance spot symbol quoting the native asset in USDT.
func (c ChainConfig) NativeTicker() string {
	if c.NativeSymbol == "" {
		return ""
	}
	return strings.ToUpper(c.NativeSymbol) + "USDT"
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	ReconcileInterval     time.Duration
	InactivityWindow      time.Duration
	PollInterval          time.Duration
	MaintenanceInterval   time.Duration
	CooldownRetention     time.Duration
	DefaultCooldown       time.Duration
	HandlerConcurrency    int
	DiscoveryLimit        int
	DiscoveryMinLiquidity float64

	QueueCapacity       int
	DispatchTick        time.Duration
	DispatchRate        int
	DispatchConcurrency int

	PositionMinUSD   float64
	PositionMaxRatio float64
	PairStatsTTL     time.Duration
	NativePriceTTL   time.Duration
	DexScreenerURL   string
	GeckoTerminalURL string
	BinanceURL       string

	ScannerInterval      time.Duration
	ScannerOutput        string
	ScannerCheckpointDir string

	TelegramToken    string
	TelegramEndpoint string
	PGDSN            string
	MetricsAddr      string
	LogLevel         string

	Chains map[string]ChainConfig
	Groups []model.GroupSettings
}

// chainDefaults fills provider identifiers for well-known chain names.
var chainDefaults = map[string]ChainConfig{
	"eth":      {NativeSymbol: "ETH", NativePrice: 3000, DexScreenerID: "ethereum", GeckoTerminalNetwork: "eth"},
	"bsc":      {NativeSymbol: "BNB", NativePrice: 600, DexScreenerID: "bsc", GeckoTerminalNetwork: "bsc"},
	"base":     {NativeSymbol: "ETH", NativePrice: 3000, DexScreenerID: "base", GeckoTerminalNetwork: "base"},
	"arbitrum": {NativeSymbol: "ETH", NativePrice: 3000, DexScreenerID: "arbitrum", GeckoTerminalNetwork: "arbitrum"},
	"polygon":  {NativeSymbol: "POL", NativePrice: 0.5, DexScreenerID: "polygon", GeckoTerminalNetwork: "polygon_pos"},
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	// A missing .env is fine; existing environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BUYSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		ReconcileInterval:     v.GetDuration("reconcile-interval"),
		InactivityWindow:      v.GetDuration("inactivity-window"),
		PollInterval:          v.GetDuration("poll-interval"),
		MaintenanceInterval:   v.GetDuration("maintenance-interval"),
		CooldownRetention:     v.GetDuration("cooldown-retention"),
		DefaultCooldown:       v.GetDuration("default-cooldown"),
		HandlerConcurrency:    v.GetInt("handler-concurrency"),
		DiscoveryLimit:        v.GetInt("discovery-limit"),
		DiscoveryMinLiquidity: v.GetFloat64("discovery-min-liquidity"),
		QueueCapacity:         v.GetInt("queue-capacity"),
		DispatchTick:          v.GetDuration("dispatch-tick"),
		DispatchRate:          v.GetInt("dispatch-rate"),
		DispatchConcurrency:   v.GetInt("dispatch-concurrency"),
		PositionMinUSD:        v.GetFloat64("position-min-usd"),
		PositionMaxRatio:      v.GetFloat64("position-max-ratio"),
		PairStatsTTL:          v.GetDuration("pair-stats-ttl"),
		NativePriceTTL:        v.GetDuration("native-price-ttl"),
		DexScreenerURL:        v.GetString("dexscreener-url"),
		GeckoTerminalURL:      v.GetString("geckoterminal-url"),
		BinanceURL:            v.GetString("binance-url"),
		ScannerInterval:       v.GetDuration("scanner-interval"),
		ScannerOutput:         v.GetString("scanner-output"),
		ScannerCheckpointDir:  v.GetString("scanner-checkpoint-dir"),
		TelegramToken:         v.GetString("telegram-token"),
		TelegramEndpoint:      v.GetString("telegram-endpoint"),
		PGDSN:                 v.GetString("pg-dsn"),
		MetricsAddr:           v.GetString("metrics-addr"),
		LogLevel:              v.GetString("log-level"),
	}

	chains, err := loadChains(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Chains = chains

	groups, err := loadGroups(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Groups = groups

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reconcile-interval", 15*time.Second)
	v.SetDefault("inactivity-window", 60*time.Second)
	v.SetDefault("poll-interval", 4*time.Second)
	v.SetDefault("maintenance-interval", 5*time.Minute)
	v.SetDefault("cooldown-retention", 24*time.Hour)
	v.SetDefault("default-cooldown", 3*time.Second)
	v.SetDefault("handler-concurrency", 16)
	v.SetDefault("discovery-limit", 15)
	v.SetDefault("discovery-min-liquidity", 1000.0)
	v.SetDefault("queue-capacity", 5000)
	v.SetDefault("dispatch-tick", 100*time.Millisecond)
	v.SetDefault("dispatch-rate", 25)
	v.SetDefault("dispatch-concurrency", 4)
	v.SetDefault("position-min-usd", 100.0)
	v.SetDefault("position-max-ratio", 100000.0)
	v.SetDefault("pair-stats-ttl", 15*time.Second)
	v.SetDefault("native-price-ttl", 30*time.Second)
	v.SetDefault("dexscreener-url", "https://api.dexscreener.com")
	v.SetDefault("geckoterminal-url", "https://api.geckoterminal.com/api/v2")
	v.SetDefault("binance-url", "https://api.binance.com")
	v.SetDefault("scanner-interval", 30*time.Second)
	v.SetDefault("log-level", "info")
}

func loadChains(v *viper.Viper) (map[string]ChainConfig, error) {
	raw := map[string]ChainConfig{}
	if v.IsSet("chains") {
		if err := v.UnmarshalKey("chains", &raw); err != nil {
			return nil, fmt.Errorf("parse chains: %w", err)
		}
	}

	chains := make(map[string]ChainConfig, len(raw))
	for name, c := range raw {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		c.Name = name
		c.RPC = strings.TrimSpace(c.RPC)
		c.Factories = cleanStrings(c.Factories)

		def := chainDefaults[name]
		if c.NativeSymbol == "" {
			c.NativeSymbol = def.NativeSymbol
		}
		if c.NativePrice <= 0 {
			c.NativePrice = def.NativePrice
		}
		if c.DexScreenerID == "" {
			c.DexScreenerID = firstNonEmpty(def.DexScreenerID, name)
		}
		if c.GeckoTerminalNetwork == "" {
			c.GeckoTerminalNetwork = firstNonEmpty(def.GeckoTerminalNetwork, name)
		}
		chains[name] = c
	}
	return chains, nil
}

// loadGroups reads an optional seed of group settings. Keys follow the JSON names of model.GroupSettings.
func loadGroups(v *viper.Viper) ([]model.GroupSettings, error) {
	if !v.IsSet("groups") {
		return nil, nil
	}
	data, err := json.Marshal(v.Get("groups"))
	if err != nil {
		return nil, fmt.Errorf("encode groups: %w", err)
	}
	var groups []model.GroupSettings
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("parse groups: %w", err)
	}
	return groups, nil
}

// Validate checks the settings required by the run command.
func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	for _, name := range c.ChainNames() {
		if c.Chains[name].RPC == "" {
			return fmt.Errorf("chain %s: rpc is required", name)
		}
	}
	for _, g := range c.Groups {
		if g.GroupID == "" {
			return fmt.Errorf("group without group_id")
		}
		if _, ok := c.Chains[g.Chain]; !ok {
			return fmt.Errorf("group %s: unknown chain %q", g.GroupID, g.Chain)
		}
	}
	if c.QueueCapacity <= 0 || c.DispatchRate <= 0 {
		return fmt.Errorf("queue-capacity and dispatch-rate must be positive")
	}
	return nil
}

// ChainNames returns configured chain names in sorted order.
func (c Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

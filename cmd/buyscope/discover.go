package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"buyscope/internal/config"
	"buyscope/internal/model"
	"buyscope/internal/tracker"
)

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	chainName, _ := cmd.Flags().GetString("chain")
	token, _ := cmd.Flags().GetString("token")
	if _, ok := cfg.Chains[chainName]; !ok {
		return fmt.Errorf("unknown chain %q", chainName)
	}
	if !common.IsHexAddress(token) {
		return fmt.Errorf("invalid token address %q", token)
	}
	token = model.NormalizeAddress(token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := newGateway(cfg, logger)
	candidates := gateway.TokenPoolsByLiquidity(ctx, chainName, token)
	pools := tracker.SelectPools(candidates, cfg.DiscoveryMinLiquidity, cfg.DiscoveryLimit)

	logger.Info("discovery complete",
		zap.String("chain", chainName),
		zap.String("token", token),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(pools)),
	)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(struct {
		Chain string   `json:"chain"`
		Token string   `json:"token"`
		Pools []string `json:"pools"`
	}{Chain: chainName, Token: token, Pools: pools})
}

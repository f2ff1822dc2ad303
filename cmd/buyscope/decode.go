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

	"buyscope/internal/chain"
	"buyscope/internal/config"
	"buyscope/internal/dex"
	"buyscope/internal/model"
	"buyscope/internal/swap"
)

type decodedSwap struct {
	ChainID   uint64 `json:"chain_id"`
	Block     uint64 `json:"block"`
	BlockTime uint64 `json:"block_time"`
	Pool      string `json:"pool"`
	LogIndex  uint   `json:"log_index"`
	Version   string `json:"version"`
	Buy       bool   `json:"buy"`
	BaseIn    string `json:"base_in,omitempty"`
	TargetOut string `json:"target_out,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runDecode(cmd *cobra.Command, _ []string) error {
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
	txHash, _ := cmd.Flags().GetString("tx")
	target, _ := cmd.Flags().GetString("target")

	chainCfg, ok := cfg.Chains[chainName]
	if !ok || chainCfg.RPC == "" {
		return fmt.Errorf("unknown chain %q", chainName)
	}
	if len(common.FromHex(txHash)) != common.HashLength {
		return fmt.Errorf("invalid transaction hash %q", txHash)
	}
	if !common.IsHexAddress(target) {
		return fmt.Errorf("invalid target token %q", target)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.NewClient(ctx, chainCfg.RPC)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	block := receipt.BlockNumber.Uint64()
	blockTime, err := client.BlockTimestamp(ctx, block)
	if err != nil {
		return fmt.Errorf("block timestamp %d: %w", block, err)
	}

	decoder, err := dex.NewSwapDecoder()
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	swaps := 0
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || !decoder.CanDecode(log.Topics[0]) {
			continue
		}
		swaps++

		out := decodedSwap{
			ChainID:   chainID.Uint64(),
			Block:     block,
			BlockTime: blockTime,
			Pool:      model.NormalizeAddress(log.Address.Hex()),
			LogIndex:  log.Index,
		}
		event, err := decoder.Decode(chainName, *log)
		if err != nil {
			out.Error = err.Error()
			if err := encoder.Encode(out); err != nil {
				return err
			}
			continue
		}
		out.Version = string(event.Version)

		token0, token1, err := dex.FetchPoolTokens(ctx, client, log.Address)
		if err != nil {
			out.Error = fmt.Sprintf("pool tokens: %v", err)
		} else {
			sides := model.PoolSides{
				Token0:      model.NormalizeAddress(token0.Hex()),
				Token1:      model.NormalizeAddress(token1.Hex()),
				TargetToken: model.NormalizeAddress(target),
			}
			buy, isBuy, err := swap.Classify(event, sides)
			switch {
			case err != nil:
				out.Error = err.Error()
			case isBuy:
				out.Buy = true
				out.BaseIn = buy.BaseIn.String()
				out.TargetOut = buy.TargetOut.String()
				out.Recipient = buy.Recipient
			}
		}
		if err := encoder.Encode(out); err != nil {
			return err
		}
	}

	logger.Info("decode complete", zap.String("tx", txHash), zap.Int("logs", len(receipt.Logs)), zap.Int("swaps", swaps))
	return nil
}

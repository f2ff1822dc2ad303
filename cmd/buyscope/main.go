package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "buyscope",
		Short:        "EVM DEX buy alert tracker",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Track configured groups and deliver buy alerts",
		RunE:  runTracker,
	}

	runCmd.Flags().Duration("reconcile-interval", 15*time.Second, "delay between reconciliation passes")
	runCmd.Flags().Duration("inactivity-window", 60*time.Second, "streaming connection staleness threshold")
	runCmd.Flags().Duration("poll-interval", 4*time.Second, "log polling cadence for http endpoints")
	runCmd.Flags().Int("queue-capacity", 5000, "alert queue capacity")
	runCmd.Flags().Int("dispatch-rate", 25, "maximum alert starts per second")
	runCmd.Flags().Int("dispatch-concurrency", 4, "maximum alerts in flight")
	runCmd.Flags().Int("handler-concurrency", 16, "maximum pool events handled concurrently")
	runCmd.Flags().Duration("scanner-interval", 30*time.Second, "new pool scan cadence")
	runCmd.Flags().String("scanner-output", "", "optional JSONL file receiving new pools")
	runCmd.Flags().String("scanner-checkpoint-dir", "", "optional directory for scanner checkpoints")
	runCmd.Flags().String("telegram-token", "", "Telegram bot token")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for group settings")
	runCmd.Flags().String("metrics-addr", "", "address serving /metrics (empty disables)")

	root.AddCommand(runCmd)

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the pools discovery would track for a token",
		RunE:  runDiscover,
	}

	discoverCmd.Flags().String("chain", "", "chain name")
	discoverCmd.Flags().String("token", "", "token address")
	discoverCmd.Flags().Int("discovery-limit", 15, "maximum pools")
	discoverCmd.Flags().Float64("discovery-min-liquidity", 1000, "minimum pool liquidity in USD")

	root.AddCommand(discoverCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode and classify the swap logs of a transaction",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("chain", "", "chain name")
	decodeCmd.Flags().String("tx", "", "transaction hash")
	decodeCmd.Flags().String("target", "", "target token address")

	root.AddCommand(decodeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

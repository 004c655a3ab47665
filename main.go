package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/igorcrevar/utxo-go-syncer/blockbook"
	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/igorcrevar/utxo-go-syncer/db"
	"github.com/igorcrevar/utxo-go-syncer/wallettools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "utxo-syncer",
		Short:         "Keeps a local index of an HD wallet's addresses, transactions and UTXOs in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "config.json", "path to the JSON configuration file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "overrides the configured log level (trace, debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.jsonLogs, "json-logs", false, "write logs in JSON format")

	return cmd
}

func run(ctx context.Context, flags *rootFlags) error {
	config, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	if flags.logLevel != "" {
		config.Logger.LogLevel = hclog.LevelFromString(flags.logLevel)
		if config.Logger.LogLevel == hclog.NoLevel {
			return fmt.Errorf("unknown log level: %s", flags.logLevel)
		}
	}

	if flags.jsonLogs {
		config.Logger.JSONLogFormat = true
	}

	if config.Logger.Name == "" {
		config.Logger.Name = "utxo-syncer"
	}

	logger, err := core.NewLogger(config.Logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.DataDirectory, 0o770); err != nil {
		return fmt.Errorf("could not create data directory: %w", err)
	}

	index, err := db.NewIndexInit(config.indexPath())
	if err != nil {
		return fmt.Errorf("could not open index: %w", err)
	}

	defer index.Close()

	store, err := db.NewKeyValueStoreInit(config.KeyValueStore, config.kvStorePath())
	if err != nil {
		return fmt.Errorf("could not open key value store: %w", err)
	}

	defer store.Close()

	tools, err := wallettools.NewBtcWalletTools(config.Wallet)
	if err != nil {
		return err
	}

	emitter := core.NewEmitter()

	if err := subscribeLogging(emitter, logger.Named("events")); err != nil {
		return err
	}

	ledger := blockbook.NewClient(config.Blockbook, emitter, logger,
		blockbook.WithMetrics(blockbook.NewMetrics(prometheus.DefaultRegisterer)))

	defer ledger.Close()

	if config.MetricsAddress != "" {
		server := serveMetrics(config.MetricsAddress, logger.Named("metrics"))

		defer server.Close()
	}

	engine := core.NewSyncEngine(config.Sync, index, store, ledger, tools, emitter, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	logger.Info("Syncer started", "formats", config.Sync.Formats, "backend", config.KeyValueStore)

	<-ctx.Done()

	logger.Info("Shutting down")

	err = engine.Stop()

	emitter.WaitAsync()

	return err
}

func subscribeLogging(emitter core.Emitter, logger hclog.Logger) error {
	return errors.Join(
		emitter.SubscribeAsync(core.EventWalletBalanceChanged, func(currencyCode string, balance string) {
			logger.Info("Wallet balance changed", "currency", currencyCode, "balance", balance)
		}),
		emitter.SubscribeAsync(core.EventBlockHeightChanged, func(height uint64) {
			logger.Info("Block height changed", "height", height)
		}),
		emitter.SubscribeAsync(core.EventAddressesChecked, func(ratio float64) {
			logger.Debug("Addresses checked", "ratio", ratio)
		}),
		emitter.SubscribeAsync(core.EventTxIDsChanged, func(txIDs map[string]uint64) {
			logger.Debug("Transactions changed", "txids", txIDs)
		}),
	)
}

func serveMetrics(address string, logger hclog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "err", err)
		}
	}()

	return server
}

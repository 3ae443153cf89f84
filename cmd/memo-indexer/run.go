package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/chainrpc"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/config"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/indexer"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

func newRunCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the indexer until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cfg.ServiceVersion = version

			logger := logging.NewComponentLogger(logging.Options{
				Service:     cfg.ServiceName,
				Version:     cfg.ServiceVersion,
				Level:       cfg.LogLevel,
				Environment: cfg.Environment,
			})
			logger.LogStartup(logging.StartupConfig{
				ProgramID:         cfg.ProgramID,
				StreamEndpoint:    cfg.StreamEndpoint,
				RPCEndpoint:       cfg.RPCEndpoint,
				HealthPort:        cfg.HealthPort,
				QueueCapacity:     cfg.QueueCapacity,
				ReconcileInterval: cfg.ReconcileInterval,
			})

			st, err := store.Open(cfg.RedisURL, logger.Component("redis"), store.Options{
				MaxConsecutiveFailures: cfg.StoreMaxFailures,
			})
			if err != nil {
				return err
			}

			chain, err := chainrpc.New(cfg.RPCEndpoint, cfg.ProgramID, logger.Component("rpc"), chainrpc.Options{
				PageSize: cfg.ReconcilePageSize,
			})
			if err != nil {
				_ = st.Close()
				return err
			}

			source := stream.NewGeyserSource(stream.GeyserConfig{
				Endpoint:  cfg.StreamEndpoint,
				Token:     cfg.StreamToken,
				ProgramID: cfg.ProgramID,
			}, logger.Component("stream"))

			app := indexer.New(indexer.Deps{
				Config: cfg,
				Logger: logger,
				Store:  st,
				Chain:  chain,
				Source: source,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Indexer exited with error")
				return err
			}
			return nil
		},
	}
}

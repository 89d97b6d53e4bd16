package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lens/pkg/config"
	"lens/pkg/identity"
	"lens/pkg/node"
)

func serveCmd() *cobra.Command {
	var (
		site    string
		listen  string
		dataDir string
		peers   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica",
		Long: `Start a replica: open the operation log, replay every store, serve
replication on --listen and gossip with the configured peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if site != "" {
				cfg.Site = site
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			for _, p := range peers {
				cfg.Peers = append(cfg.Peers, config.PeerConfig{Endpoint: p})
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := setupLogger(verbose)
			if !verbose {
				if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
					logger = logger.WithOptions(zap.IncreaseLevel(lvl))
				}
			}
			defer logger.Sync()

			key, generated, err := identity.LoadOrGenerateKeypair(cfg.KeyDir())
			if err != nil {
				return err
			}
			if generated {
				logger.Info("Generated signing key",
					zap.String("identity", key.Identity().String()),
					zap.String("key_dir", cfg.KeyDir()))
			}

			n, err := node.New(cfg, key, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return n.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "site address, e.g. films@alice.lens.local")
	cmd.Flags().StringVar(&listen, "listen", "", "replication listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the operation log and key")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer endpoint to gossip with (repeatable)")
	return cmd
}

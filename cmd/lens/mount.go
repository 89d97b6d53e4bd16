package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lens/pkg/fuse"
)

func mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the replica's stores as a read-only filesystem",
		Long: `Mount every store of the replica at --endpoint under <mountpoint>, one
directory per store and one <id>.json file per document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(false)
			if err != nil {
				return err
			}
			defer s.Close()

			mountpoint := args[0]
			if err := os.MkdirAll(mountpoint, 0755); err != nil {
				return err
			}
			s.logger.Info("Mounting replica",
				zap.String("mountpoint", mountpoint),
				zap.String("endpoint", endpoint))

			server, err := fuse.Mount(mountpoint, s.client, s.logger)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				s.logger.Info("Unmounting", zap.String("mountpoint", mountpoint))
				if err := server.Unmount(); err != nil {
					s.logger.Error("Failed to unmount", zap.Error(err))
				}
			}()

			server.Wait()
			return nil
		},
	}
}

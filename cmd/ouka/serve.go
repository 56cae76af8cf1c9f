package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(cmd.Context(), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			go func() { done <- n.Start() }()

			var serveErr error
			select {
			case serveErr = <-done:
				done = nil
			case <-ctx.Done():
				logger.Info("Shutting down node")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := n.Stop(shutdownCtx); err != nil {
				logger.Warn("Unclean shutdown", zap.Error(err))
			}
			if done != nil {
				serveErr = <-done
			}
			return serveErr
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"ouka/pkg/config"
	"ouka/pkg/node"
)

var version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ouka",
		Short: "ActivityPub federation node",
		Long: `A federation node hosting local ActivityPub actors. It serves webfinger
and actor profiles, verifies signed inbox deliveries and delivers outbox
activities to remote inboxes.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		serveCmd(),
		resolveCmd(),
		accountCmd(),
		deliverCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ouka v%s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	if verbose {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logConfig.EncoderConfig.TimeKey = "timestamp"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := logConfig.Build()
	return logger
}

// openNode loads the configuration and connects the node's backends.
func openNode(ctx context.Context, logger *zap.Logger) (*node.Node, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded configuration", zap.Any("config", cfg.Redacted()))

	return node.New(ctx, cfg, logger)
}

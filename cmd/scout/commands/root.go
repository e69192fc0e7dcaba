package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alvmarrod/storefront-scout/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scout",
	Short:         "scout scrapes a merchant directory by date and serves the results.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to the JSON config file.")
}

// ExecuteContext runs the root command and exits non-zero on error
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and applies its log level
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	return cfg, nil
}

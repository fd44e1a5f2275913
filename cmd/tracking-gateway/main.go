// Command tracking-gateway runs the server side tracking pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/helicontrade/tracking/internal/config"
)

const defaultConfigPath = "config/tracking.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tracking-gateway",
		Short:         "Unified analytics tracking gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	rootCmd.PersistentFlags().StringP("config", "c", configPath, "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newSendCmd())
	return rootCmd
}

// loadConfig reads .env files and then the YAML config named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		log.Warn().Err(err).Msg("Failed to load .env")
	}

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

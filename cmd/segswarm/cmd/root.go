// Package cmd implements the CLI commands for segswarm.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// cfg is the configuration loaded before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "segswarm",
	Short:   "Hybrid HTTP and peer-to-peer media segment delivery",
	Version: version.Short(),
	Long: `segswarm loads HLS media segments from peers watching the same stream
and falls back to the origin over HTTP when no peer can serve in time.

Nodes find each other through a rendezvous tracker, exchange segment
availability over websockets and keep recently played segments in a
bounded cache that other peers can download from.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	// Not bound to viper: they only override file and environment values
	// when set explicitly, so the priority stays flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, /etc/segswarm, $HOME/.segswarm)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig loads the configuration and installs the default logger.
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		loaded.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		loaded.Logging.Format = strings.ToLower(format)
	}
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}

	cfg = loaded
	observability.SetDefault(observability.NewLoggerWithWriter(cfg.Logging, os.Stderr))
	return nil
}

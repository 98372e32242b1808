// Package cmd implements the CLI commands for broker-demo.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/videorelay-broker/internal/config"
	"github.com/jmylchreest/videorelay-broker/internal/observability"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "broker-demo",
	Short: "Illustrative HTTP server around the transcoder broker",
	Long: `broker-demo wires the transcoder broker's channel registry and
fan-out pipeline to a small chi HTTP surface: a subscriber-facing websocket
route and a control plane for starting, stopping, and inspecting channels.
The broker core has no HTTP dependency of its own; this binary exists to
exercise it.`,
	// PersistentPreRunE is set in init() to avoid an initialization cycle
	// (initLogging references rootCmd.PersistentFlags).
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/videorelay-broker)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (json, text)")
}

// initLogging installs a bootstrap logger from CLI flag overrides, ahead
// of the full config.Load in the serve command. It only consults flags
// explicitly set by the user, leaving precedence between config file and
// environment to config.Load itself.
func initLogging() error {
	level := "info"
	format := "json"

	if v, _ := rootCmd.PersistentFlags().GetString("log-level"); v != "" {
		level = strings.ToLower(v)
	}
	if v, _ := rootCmd.PersistentFlags().GetString("log-format"); v != "" {
		format = strings.ToLower(v)
	}
	if level == "warning" {
		level = "warn"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: format}, os.Stderr)
	logger = observability.WithComponent(logger, "broker-demo")
	observability.SetDefault(logger)
	return nil
}

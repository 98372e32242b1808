package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/videorelay-broker/internal/broker"
	"github.com/jmylchreest/videorelay-broker/internal/config"
	"github.com/jmylchreest/videorelay-broker/internal/httpapi"
	"github.com/jmylchreest/videorelay-broker/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker-demo HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyLoggingOverrides(&cfg.Logging)

	logger := observability.WithComponent(observability.NewLoggerWithWriter(cfg.Logging, os.Stderr), "broker-demo")
	observability.SetDefault(logger)

	metrics := broker.NewMetrics()

	b, err := broker.NewBroker(toBrokerConfig(cfg), logger, metrics)
	if err != nil {
		return fmt.Errorf("constructing broker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b.StartReaper(ctx)

	router := httpapi.NewRouter(b, logger, metrics.Handler(b.RefreshMetrics))
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker-demo: listening", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("broker-demo: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broker-demo: http server shutdown did not complete cleanly", slog.String("error", err.Error()))
	}

	b.ShutdownAll()
	logger.Info("broker-demo: stopped")
	return nil
}

// applyLoggingOverrides layers --log-level/--log-format onto the loaded
// config, but only when the caller explicitly set them on rootCmd (the
// flags are persistent, declared there, not on serveCmd itself).
func applyLoggingOverrides(logCfg *config.LoggingConfig) {
	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		level := strings.ToLower(mustGetString(flags, "log-level"))
		if level == "warning" {
			level = "warn"
		}
		logCfg.Level = level
	}
	if flags.Changed("log-format") {
		logCfg.Format = strings.ToLower(mustGetString(flags, "log-format"))
	}
}

func mustGetString(flags *pflag.FlagSet, name string) string {
	v, _ := flags.GetString(name)
	return v
}

func toBrokerConfig(cfg *config.Config) broker.BrokerConfig {
	return broker.BrokerConfig{
		TranscoderBinary:  cfg.Broker.TranscoderBinary,
		AdvertisedHost:    cfg.Broker.AdvertisedHost,
		AdvertisedPort:    cfg.Broker.AdvertisedPort,
		BasePath:          cfg.Broker.BasePath,
		PortRangeStart:    cfg.Broker.PortRangeStart,
		PortRangeEnd:      cfg.Broker.PortRangeEnd,
		StartupProbeDelay: cfg.Broker.StartupProbeDelay,
		ExitFlushWait:     cfg.Broker.ExitFlushWait,
		ExitDrainTimeout:  cfg.Broker.ExitDrainTimeout,
		ExitDrainPoll:     cfg.Broker.ExitDrainPoll,
		Reaper: broker.ReaperConfig{
			TickInterval:     cfg.Broker.Reaper.TickInterval,
			GracePeriod:      cfg.Broker.Reaper.GracePeriod,
			LongIdleTimeout:  cfg.Broker.Reaper.LongIdleTimeout,
			ShortIdleTimeout: cfg.Broker.Reaper.ShortIdleTimeout,
		},
	}
}

// Package config provides configuration management for the broker using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultReaperTick      = 60 * time.Second
	defaultGracePeriod     = 30 * time.Second
	defaultLongIdle        = 5 * time.Minute
	defaultShortIdle       = 10 * time.Second
	defaultStartupProbe    = 100 * time.Millisecond
	defaultExitFlushWait   = 3 * time.Second
	defaultExitDrain       = 30 * time.Second
	defaultExitDrainPoll   = time.Second
	defaultPortRangeStart  = 10000
	defaultPortRangeEnd    = 50000
)

// Config holds all configuration for the broker-demo process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Broker  BrokerSection `mapstructure:"broker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// BrokerSection holds transcoder-broker configuration.
type BrokerSection struct {
	TranscoderBinary  string        `mapstructure:"transcoder_binary"`
	AdvertisedHost    string        `mapstructure:"advertised_host"`
	AdvertisedPort    int           `mapstructure:"advertised_port"`
	BasePath          string        `mapstructure:"base_path"`
	PortRangeStart    int           `mapstructure:"port_range_start"`
	PortRangeEnd      int           `mapstructure:"port_range_end"`
	StartupProbeDelay time.Duration `mapstructure:"startup_probe_delay"`
	ExitFlushWait     time.Duration `mapstructure:"exit_flush_wait"`
	ExitDrainTimeout  time.Duration `mapstructure:"exit_drain_timeout"`
	ExitDrainPoll     time.Duration `mapstructure:"exit_drain_poll"`
	Reaper            ReaperSection `mapstructure:"reaper"`
}

// ReaperSection holds the periodic-scan teardown thresholds.
type ReaperSection struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	LongIdleTimeout  time.Duration `mapstructure:"long_idle_timeout"`
	ShortIdleTimeout time.Duration `mapstructure:"short_idle_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with BROKER_, using underscores for nesting, e.g.
// BROKER_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/videorelay-broker")
		v.AddConfigPath("$HOME/.videorelay-broker")
	}

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Must be called before reading the config file so file/env values can
// override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("broker.transcoder_binary", "")
	v.SetDefault("broker.advertised_host", "127.0.0.1")
	v.SetDefault("broker.advertised_port", defaultServerPort)
	v.SetDefault("broker.base_path", "/streams")
	v.SetDefault("broker.port_range_start", defaultPortRangeStart)
	v.SetDefault("broker.port_range_end", defaultPortRangeEnd)
	v.SetDefault("broker.startup_probe_delay", defaultStartupProbe)
	v.SetDefault("broker.exit_flush_wait", defaultExitFlushWait)
	v.SetDefault("broker.exit_drain_timeout", defaultExitDrain)
	v.SetDefault("broker.exit_drain_poll", defaultExitDrainPoll)

	v.SetDefault("broker.reaper.tick_interval", defaultReaperTick)
	v.SetDefault("broker.reaper.grace_period", defaultGracePeriod)
	v.SetDefault("broker.reaper.long_idle_timeout", defaultLongIdle)
	v.SetDefault("broker.reaper.short_idle_timeout", defaultShortIdle)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of json, text")
	}

	if c.Broker.TranscoderBinary == "" {
		return fmt.Errorf("broker.transcoder_binary is required")
	}

	if c.Broker.PortRangeStart >= c.Broker.PortRangeEnd {
		return fmt.Errorf("broker.port_range_start must be less than broker.port_range_end")
	}

	return nil
}

// Address returns the HTTP server's listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

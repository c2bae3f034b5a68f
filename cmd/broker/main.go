package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrpan/atbroker/internal/buildinfo"
	"github.com/terrpan/atbroker/internal/config"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "AutoTest broker -- hands out sandboxed runners to CodeGrade instances",
	Long: `broker keeps a fleet of sandboxed runners (local, Docker, GCP, AWS or
TransIP VPSes) and matches them to AutoTest jobs registered by CodeGrade
instances.

Configuration is read from a YAML file (--config), then BROKER_*
environment variables, then CLI flags for the most common settings.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Common overrides
	f.StringVar(&flagOverrides.Database.URL, "database-url", "", `Postgres URL, or "memory"`)
	f.StringVar(&flagOverrides.Provider.Type, "provider", "", "Provider for new runners (dev, docker, gcp, aws, transip)")
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "Address the API listens on")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd, migrateCmd, settingsCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Database.URL != "" {
		cfg.Database.URL = flagOverrides.Database.URL
	}
	if flagOverrides.Provider.Type != "" {
		cfg.Provider.Type = flagOverrides.Provider.Type
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

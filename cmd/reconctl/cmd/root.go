package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reconbatch/internal/config"
	"reconbatch/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "reconctl",
	Short: "Reconctl runs batches of templated reconstruction jobs",
	Long: `reconctl is the command-line interface for the reconbatch orchestrator.

reconbatch takes a pipeline template (a typed dataflow graph of processing
steps), stamps out one job per work item in a manifest, executes the jobs on
a pluggable backend (local process, docker, slurm or kubernetes) under a
concurrency budget with retries, and consolidates each job's outputs into
shared GeoPackage containers.

Common workflows:

  Validate a run configuration, its template and manifest:
    reconctl validate --config run.yaml

  Inspect the resolved graph for one work item:
    reconctl resolve --config run.yaml bldg-0042

  Execute a batch:
    reconctl run --config run.yaml

  Inspect recorded outcomes of earlier runs:
    reconctl status --config run.yaml

Configuration:
  Settings come from the run configuration file; the file path and log level
  can also be set via environment variables:
    RECONBATCH_CONFIG       Run configuration file (default: reconbatch.yaml)
    RECONBATCH_LOG_LEVEL    debug, info, warn or error`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	// Read environment variables that match "RECONBATCH_VARNAME"
	viper.SetEnvPrefix("RECONBATCH")
	viper.AutomaticEnv()
}

// loadConfig reads the run configuration named by the --config flag or the
// RECONBATCH_CONFIG environment variable.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger at the configured level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch viper.GetString("log_level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return logger.New(level)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "reconbatch.yaml", "run configuration file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

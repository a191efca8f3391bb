// Package main is the entry point for clustermaint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/clustermaint/internal/config"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clustermaint",
	Short: "Cluster maintenance controller",
	Long: `clustermaint collects host and guest metrics from a hypervisor cluster,
drains hosts by live migrating their guests, and checks for and applies
package updates on a schedule.

Run "clustermaint serve" for the long-running controller; the other
commands perform one operation against the same storage and exit.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"clustermaint version %s\nCommit: %s\nBuilt: %s\n",
		version, commit, buildDate,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(migrationStatusCmd)
	rootCmd.AddCommand(checkUpdatesCmd)
	rootCmd.AddCommand(scheduleUpdateCmd)
	rootCmd.AddCommand(cancelUpdateCmd)
	rootCmd.AddCommand(updateStatusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, setupLogger(cfg.Logging), nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}

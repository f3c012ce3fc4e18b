package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
)

// Default config locations, checked in order when no --config is given
var defaultConfigFiles = []string{
	"permitwatch.toml",
	"deployments/local/permitwatch.toml",
}

// globalFlags are shared by every command
type globalFlags struct {
	configFiles []string
	port        int
	host        string
	backendURL  string
	logLevel    string
}

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "permitwatch",
		Short: "Monitor permit backend jobs and health",
		Long: `Permitwatch polls a permit backend for long-running pull jobs and for its
health resource, and serves the results to dashboards over WebSocket and REST.

Running permitwatch without a subcommand is the same as "permitwatch serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringSliceVarP(&flags.configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	pf.IntVarP(&flags.port, "port", "p", 0, "Server port (overrides config)")
	pf.StringVar(&flags.host, "host", "", "Server host (overrides config)")
	pf.StringVar(&flags.backendURL, "backend", "", "Backend base URL (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")

	cmd.AddCommand(
		serveCmd(flags),
		watchCmd(flags),
		healthCmd(flags),
		versionCmd(),
	)
	return cmd
}

// loadConfig runs the startup chain: defaults -> files -> env -> CLI flags,
// then validates and builds the logger
func loadConfig(flags *globalFlags) (*common.Config, arbor.ILogger, error) {
	files := flags.configFiles
	if len(files) == 0 {
		for _, candidate := range defaultConfigFiles {
			if _, err := os.Stat(candidate); err == nil {
				files = []string{candidate}
				break
			}
		}
	}

	config, err := common.LoadFromFiles(files...)
	if err != nil {
		return nil, nil, err
	}

	common.ApplyFlagOverrides(config, flags.port, flags.host, flags.backendURL)
	if flags.logLevel != "" {
		config.Logging.Level = flags.logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	logger := common.InitLogger(config)
	logger.Debug().
		Strs("config_files", files).
		Str("environment", config.Environment).
		Str("backend", config.Backend.BaseURL).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	return config, logger, nil
}

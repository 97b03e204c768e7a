package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

var (
	logFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "chunkfabric",
	Short: "Replicated chunk storage fabric",
	Long: `A tracker and a set of storage peers that keep every published chunk
at its replication factor. The tracker watches peer liveness and tells
surviving holders to copy under-replicated chunks to other peers.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging applies the config's log section, letting the command line
// flags win.
func initLogging(cmd *cobra.Command, cfg config.LogConfig) error {
	path, level := cfg.File, cfg.Level
	if cmd.Flags().Changed("log-file") {
		path = logFile
	}
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	if err := logger.Init(path, level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", `Log file path ("-" for stderr)`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

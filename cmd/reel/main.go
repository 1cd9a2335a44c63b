// Command reel is the render job service binary.
//
// Subcommands:
//
//	serve        HTTP API plus the embedded worker pool
//	cleanup      remove stale job work directories and exit
//	gdrive-auth  obtain a Google Drive refresh token for STORAGE_PROVIDER=gdrive
package main

import (
	"github.com/spf13/cobra"

	"reel/internal/config"
	"reel/internal/pkg/logger"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "reel",
		Short:   "reel renders Manim scripts asynchronously and reports back by webhook",
		Version: version,
		// Errors are logged once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		cleanupCmd(),
		gdriveAuthCmd(),
	)

	if err := root.Execute(); err != nil {
		logger.NewDefault().LogFatal("command failed", err)
	}
}

// loadConfig loads and validates the configuration and builds the logger.
func loadConfig(serve bool) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(serve); err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logger()), nil
}

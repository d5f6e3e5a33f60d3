package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nadhira/lobby/internal/config"
	"github.com/nadhira/lobby/internal/daemon"
	"github.com/nadhira/lobby/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lobby server",
	Long: `Start the lobby server in the foreground.
It serves the chat API and keeps trying to reach the avatar
application until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	return d.Run(context.Background())
}

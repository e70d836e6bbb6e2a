package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/config"
	"github.com/jacokyle01/sparring/logging"
	"github.com/jacokyle01/sparring/telemetry"
)

var (
	// Global flags
	verbose    bool
	enginePath string

	cfg      config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "sparring",
	Short: "Chess engine pool, distributed analysis and personality opponents",
	Long: `sparring drives a pool of UCI engine processes.

It can serve an analysis job queue, work jobs from a remote queue, evaluate
positions locally, or pick moves the way a configured personality would.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if enginePath != "" {
			cfg.EnginePath = enginePath
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.LogJSON)
		if err != nil {
			return err
		}

		shutdown, err = telemetry.Setup(cmd.Context(), "sparring-"+cmd.Name(), cfg.OTelEndpoint)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdown != nil {
			if err := shutdown(context.WithoutCancel(cmd.Context())); err != nil {
				logger.Warn("flush traces", zap.Error(err))
			}
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&enginePath, "engine", "", "UCI engine executable (default from SPARRING_ENGINE_PATH)")

	rootCmd.AddCommand(serverCmd, clientCmd, evaluateCmd, moveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

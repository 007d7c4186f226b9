package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yunusemreyildiz/yeytest/internal/config"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded configuration, available to every subcommand after the
	// persistent pre-run.
	cfg *config.Config

	// Operator-facing logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "yeytest",
	Short: "yeytest - hybrid validation and self-healing for mobile UI tests",
	Long: `yeytest runs Maestro-style UI flows against Android and iOS devices
and validates every step with before/after screenshots.

Local detectors (pixel diff, OCR text, error signatures) decide most
steps for free; uncertain steps escalate to a vision model under a cost
budget. Failing steps can be diagnosed and patched by the self-healing
loop, which retries with a bounded number of repair attempts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Provider keys often live in a local .env during development.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}

		if err := logging.Initialize(logging.Options{
			Dir:        cfg.Logging.Dir,
			Debug:      cfg.Logging.Debug,
			Categories: cfg.Logging.Categories,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(framesCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

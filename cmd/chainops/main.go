package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chainops",
	Short: "chainops - adversary emulation operation engine",
	Long: `chainops runs adversary emulation operations: it plans links from an
adversary profile, hands them to beaconing agents, collects facts from their
output and walks the operation through its phases to cleanup.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger("")
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLogger builds the production logger. --verbose wins over level.
func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		config.Level = lvl
	}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chainops.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	validateCmd.Flags().StringVar(&validateDataDir, "data", "", "Catalog directory (defaults to catalog.data_dir)")
	reportCmd.Flags().StringVar(&reportDB, "db", "", "Database path (defaults to storage.path)")
	reportCmd.Flags().StringVar(&reportOp, "op", "", "Operation id or name")
	reportCmd.Flags().StringVar(&reportOut, "out", "", "Directory to write the report to (stdout when empty)")
	reportCmd.Flags().BoolVar(&reportOutput, "agent-output", false, "Include decoded agent output")
	_ = reportCmd.MarkFlagRequired("op")

	rootCmd.AddCommand(serveCmd, validateCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

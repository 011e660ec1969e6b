// helmsman is an autonomous multi-agent task orchestrator. It runs a
// continuous loop per session: claim a backlog task, plan it competitively,
// drive the five phases through multi-agent orchestration patterns, gate the
// output on quality, and persist everything to the workspace memory store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"helmsman/internal/config"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 2 // Configuration or usage error
	exitRuntime     = 3 // Initialization or runtime failure
	exitRateLimit   = 4 // Refused or wrapped up by message limits
	exitInterrupted = 130
)

var (
	// Global flags
	workspace string
	verbose   bool

	// Logger for the CLI edge. Subsystems use the category file logger.
	logger *zap.Logger
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "helmsman - autonomous multi-agent task orchestrator",
	Long: `helmsman runs a continuous task loop over the .helm/ workspace backlog.

Each claimed task is planned competitively, executed phase by phase
(research, design, implement, test, validate) through multi-agent
orchestration patterns, scored against per-phase quality gates, and
recorded in the workspace memory store. A local dashboard API serves
live session state over REST and SSE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return exitf(exitRuntime, "failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig reads .helm/config.json, surfacing unknown-key warnings.
func loadConfig() (*config.Config, error) {
	cfg, warnings, err := config.Load(workspace)
	if err != nil {
		return nil, exitf(exitConfig, "invalid configuration: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("Unknown configuration key ignored", zap.String("key", w))
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Project workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(exitInterrupted)
	}
	os.Exit(exitRuntime)
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
	dbPath     string
	logFormat  string
)

// buildInfo is set by newRootCommand.
var buildInfo struct {
	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit code: 2 for invalid input,
// 130 for cancellation and 1 otherwise.
func ExitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return 0
	case engine.IsCancellation(err):
		return 130
	case errors.As(err, &usage):
		return 2
	default:
		return 1
	}
}

// usageError marks errors caused by invalid input rather than a failed
// deployment.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildInfo.version = version
	buildInfo.commit = commit
	buildInfo.buildDate = buildDate

	rootCmd := &cobra.Command{
		Use:   "seqdeploy",
		Short: "seqdeploy - sequenced multi-server deployments",
		Long: `seqdeploy runs a deployment as a tree of steps: local build steps run
once, then every server runs the remote steps, optionally taken out of
its load balancer pool while it deploys.

Features:
  - YAML or CUE manifests validated against a schema
  - only_if conditions written in Starlark over per-server facts
  - Redis or HTTP load balancer adapters with graceful draining
  - OPA admission policies evaluated before every run
  - Run history and fact cache in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "run history database path (empty disables history)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// configureLogging applies the global logging flags on top of main's setup.
func configureLogging() error {
	switch logFormat {
	case "console":
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return invalidInput(fmt.Errorf("invalid log format %q (must be console or json)", logFormat))
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return nil
}

func defaultDBPath() string {
	if p := os.Getenv("SEQDEPLOY_DB"); p != "" {
		return p
	}
	return "seqdeploy.db"
}

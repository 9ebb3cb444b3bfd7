// Package cmd implements the agentpipe command-line surface: the Cobra
// tree wiring flag parsing to the Pipeline Executor, Lock Manager, and
// State Store. Modeled on cmd/root.go's PersistentPreRunE config-loading
// shape and command-tree assembly, with the project/global scope concept
// dropped entirely — a session is this engine's unit of isolation, not a
// project directory.
package cmd

import (
	"fmt"
	"regexp"

	"github.com/agentpipe/agentpipe/internal/config"
	"github.com/spf13/cobra"
)

// appConfig holds the loaded provider-defaults configuration.
var appConfig *config.Config

// metricsAddr, when non-empty, starts a Prometheus /metrics server bound
// to this address for the duration of a pipeline or single-stage run.
var metricsAddr string

var rootCmd = &cobra.Command{
	Use:   "agentpipe",
	Short: "Run iterative multi-stage AI agent pipelines",
	Long: `agentpipe drives external AI agent CLIs through bounded, resumable
iteration loops.

A pipeline definition names an ordered list of stages; each stage repeats
an agent invocation until a termination strategy (queue, judgment, or a
fixed iteration count) decides to stop. Every iteration's context, status,
and outcome is recorded to a crash-safe session directory so a failed run
can always be resumed from its last completed iteration.`,
	Example: `  # Run a multi-stage pipeline
  agentpipe pipeline pipeline.yaml my-session

  # Run a single stage type directly
  agentpipe draft my-session 5

  # Resume a session that previously failed
  agentpipe pipeline pipeline.yaml my-session --resume

  # Check a session's status
  agentpipe status my-session`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "config") {
			return nil
		}
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		appConfig, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load provider config: %w", err)
		}
		return nil
	},
	// Falls through to the single-stage shortcut when the first arg names
	// a known stage-type directory, rather than an unrecognized command.
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runStageShortcut(cmd, args)
	},
	Args: cobra.ArbitraryArgs,
}

var sessionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// validateSessionName enforces the session name constraint at the CLI
// boundary, before any lock is acquired or filesystem work begins.
func validateSessionName(name string) error {
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, sessionNamePattern.String())
	}
	return nil
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090); unset disables metrics")

	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

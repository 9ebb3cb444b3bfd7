package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentpipe/agentpipe/internal/label"
	"github.com/agentpipe/agentpipe/internal/lock"
	"github.com/agentpipe/agentpipe/internal/statestore"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions under the sessions root",
}

var pruneOlderThan time.Duration
var pruneDryRun bool

var sessionFilters []string

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known session and its classification",
	Example: `  agentpipe session list
  agentpipe session list --filter env=staging --filter team`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := listSessions()
		if err != nil {
			return err
		}

		filters, err := label.ParseMultiple(sessionFilters)
		if err != nil {
			return fmt.Errorf("cmd: parse --filter: %w", err)
		}
		if len(filters) > 0 {
			filtered := sessions[:0]
			for _, s := range sessions {
				var labels map[string]string
				if s.state != nil {
					labels = s.state.Labels
				}
				if label.Match(labels, filters) {
					filtered = append(filtered, s)
				}
			}
			sessions = filtered
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		bold := color.New(color.Bold)
		bold.Printf("%-30s %-12s %-6s %-25s %s\n", "SESSION", "STATUS", "STAGE", "STARTED", "LABELS")
		for _, s := range sessions {
			statusColorFor(s.classification).Printf("%-30s %-12s", s.name, s.classification)
			if s.state != nil {
				fmt.Printf(" %-6d %-25s %s\n", s.state.CurrentStage, s.state.StartedAt.Format(time.RFC3339), label.Format(s.state.Labels))
			} else {
				fmt.Println(" -      -                         -")
			}
		}
		return nil
	},
}

var sessionPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed session directories older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := listSessions()
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-pruneOlderThan)
		pruned := 0
		for _, s := range sessions {
			if s.classification != statestore.SessionCompleted {
				continue
			}
			if s.state == nil || s.state.CompletedAt == nil || s.state.CompletedAt.After(cutoff) {
				continue
			}

			dir := filepath.Join(sessionsRoot(), s.name)
			if pruneDryRun {
				fmt.Printf("would remove %s (completed %s)\n", dir, s.state.CompletedAt.Format(time.RFC3339))
				pruned++
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("prune %s: %w", s.name, err)
			}
			fmt.Printf("removed %s\n", dir)
			pruned++
		}

		if pruned == 0 {
			fmt.Println("Nothing to prune.")
		}
		return nil
	},
}

func init() {
	sessionPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Prune completed sessions whose run finished before this long ago")
	sessionPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List what would be pruned without deleting")
	sessionListCmd.Flags().StringArrayVar(&sessionFilters, "filter", nil, "Filter by key=value label, or key alone for existence (repeatable, AND-combined)")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionPruneCmd)
}

type sessionSummary struct {
	name           string
	classification statestore.SessionStatus
	state          *statestore.State
}

func listSessions() ([]sessionSummary, error) {
	entries, err := os.ReadDir(sessionsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	locker := lock.NewManager(locksRoot())
	var out []sessionSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()

		lockStatus, _, err := locker.Inspect(name)
		if err != nil {
			return nil, err
		}
		lockPresent := lockStatus != lock.StatusNone
		lockAlive := lockStatus == lock.StatusActive

		store := statestore.NewStore(filepath.Join(sessionsRoot(), name, "state.json"))
		classification, err := store.GetSessionStatus(lockPresent, lockAlive)
		if err != nil {
			return nil, err
		}

		st, err := store.Load()
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}

		out = append(out, sessionSummary{name: name, classification: classification, state: st})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

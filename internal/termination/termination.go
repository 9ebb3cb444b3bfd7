// Package termination implements the three pluggable termination
// strategies — queue, judgment, and fixed — consulted by the Iteration
// Driver after each iteration has already been committed to history.
// Modeled on internal/dag/graph.go's canRun condition evaluation,
// generalized from per-task Success/Failure/Any conditions into a
// per-stage decision over the state history.
package termination

import (
	"github.com/agentpipe/agentpipe/internal/statestore"
)

// Decision is what a strategy decided after consulting state.
type Decision int

const (
	Continue Decision = iota
	Stop
)

func (d Decision) String() string {
	if d == Stop {
		return "stop"
	}
	return "continue"
}

// QueueProbe counts ready items for a session (e.g. via an external queue
// CLI). A probe failure must never stop a run — callers should return a
// non-nil error only for genuine invocation failures.
type QueueProbe func(session string) (int, error)

// Strategy is consulted once per iteration, strictly after the iteration's
// outcome has been appended to state history. Implementations deliberately
// take no status-document parameter: the only source of the agent's latest
// decision is state history, so a caller cannot accidentally count the
// current iteration's decision twice (once from a fresh read of status.json
// and once from the history entry that already recorded it).
type Strategy interface {
	Decide(session string, st *statestore.State, stage string, iteration int) (Decision, string, error)
}

// stageHistory filters history to entries belonging to stage. In
// single-stage use, stage is the empty string and this is a no-op; in a
// multi-stage pipeline it prevents an earlier stage's stop decisions from
// poisoning the current stage's consensus.
func stageHistory(st *statestore.State, stage string) []statestore.HistoryEntry {
	var out []statestore.HistoryEntry
	for _, h := range st.History {
		if h.Stage == stage {
			out = append(out, h)
		}
	}
	return out
}

// QueueStrategy stops once the external queue reports zero ready items,
// provided the latest history entry for this stage did not decide "error".
// An empty queue never silently completes a run that just reported a hard
// failure.
type QueueStrategy struct {
	Probe QueueProbe
}

// Decide implements Strategy.
func (q *QueueStrategy) Decide(session string, st *statestore.State, stage string, iteration int) (Decision, string, error) {
	count, err := q.Probe(session)
	if err != nil {
		// A queue-probe subprocess failure does not stop the run.
		return Continue, "", nil
	}

	hist := stageHistory(st, stage)
	latest := ""
	if len(hist) > 0 {
		latest = hist[len(hist)-1].Decision
	}

	if count == 0 && latest != "error" {
		return Stop, "queue-empty", nil
	}
	return Continue, "", nil
}

// JudgmentStrategy (a.k.a. plateau) stops once at least MinIterations have
// run and the last Consensus history entries for the current stage all
// decided "stop".
type JudgmentStrategy struct {
	MinIterations int
	Consensus     int // 0 defaults to 2
}

// Decide implements Strategy.
func (j *JudgmentStrategy) Decide(session string, st *statestore.State, stage string, iteration int) (Decision, string, error) {
	consensus := j.Consensus
	if consensus <= 0 {
		consensus = 2
	}
	if iteration < j.MinIterations {
		return Continue, "", nil
	}

	hist := stageHistory(st, stage)
	if len(hist) < consensus {
		return Continue, "", nil
	}

	tail := hist[len(hist)-consensus:]
	for _, h := range tail {
		if h.Decision != "stop" {
			return Continue, "", nil
		}
	}
	return Stop, "plateau", nil
}

// FixedStrategy stops once iteration >= MaxIterations, ignoring the agent's
// reported decision entirely. Useful for exploratory/ideation stages.
type FixedStrategy struct {
	MaxIterations int
}

// Decide implements Strategy.
func (f *FixedStrategy) Decide(session string, st *statestore.State, stage string, iteration int) (Decision, string, error) {
	if iteration >= f.MaxIterations {
		return Stop, "max_iterations", nil
	}
	return Continue, "", nil
}

// Package statestore implements the crash-safe session state machine: a
// JSON document mutated exclusively through high-level transitions (never
// raw field edits), each written via atomicfile so a reader never observes
// a partial document. Modeled on internal/state/manager.go's
// load/save/Register/Update shape, generalized from a many-agents map to
// one state document per session, and hardened to use atomic rename
// throughout (a bare os.WriteFile never appears here).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
)

// Status is the top-level session status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// StageStatus is the status of one pipeline stage entry.
type StageStatus string

const (
	StageRunning  StageStatus = "running"
	StageComplete StageStatus = "complete"
	StageFailed   StageStatus = "failed"
)

// StageEntry records one stage's progress within a pipeline.
type StageEntry struct {
	Index     int         `json:"index"`
	Name      string      `json:"name"`
	Status    StageStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// HistoryEntry is one committed iteration record.
type HistoryEntry struct {
	Iteration      int       `json:"iteration"`
	Stage          string    `json:"stage"`
	Timestamp      time.Time `json:"timestamp"`
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason"`
	Summary        string    `json:"summary"`
	FilesTouched   []string  `json:"files_touched"`
	ItemsCompleted []string  `json:"items_completed"`
	Errors         []string  `json:"errors"`
}

// ErrorInfo describes the failure recorded against a session.
type ErrorInfo struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the canonical, on-disk session state document (state.json).
type State struct {
	Session   string `json:"session"`
	Type      string `json:"type"` // "loop" | "pipeline"
	StartedAt time.Time `json:"started_at"`

	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	Status Status `json:"status"`

	CurrentStage int `json:"current_stage"`

	Iteration          int        `json:"iteration"`
	IterationStarted   *time.Time `json:"iteration_started"`
	IterationCompleted int        `json:"iteration_completed"`

	Stages  []StageEntry   `json:"stages"`
	History []HistoryEntry `json:"history"`

	Error *ErrorInfo `json:"error,omitempty"`

	ResumeFrom       *int   `json:"resume_from,omitempty"`
	CompletionReason string `json:"completion_reason,omitempty"`

	// TraceID correlates this session's spans when tracing is enabled; it
	// is never set (and so never marshaled) otherwise, so the documented
	// schema is unaffected by a feature that's off by default.
	TraceID string `json:"trace_id,omitempty"`

	// Labels are arbitrary user-supplied key=value tags set at session
	// creation, used by `session list --filter` to narrow a long session
	// listing. Never set by the engine itself.
	Labels map[string]string `json:"labels,omitempty"`
}

// Store mutates one session's state.json through atomic read-modify-write
// transitions. A Store is safe for concurrent use by goroutines within one
// process (e.g. parallel block workers updating per-provider state), but the
// cross-process single-writer guarantee comes from the session lock, not
// from this mutex.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store backed by the state document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Init creates the state document if absent, seeded with session/type and
// status=running. If the file already exists, Init is a no-op and returns
// the existing document unchanged (idempotent, so a resumed or re-entered
// process never clobbers history).
func (s *Store) Init(session, typ string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.load(); err == nil {
		return existing, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	st := &State{
		Session:   session,
		Type:      typ,
		StartedAt: clock.Now(),
		Status:    StatusRunning,
		Stages:    []StageEntry{},
		History:   []HistoryEntry{},
	}
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Load reads the current state document without mutating it.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("statestore: parse %s: %w", s.path, err)
	}
	return &st, nil
}

func (s *Store) save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}
	return atomicfile.WriteFile(s.path, data, 0o644)
}

func (s *Store) mutate(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return fmt.Errorf("statestore: load before mutation: %w", err)
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.save(st)
}

// MarkIterationStarted sets iteration=n, iteration_started=now, status=running.
func (s *Store) MarkIterationStarted(n int) error {
	return s.mutate(func(st *State) error {
		now := clock.Now()
		st.Iteration = n
		st.IterationStarted = &now
		st.Status = StatusRunning
		return nil
	})
}

// MarkIterationCompleted sets iteration_completed=n, iteration_started=nil.
func (s *Store) MarkIterationCompleted(n int) error {
	return s.mutate(func(st *State) error {
		st.IterationCompleted = n
		st.IterationStarted = nil
		return nil
	})
}

// UpdateIteration appends one entry to history for (iteration, stage). The
// engine must never append two entries sharing the same (iteration, stage)
// pair.
func (s *Store) UpdateIteration(iteration int, stage string, decision, reason, summary string, filesTouched, itemsCompleted, errs []string) error {
	return s.mutate(func(st *State) error {
		entry := HistoryEntry{
			Iteration:      iteration,
			Stage:          stage,
			Timestamp:      clock.Now(),
			Decision:       decision,
			Reason:         reason,
			Summary:        summary,
			FilesTouched:   filesTouched,
			ItemsCompleted: itemsCompleted,
			Errors:         errs,
		}
		st.History = append(st.History, entry)
		return nil
	})
}

// UpdateStage upserts stages[idx] and sets current_stage=idx.
func (s *Store) UpdateStage(idx int, name string, status StageStatus) error {
	return s.mutate(func(st *State) error {
		st.CurrentStage = idx
		now := clock.Now()
		for i := range st.Stages {
			if st.Stages[i].Index == idx {
				st.Stages[i].Name = name
				st.Stages[i].Status = status
				st.Stages[i].Timestamp = now
				return nil
			}
		}
		st.Stages = append(st.Stages, StageEntry{
			Index:     idx,
			Name:      name,
			Status:    status,
			Timestamp: now,
		})
		return nil
	})
}

// ResetIterationCounters zeroes the iteration counters. Called at the start
// of each fresh stage so a prior stage's indices cannot leak into the next
// stage's resume logic.
func (s *Store) ResetIterationCounters() error {
	return s.mutate(func(st *State) error {
		st.Iteration = 0
		st.IterationCompleted = 0
		st.IterationStarted = nil
		return nil
	})
}

// MarkFailed transitions to failed, recording the error and computing
// resume_from = iteration_completed + 1.
func (s *Store) MarkFailed(message, errType string) error {
	return s.mutate(func(st *State) error {
		now := clock.Now()
		st.Status = StatusFailed
		st.FailedAt = &now
		st.Error = &ErrorInfo{Type: errType, Message: message, Timestamp: now}
		resumeFrom := st.IterationCompleted + 1
		st.ResumeFrom = &resumeFrom
		return nil
	})
}

// MarkComplete transitions to complete.
func (s *Store) MarkComplete(reason string) error {
	return s.mutate(func(st *State) error {
		now := clock.Now()
		st.Status = StatusComplete
		st.CompletedAt = &now
		st.CompletionReason = reason
		return nil
	})
}

// ResetForResume transitions a failed session back to running, clearing the
// error and failed_at fields while preserving resume_from for audit and
// leaving history untouched.
func (s *Store) ResetForResume() error {
	return s.mutate(func(st *State) error {
		now := clock.Now()
		st.Status = StatusRunning
		st.Error = nil
		st.FailedAt = nil
		st.ResumedAt = &now
		return nil
	})
}

// GetResumeIteration returns iteration_completed + 1, defaulting to 1 for a
// fresh session.
func (s *Store) GetResumeIteration() (int, error) {
	st, err := s.Load()
	if err != nil {
		return 0, err
	}
	return st.IterationCompleted + 1, nil
}

// GetResumeStage returns current_stage.
func (s *Store) GetResumeStage() (int, error) {
	st, err := s.Load()
	if err != nil {
		return 0, err
	}
	return st.CurrentStage, nil
}

// SetTraceID records the session's correlation trace ID, minted once at
// session start when tracing is enabled. A no-op session rerun (Init
// already returned an existing document) should not call this again.
func (s *Store) SetTraceID(id string) error {
	return s.mutate(func(st *State) error {
		st.TraceID = id
		return nil
	})
}

// SetLabels records the session's labels, set once at creation. Calling it
// on a resumed session would be a caller bug (labels are immutable after
// creation), but SetLabels itself does not enforce that.
func (s *Store) SetLabels(labels map[string]string) error {
	if len(labels) == 0 {
		return nil
	}
	return s.mutate(func(st *State) error {
		st.Labels = labels
		return nil
	})
}

// IsStageComplete reports whether stages[idx].status == complete.
func (s *Store) IsStageComplete(idx int) (bool, error) {
	st, err := s.Load()
	if err != nil {
		return false, err
	}
	for _, stage := range st.Stages {
		if stage.Index == idx {
			return stage.Status == StageComplete, nil
		}
	}
	return false, nil
}

// SessionStatus is the classification returned by GetSessionStatus.
type SessionStatus string

const (
	SessionNone      SessionStatus = "none"
	SessionActive    SessionStatus = "active"
	SessionFailed    SessionStatus = "failed"
	SessionCompleted SessionStatus = "completed"
)

// GetSessionStatus is the only place that correlates the session lock with
// session state. Callers pass what they observed about the lock (present,
// and if present whether its recorded PID is alive) since the lock itself
// lives in a separate package (internal/lock) that this store does not
// depend on.
func (s *Store) GetSessionStatus(lockPresent, lockPIDAlive bool) (SessionStatus, error) {
	st, err := s.Load()
	if err != nil {
		if os.IsNotExist(err) {
			if lockPresent {
				if lockPIDAlive {
					return SessionActive, nil
				}
				return SessionFailed, nil
			}
			return SessionNone, nil
		}
		return "", err
	}

	if lockPresent && lockPIDAlive {
		return SessionActive, nil
	}
	if st.Status == StatusComplete {
		return SessionCompleted, nil
	}
	if lockPresent {
		// Lock present but PID dead: crashed mid-run.
		return SessionFailed, nil
	}
	if st.Status == StatusRunning {
		// No lock, but state still says running: engine crashed before
		// acquiring the lock or after dropping it.
		return SessionFailed, nil
	}
	if st.Status == StatusFailed {
		return SessionFailed, nil
	}
	return SessionNone, nil
}

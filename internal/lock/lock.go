// Package lock implements the per-session exclusive lock that guarantees a
// single writer per session, with stale-lock detection based on PID
// liveness. Unlike a flock-on-an-open-fd approach
// (internal/state/lock_unix.go), this is a content-bearing,
// atomically-created lock file: callers need an inspectable holder (pid,
// started_at), not just mutual exclusion, since session-status queries
// must be able to read who holds a lock without blocking on it.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
)

// Record is the on-disk content of a session lock file.
type Record struct {
	Session   string    `json:"session"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// BusyError reports that a session lock is held by a live process.
type BusyError struct {
	Session string
	PID     int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %q is locked by running process %d", e.Session, e.PID)
}

// Manager acquires and releases session locks under a single locks root.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at locksDir (one *.lock file per session).
func NewManager(locksDir string) *Manager {
	return &Manager{root: locksDir}
}

func (m *Manager) path(session string) string {
	return filepath.Join(m.root, session+".lock")
}

// Acquire claims the lock for session. If the lock is held by a live
// process, it returns a *BusyError unless force is true, in which case the
// existing holder is displaced unconditionally (after the caller has been
// warned — callers are expected to log before calling with force=true).
//
// A lock file whose recorded PID is no longer alive is treated as stale and
// silently reclaimed.
func (m *Manager) Acquire(session string, force bool) error {
	path := m.path(session)

	existing, err := readRecord(path)
	if err == nil {
		if !force && isProcessRunning(existing.PID) {
			return &BusyError{Session: session, PID: existing.PID}
		}
		// Stale lock (dead PID) or forced takeover: remove before reclaiming.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lock: remove stale lock for %s: %w", session, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("lock: read existing lock for %s: %w", session, err)
	}

	rec := Record{Session: session, PID: os.Getpid(), StartedAt: clock.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: marshal record: %w", err)
	}

	if err := atomicfile.CreateExclusive(path, data, 0o644); err != nil {
		if os.IsExist(err) {
			// Lost the race to a concurrent acquirer.
			if holder, rerr := readRecord(path); rerr == nil {
				return &BusyError{Session: session, PID: holder.PID}
			}
			return &BusyError{Session: session, PID: 0}
		}
		return fmt.Errorf("lock: create lock for %s: %w", session, err)
	}

	return nil
}

// Release removes the lock for session, but only if this process owns it
// (PID match in the file). Releasing a lock already owned by someone else,
// or one that doesn't exist, is not an error — every termination path,
// including signal handlers, calls Release unconditionally.
func (m *Manager) Release(session string) error {
	path := m.path(session)

	rec, err := readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lock: read lock for %s: %w", session, err)
	}

	if rec.PID != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove lock for %s: %w", session, err)
	}
	return nil
}

// Status classifies the lock for session without acquiring it.
type Status int

const (
	// StatusNone means no lock file exists.
	StatusNone Status = iota
	// StatusActive means the lock is held by a live process.
	StatusActive
	// StatusStale means the lock file exists but its PID is dead.
	StatusStale
)

// Inspect reports the lock's status and, if present, its record.
func (m *Manager) Inspect(session string) (Status, *Record, error) {
	rec, err := readRecord(m.path(session))
	if err != nil {
		if os.IsNotExist(err) {
			return StatusNone, nil, nil
		}
		return StatusNone, nil, fmt.Errorf("lock: read lock for %s: %w", session, err)
	}
	if isProcessRunning(rec.PID) {
		return StatusActive, rec, nil
	}
	return StatusStale, rec, nil
}

// CleanupStale scans every lock file under the locks root and deletes any
// whose recorded PID is not alive. Intended to run once at engine startup.
func (m *Manager) CleanupStale() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lock: read locks dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if !isProcessRunning(rec.PID) {
			_ = os.Remove(path)
		}
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("lock: parse record: %w", err)
	}
	return &rec, nil
}

// isProcessRunning reports whether a process with the given PID is alive,
// using the signal-0 probe (works across the Unix family; this engine
// targets Unix agent hosts only).
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Package status validates and reads the per-iteration status document an
// agent writes (or the engine synthesizes) after each invocation. Modeled
// on the defensive, never-panic JSON decoding style of
// internal/logparser.Parser: missing or malformed input degrades to a
// usable zero value rather than propagating a parse error up the call
// stack, because a status document is adversarial input from an external
// subprocess.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
)

// Decision is the agent's (or engine's synthesized) per-iteration verdict.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionStop     Decision = "stop"
	DecisionError    Decision = "error"
)

// Work describes the agent-reported work performed during an iteration.
type Work struct {
	ItemsCompleted []string `json:"items_completed"`
	FilesTouched   []string `json:"files_touched"`
}

// Document is the status.json schema.
type Document struct {
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason"`
	Summary   string    `json:"summary"`
	Work      Work      `json:"work"`
	Errors    []string  `json:"errors"`
	Timestamp time.Time `json:"timestamp"`
}

// ItemsCompleted returns the agent-reported completed items, or an empty
// slice if absent.
func (d *Document) ItemsCompleted() []string {
	if d == nil || d.Work.ItemsCompleted == nil {
		return []string{}
	}
	return d.Work.ItemsCompleted
}

// FilesTouched returns the agent-reported touched files, or an empty slice
// if absent.
func (d *Document) FilesTouched() []string {
	if d == nil || d.Work.FilesTouched == nil {
		return []string{}
	}
	return d.Work.FilesTouched
}

// ErrorMessages returns the agent-reported error strings, or an empty slice
// if absent.
func (d *Document) ErrorMessages() []string {
	if d == nil || d.Errors == nil {
		return []string{}
	}
	return d.Errors
}

var validDecisions = map[Decision]bool{
	DecisionContinue: true,
	DecisionStop:     true,
	DecisionError:    true,
}

// Read loads and validates the status document at path. A missing file
// returns an error satisfying os.IsNotExist; an unparseable or semantically
// invalid document (bad JSON, or a decision outside {continue, stop, error})
// returns a plain error. Callers must never treat either failure as
// "continue" — both call for a synthesized error status instead.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("status: invalid json in %s: %w", path, err)
	}
	if !validDecisions[doc.Decision] {
		return nil, fmt.Errorf("status: %s has invalid decision %q", path, doc.Decision)
	}
	return &doc, nil
}

// Synthesize builds an engine-authored error status for an iteration where
// the agent either never wrote status.json, wrote something unparseable, or
// the subprocess itself exited non-zero. It is never used to guess
// "continue".
func Synthesize(reason string) *Document {
	return &Document{
		Decision:  DecisionError,
		Reason:    reason,
		Summary:   reason,
		Errors:    []string{reason},
		Timestamp: clock.Now(),
	}
}

// Write serializes doc to path. The engine writes this only when
// synthesizing a replacement status; the agent is the sole normal writer of
// status.json.
func Write(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}
	return atomicfile.WriteFile(path, data, 0o644)
}

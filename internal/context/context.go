// Package ctxdoc implements the Context Builder: it composes the
// immutable per-iteration context.json an agent reads before each
// invocation. There is no directly equivalent manifest elsewhere in this
// codebase; it draws on the Input Resolver (internal/inputs) and the
// path-layout conventions internal/dag/executor.go establishes for
// per-iteration temp output dirs, adapted to a fixed
// stage-<NN>-<name>/iterations/<NNN> tree.
package ctxdoc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
	"github.com/agentpipe/agentpipe/internal/inputs"
)

// StageRef identifies the stage a context document was built for.
type StageRef struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Template string `json:"template"`
}

// Paths holds every filesystem location the agent or engine cares about for
// one iteration.
type Paths struct {
	SessionDir string `json:"session_dir"`
	StageDir   string `json:"stage_dir"`
	Progress   string `json:"progress"`
	Output     string `json:"output"`
	Status     string `json:"status"`
}

// Inputs holds the resolved prior-stage and prior-iteration outputs.
type Inputs struct {
	FromStage              map[string][]string `json:"from_stage"`
	FromPreviousIterations []string             `json:"from_previous_iterations"`
}

// Limits surfaces iteration and runtime budgets to the agent.
type Limits struct {
	MaxIterations    int `json:"max_iterations"`
	RemainingSeconds int `json:"remaining_seconds"`
}

// Document is the context.json schema.
type Document struct {
	Session   string            `json:"session"`
	Pipeline  string            `json:"pipeline"`
	Stage     StageRef          `json:"stage"`
	Iteration int               `json:"iteration"`
	Paths     Paths             `json:"paths"`
	Inputs    Inputs            `json:"inputs"`
	Limits    Limits            `json:"limits"`
	Commands  map[string]string `json:"commands,omitempty"`
}

// FromStageRef names one "from" reference this stage's prompt needs resolved.
type FromStageRef struct {
	Stage  string
	Select inputs.Select
}

// BuildParams is the full set of inputs the Context Builder needs to
// compose one iteration's context document.
type BuildParams struct {
	Session  string
	Pipeline string

	// ScopeRoot is where this stage's directory lives: the run directory
	// outside a parallel block, or providers/<p>/ inside one.
	ScopeRoot string
	// PipelineRoot is always the run directory; used as the from-stage
	// fallback when a reference names a stage outside the current block.
	PipelineRoot string
	// RunDir is the session run directory, used only to locate the legacy
	// session-level progress file.
	RunDir string

	StageIndex    int
	StageID       string
	StageTemplate string

	Iteration int

	MaxIterations     int
	MaxRuntimeSeconds int // 0 means unset
	StartedAt         time.Time

	FromStageRefs []FromStageRef
	Commands      map[string]string
}

// StageDirName returns the zero-padded "stage-<NN>-<id>" directory name.
func StageDirName(index int, id string) string {
	return fmt.Sprintf("stage-%s-%s", clock.PadStage(index), id)
}

// IterationDirName returns the zero-padded "<NNN>" iteration directory name.
func IterationDirName(iteration int) string {
	return clock.PadIteration(iteration)
}

// Build composes and atomically writes context.json for one iteration,
// creating the iteration directory if absent, and returns its absolute
// path. The path returned is exactly the path the agent will read;
// status.json is always its sibling.
func Build(p BuildParams) (string, error) {
	stageDir := filepath.Join(p.ScopeRoot, StageDirName(p.StageIndex, p.StageID))
	iterDir := filepath.Join(stageDir, "iterations", IterationDirName(p.Iteration))

	if err := os.MkdirAll(iterDir, 0o755); err != nil {
		return "", fmt.Errorf("ctxdoc: create iteration dir %s: %w", iterDir, err)
	}

	progress := resolveProgressPath(p.RunDir, p.Session, stageDir)
	output := filepath.Join(iterDir, "output.md")
	statusPath := filepath.Join(iterDir, "status.json")

	fromStage := make(map[string][]string, len(p.FromStageRefs))
	for _, ref := range p.FromStageRefs {
		paths, err := inputs.ResolveFromStage(p.ScopeRoot, p.PipelineRoot, ref.Stage, ref.Select)
		if err != nil {
			return "", fmt.Errorf("ctxdoc: resolve inputs from stage %s: %w", ref.Stage, err)
		}
		fromStage[ref.Stage] = paths
	}

	prevIterations, err := inputs.FromPreviousIterations(stageDir, p.Iteration)
	if err != nil {
		return "", fmt.Errorf("ctxdoc: resolve previous iterations: %w", err)
	}

	doc := Document{
		Session:  p.Session,
		Pipeline: p.Pipeline,
		Stage: StageRef{
			ID:       p.StageID,
			Index:    p.StageIndex,
			Template: p.StageTemplate,
		},
		Iteration: p.Iteration,
		Paths: Paths{
			SessionDir: p.RunDir,
			StageDir:   stageDir,
			Progress:   progress,
			Output:     output,
			Status:     statusPath,
		},
		Inputs: Inputs{
			FromStage:              fromStage,
			FromPreviousIterations: prevIterations,
		},
		Limits: Limits{
			MaxIterations:    p.MaxIterations,
			RemainingSeconds: remainingSeconds(p.MaxRuntimeSeconds, p.StartedAt),
		},
		Commands: p.Commands,
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ctxdoc: marshal context document: %w", err)
	}

	ctxPath := filepath.Join(iterDir, "context.json")
	if err := atomicfile.WriteFile(ctxPath, data, 0o644); err != nil {
		return "", fmt.Errorf("ctxdoc: write context document: %w", err)
	}
	return ctxPath, nil
}

// resolveProgressPath prefers the stage-local progress.md; it falls back to
// the session-level legacy path only when a stage-local file does not yet
// exist but a legacy one does (an old session resumed under the new
// layout).
func resolveProgressPath(runDir, session, stageDir string) string {
	local := filepath.Join(stageDir, "progress.md")
	if _, err := os.Stat(local); os.IsNotExist(err) {
		legacy := filepath.Join(runDir, "progress-"+session+".md")
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return local
}

// remainingSeconds subtracts elapsed wall-clock time from the configured
// runtime budget, clamped at zero. A budget of 0 means unenforced: -1 is
// returned, matching the "no limit" sentinel.
func remainingSeconds(maxRuntimeSeconds int, startedAt time.Time) int {
	if maxRuntimeSeconds <= 0 {
		return -1
	}
	elapsed := int(clock.Now().Sub(startedAt).Seconds())
	remaining := maxRuntimeSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

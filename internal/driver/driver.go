// Package driver implements the Iteration Driver: the per-stage loop that
// ties the Context Builder, Prompt Resolver, Agent Runner, Status Reader,
// State Store, and Termination Strategy together. Modeled on
// internal/runner/loop.go's iteration-loop shape — per-iteration state
// mutation under a mutex, a "[prefix] message" log idiom on the output
// writer, signal-aware early return — generalized from a single
// open-ended agent loop into a bounded per-stage window with a pluggable
// termination strategy and engine-synthesized status on failure.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agentpipe/agentpipe/internal/agent"
	"github.com/agentpipe/agentpipe/internal/atomicfile"
	ctxdoc "github.com/agentpipe/agentpipe/internal/context"
	"github.com/agentpipe/agentpipe/internal/promptresolve"
	"github.com/agentpipe/agentpipe/internal/statestore"
	"github.com/agentpipe/agentpipe/internal/status"
	"github.com/agentpipe/agentpipe/internal/termination"
)

// Outcome is the per-stage result RunStage returns.
type Outcome int

const (
	// OK means the stage's termination strategy decided Stop.
	OK Outcome = iota
	// Exhausted means the stage ran its full iteration window without the
	// strategy ever deciding Stop.
	Exhausted
	// Failed means the stage hard-failed: the provider check, a non-zero
	// exit code, a missing or invalid status file, the runtime guardrail,
	// zero iterations, an I/O error, or the termination strategy erroring.
	Failed
)

// Params is everything one stage invocation of the Iteration Driver needs.
type Params struct {
	Session  string
	Pipeline string

	ScopeRoot    string
	PipelineRoot string
	RunDir       string

	StageIndex    int
	StageID       string // the stage's name within the pipeline (or loop session)
	StageTemplate string // the stage.yaml "stage type" this stage was loaded from

	StartIteration int
	MaxIterations  int // stage.runs; Fixed strategies also consult this as a hard cap
	DelaySeconds   int
	CheckBefore    bool

	PromptBody    string
	FromStageRefs []ctxdoc.FromStageRef
	Perspective   string
	PreviousStage string
	Commands      map[string]string

	Provider agent.Provider
	Model    string
	Env      []string
	Timeout  int64 // seconds, per-invocation

	MaxRuntimeSeconds int
	KillGracePeriod   int
	StartedAt         time.Time

	Store    *statestore.Store
	Strategy termination.Strategy

	Output io.Writer
}

// RunStage executes one stage's iteration window: Context Builder → Prompt
// Resolver → Agent Runner → Status Reader → State Store → Termination
// Strategy, committed in that order every iteration, strictly single
// goroutine — iterations within a stage always run sequentially;
// concurrency lives one level up, in the Parallel Block Executor
// spawning one Driver per provider.
func RunStage(ctx context.Context, p Params) (Outcome, error) {
	if !agent.MockModeEnabled() {
		if err := agent.CheckProvider(p.Provider.Executable); err != nil {
			return Failed, err
		}
	}

	stageDir := filepath.Join(p.ScopeRoot, ctxdoc.StageDirName(p.StageIndex, p.StageID))
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return Failed, fmt.Errorf("driver: create stage dir %s: %w", stageDir, err)
	}
	if err := ensureProgressFile(stageDir); err != nil {
		return Failed, err
	}

	start := p.StartIteration
	if start <= 0 {
		start = 1
	}

	executed := 0
	runner := agent.NewRunner()

	for i := start; i <= p.MaxIterations; i++ {
		if p.CheckBefore {
			st, err := p.Store.Load()
			if err != nil {
				return Failed, fmt.Errorf("driver: load state before iteration %d: %w", i, err)
			}
			decision, reason, err := p.Strategy.Decide(p.Session, st, p.StageID, i-1)
			if err != nil {
				return Failed, fmt.Errorf("driver: check_before strategy: %w", err)
			}
			if decision == termination.Stop {
				if err := p.Store.MarkComplete(reason); err != nil {
					return Failed, err
				}
				fmt.Fprintf(p.Output, "[agentpipe] stage %s: check_before stopped before iteration %d (%s)\n", p.StageID, i, reason)
				return OK, nil
			}
		}

		if p.MaxRuntimeSeconds > 0 {
			elapsed := int(time.Since(p.StartedAt).Seconds())
			if elapsed >= p.MaxRuntimeSeconds {
				if err := p.Store.MarkFailed(fmt.Sprintf("stage %s: runtime limit of %ds exceeded", p.StageID, p.MaxRuntimeSeconds), "timeout"); err != nil {
					return Failed, err
				}
				fmt.Fprintf(p.Output, "[agentpipe] stage %s: runtime limit exceeded before iteration %d\n", p.StageID, i)
				return Failed, fmt.Errorf("driver: stage %s exceeded its runtime limit", p.StageID)
			}
		}

		if err := p.Store.MarkIterationStarted(i); err != nil {
			return Failed, fmt.Errorf("driver: mark iteration %d started: %w", i, err)
		}

		fmt.Fprintf(p.Output, "[agentpipe] stage %s: iteration %d/%d\n", p.StageID, i, p.MaxIterations)

		ctxPath, err := ctxdoc.Build(ctxdoc.BuildParams{
			Session:           p.Session,
			Pipeline:          p.Pipeline,
			ScopeRoot:         p.ScopeRoot,
			PipelineRoot:      p.PipelineRoot,
			RunDir:            p.RunDir,
			StageIndex:        p.StageIndex,
			StageID:           p.StageID,
			StageTemplate:     p.StageTemplate,
			Iteration:         i,
			MaxIterations:     p.MaxIterations,
			MaxRuntimeSeconds: p.MaxRuntimeSeconds,
			StartedAt:         p.StartedAt,
			FromStageRefs:     p.FromStageRefs,
			Commands:          p.Commands,
		})
		if err != nil {
			return Failed, fmt.Errorf("driver: build context for iteration %d: %w", i, err)
		}

		contextDoc, err := loadContext(ctxPath)
		if err != nil {
			return Failed, err
		}

		promptText := promptresolve.Resolve(p.PromptBody, promptresolve.Params{
			ContextPath:   ctxPath,
			Context:       contextDoc,
			Perspective:   p.Perspective,
			PreviousStage: p.PreviousStage,
			ScopeRoot:     p.ScopeRoot,
			PipelineRoot:  p.PipelineRoot,
		})

		result, execErr := runner.Execute(ctx, agent.Config{
			Provider:           p.Provider,
			Model:              p.Model,
			PromptText:         promptText,
			Env:                p.Env,
			Timeout:            p.Timeout,
			GracePeriodSeconds: p.KillGracePeriod,
			OutputFile:         contextDoc.Paths.Output,
			StatusFile:         contextDoc.Paths.Status,
		})

		if execErr == nil && result.ExitCode != 0 {
			execErr = fmt.Errorf("driver: provider exited %d", result.ExitCode)
		}

		if execErr != nil {
			errType := "exit_code"
			if result.ExitCode == -1 {
				errType = "timeout"
			}
			doc := status.Synthesize(execErr.Error())
			_ = status.Write(contextDoc.Paths.Status, doc)
			_ = p.Store.UpdateIteration(i, p.StageID, string(doc.Decision), doc.Reason, doc.Summary, doc.FilesTouched(), doc.ItemsCompleted(), doc.ErrorMessages())
			_ = p.Store.MarkFailed(fmt.Sprintf("iteration %d: %s", i, execErr.Error()), errType)
			fmt.Fprintf(p.Output, "[agentpipe] stage %s: iteration %d failed: %v\n", p.StageID, i, execErr)
			return Failed, execErr
		}

		doc, statusErr := status.Read(contextDoc.Paths.Status)
		var statusErrorType string
		if statusErr != nil {
			var reason string
			if os.IsNotExist(statusErr) {
				statusErrorType = "missing_status"
				reason = "Agent did not write status.json"
			} else {
				statusErrorType = "invalid_status"
				reason = "Agent wrote invalid status.json"
			}
			doc = status.Synthesize(reason)
			if err := status.Write(contextDoc.Paths.Status, doc); err != nil {
				return Failed, fmt.Errorf("driver: write synthesized status: %w", err)
			}
		}

		// The iteration is committed to history before any failure
		// transition, so history always reflects what actually happened.
		if err := p.Store.UpdateIteration(i, p.StageID, string(doc.Decision), doc.Reason, doc.Summary, doc.FilesTouched(), doc.ItemsCompleted(), doc.ErrorMessages()); err != nil {
			return Failed, fmt.Errorf("driver: update iteration %d history: %w", i, err)
		}

		if statusErrorType != "" {
			if err := p.Store.MarkFailed(fmt.Sprintf("iteration %d: %s", i, doc.Reason), statusErrorType); err != nil {
				return Failed, err
			}
			fmt.Fprintf(p.Output, "[agentpipe] stage %s: iteration %d failed: %s\n", p.StageID, i, statusErrorType)
			return Failed, fmt.Errorf("driver: %s", statusErrorType)
		}

		if err := p.Store.MarkIterationCompleted(i); err != nil {
			return Failed, fmt.Errorf("driver: mark iteration %d completed: %w", i, err)
		}
		executed++

		if err := writeStageOutput(stageDir, contextDoc.Paths.Output, p.MaxIterations, i); err != nil {
			return Failed, fmt.Errorf("driver: mirror iteration %d output to stage dir: %w", i, err)
		}

		st, err := p.Store.Load()
		if err != nil {
			return Failed, fmt.Errorf("driver: load state after iteration %d: %w", i, err)
		}
		decision, reason, err := p.Strategy.Decide(p.Session, st, p.StageID, i)
		if err != nil {
			return Failed, fmt.Errorf("driver: termination strategy: %w", err)
		}
		if decision == termination.Stop {
			if err := p.Store.MarkComplete(reason); err != nil {
				return Failed, err
			}
			fmt.Fprintf(p.Output, "[agentpipe] stage %s: stopped after iteration %d (%s)\n", p.StageID, i, reason)
			return OK, nil
		}

		if p.DelaySeconds > 0 {
			select {
			case <-ctx.Done():
				return Failed, ctx.Err()
			case <-time.After(time.Duration(p.DelaySeconds) * time.Second):
			}
		}
	}

	if executed == 0 {
		if err := p.Store.MarkFailed(fmt.Sprintf("stage %s ran no iterations in its window", p.StageID), "zero_iterations"); err != nil {
			return Failed, err
		}
		return Failed, fmt.Errorf("driver: zero_iterations")
	}

	if err := p.Store.MarkComplete("max_iterations"); err != nil {
		return Failed, err
	}
	fmt.Fprintf(p.Output, "[agentpipe] stage %s: exhausted %d iterations\n", p.StageID, p.MaxIterations)
	return Exhausted, nil
}

// writeStageOutput mirrors one iteration's output.md to the stage-level
// path the persisted layout and the prompt resolver's ${INPUTS.<stage>}
// both depend on: output.md when the stage runs exactly once, run-<i>.md
// when it runs more than once. A stage whose iteration never wrote an
// output file leaves the stage dir without one too — there is nothing to
// mirror, not an error.
func writeStageOutput(stageDir, iterationOutputPath string, maxIterations, iteration int) error {
	data, err := os.ReadFile(iterationOutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	name := "output.md"
	if maxIterations > 1 {
		name = fmt.Sprintf("run-%d.md", iteration)
	}
	return atomicfile.WriteFile(filepath.Join(stageDir, name), data, 0o644)
}

func ensureProgressFile(stageDir string) error {
	path := filepath.Join(stageDir, "progress.md")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		return fmt.Errorf("driver: create progress file %s: %w", path, err)
	}
	return nil
}

func loadContext(path string) (*ctxdoc.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("driver: reread context %s: %w", path, err)
	}
	var doc ctxdoc.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("driver: parse context %s: %w", path, err)
	}
	return &doc, nil
}

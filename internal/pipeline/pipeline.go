// Package pipeline implements the Pipeline Executor (sequential multi-stage
// runs with resume-skip logic) and the Parallel Block Executor (provider
// fan-out with manifest join). Modeled on internal/dag/executor.go's
// Executor: the task-graph "has this already succeeded, skip it" resume
// check, the sync.WaitGroup/mutex/errors-slice fan-out shape for
// concurrent work, and the output.WriterGroup prefixing convention —
// generalized from a single flat task graph into an ordered stage list
// with an embedded parallel-block sub-executor.
package pipeline

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
	"github.com/agentpipe/agentpipe/internal/driver"
	"github.com/agentpipe/agentpipe/internal/inputs"
	"github.com/agentpipe/agentpipe/internal/stagedef"
	"github.com/agentpipe/agentpipe/internal/statestore"
	"github.com/agentpipe/agentpipe/internal/termination"
)

// ResolveParams is the provider/model resolution context shared by every
// stage in a run: CLI overrides and env overrides are pipeline-wide, while
// stage config and provider defaults vary per stage.
type ResolveParams struct {
	CLIProvider string
	CLIModel    string
	EnvProvider string
	EnvModel    string

	ProviderDefaults map[string]stagedef.ProviderDefault
}

// RunParams is everything the Pipeline Executor needs for one session run.
type RunParams struct {
	Session  string
	RunDir   string
	Pipeline *stagedef.PipelineDefinition

	// StagesRoot is the directory of stage-type definitions (stage.yaml +
	// prompts), shared across every stage referencing a "stage:"/"loop:" id.
	StagesRoot string

	Store *statestore.Store

	Resolve   ResolveParams
	QueueProbe termination.QueueProbe

	Env     []string
	Timeout int64 // default per-invocation timeout, seconds

	// StartStage/StartIteration resume a crashed or previously-failed
	// session. A fresh run passes StartStage=0, StartIteration=1.
	StartStage     int
	StartIteration int

	StartedAt time.Time
	Output    io.Writer
}

// Run executes every stage in order, honoring resume-skip, parallel
// blocks, and the iteration-counter reset a flat task graph never needed
// (a plain task graph has no notion of "stage" at all — each stage here
// gets its own iteration-counter window instead of sharing one).
func Run(ctx context.Context, p RunParams) error {
	for k, stage := range p.Pipeline.Stages {
		if k < p.StartStage {
			complete, err := p.Store.IsStageComplete(k)
			if err != nil {
				return fmt.Errorf("pipeline: check stage %d completion: %w", k, err)
			}
			if complete {
				continue
			}
		}

		// Resetting on every stage except the one we are resuming into
		// prevents the previous stage's iteration_completed from making
		// the next stage believe it, too, is resuming mid-flight.
		if k != p.StartStage || p.StartIteration <= 1 {
			if err := p.Store.ResetIterationCounters(); err != nil {
				return fmt.Errorf("pipeline: reset iteration counters before stage %d: %w", k, err)
			}
		}

		startIteration := 1
		if k == p.StartStage {
			startIteration = p.StartIteration
		}

		var stageErr error
		if stage.Parallel != nil {
			stageErr = RunParallelBlock(ctx, ParallelParams{
				Session:        p.Session,
				RunDir:         p.RunDir,
				StagesRoot:     p.StagesRoot,
				StageIndex:     k,
				BlockName:      stage.Name,
				Block:          stage.Parallel,
				Store:          p.Store,
				Resolve:        p.Resolve,
				QueueProbe:     p.QueueProbe,
				Env:            p.Env,
				Timeout:        p.Timeout,
				StartIteration: startIteration,
				StartedAt:      p.StartedAt,
				Output:         p.Output,
			})
		} else {
			stageErr = runSequentialStage(ctx, p, k, stage, startIteration)
		}

		if stageErr != nil {
			return fmt.Errorf("pipeline: stage %d (%s): %w", k, stage.Name, stageErr)
		}

		if err := p.Store.UpdateStage(k, stage.Name, statestore.StageComplete); err != nil {
			return fmt.Errorf("pipeline: record stage %d complete: %w", k, err)
		}
	}
	return nil
}

func runSequentialStage(ctx context.Context, p RunParams, k int, stage stagedef.PipelineStage, startIteration int) error {
	def, err := stagedef.Load(p.StagesRoot, stage.ResolvedStageType())
	if err != nil {
		return err
	}

	terminationCfg := def.Termination
	if stage.Termination != nil {
		terminationCfg = *stage.Termination
	}

	maxIterations := stage.Runs
	if maxIterations <= 0 {
		maxIterations = 1
	}

	strategy, err := buildStrategy(terminationCfg, p.QueueProbe, maxIterations)
	if err != nil {
		return err
	}

	provider, model, err := stagedef.ResolveProviderAndModel(stagedef.ResolveParams{
		CLIProvider:      p.Resolve.CLIProvider,
		CLIModel:         p.Resolve.CLIModel,
		EnvProvider:      p.Resolve.EnvProvider,
		EnvModel:         p.Resolve.EnvModel,
		StageProvider:    firstNonEmpty(stage.Provider, def.Provider),
		StageModel:       firstNonEmpty(stage.Model, def.Model),
		ProviderDefaults: p.Resolve.ProviderDefaults,
	})
	if err != nil {
		return err
	}
	pd := p.Resolve.ProviderDefaults[provider]

	fromStageRefs := buildFromStageRefs(stage)
	previousStage := ""
	if k > 0 {
		previousStage = p.Pipeline.Stages[k-1].Name
	}

	outcome, err := driver.RunStage(ctx, driver.Params{
		Session:           p.Session,
		Pipeline:          p.Pipeline.Name,
		ScopeRoot:         p.RunDir,
		PipelineRoot:      p.RunDir,
		RunDir:            p.RunDir,
		StageIndex:        k,
		StageID:           stage.Name,
		StageTemplate:     stage.ResolvedStageType(),
		StartIteration:    startIteration,
		MaxIterations:     maxIterations,
		DelaySeconds:      def.Delay,
		CheckBefore:       def.CheckBefore,
		PromptBody:        firstNonEmpty(stage.Prompt, def.PromptBody),
		FromStageRefs:     fromStageRefs,
		PreviousStage:     previousStage,
		Commands:          def.Commands,
		Provider:          agent.Provider{Name: provider, Executable: pd.Executable, Args: pd.Args},
		Model:             model,
		Env:               p.Env,
		Timeout:           p.Timeout,
		MaxRuntimeSeconds: def.Guardrails.MaxRuntimeSeconds,
		KillGracePeriod:   def.Guardrails.KillGracePeriodSeconds,
		StartedAt:         p.StartedAt,
		Store:             p.Store,
		Strategy:          strategy,
		Output:            p.Output,
	})
	if err != nil {
		return err
	}
	_ = outcome
	return nil
}

// buildStrategy constructs the termination strategy for one stage.
// maxIterations is the stage's resolved iteration window (stage.Runs, or
// the CLI --single-stage max_iterations argument) — the Fixed strategy
// stops at that count, not at the termination block's unrelated
// min_iterations field.
func buildStrategy(cfg stagedef.TerminationConfig, probe termination.QueueProbe, maxIterations int) (termination.Strategy, error) {
	switch cfg.Type {
	case "queue":
		if probe == nil {
			return nil, fmt.Errorf("pipeline: queue termination requires a queue probe")
		}
		return &termination.QueueStrategy{Probe: probe}, nil
	case "judgment":
		return &termination.JudgmentStrategy{MinIterations: cfg.MinIterations, Consensus: cfg.Consensus}, nil
	case "fixed":
		return &termination.FixedStrategy{MaxIterations: maxIterations}, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown termination type %q", cfg.Type)
	}
}

func buildFromStageRefs(stage stagedef.PipelineStage) []ctxdoc.FromStageRef {
	if stage.Inputs == nil || stage.Inputs.From == "" {
		return nil
	}
	sel := inputs.SelectLatest
	if stage.Inputs.Select == "all" {
		sel = inputs.SelectAll
	}
	return []ctxdoc.FromStageRef{{Stage: stage.Inputs.From, Select: sel}}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveInitialInputs expands CLI --input arguments and YAML-declared
// initial inputs into an array of absolute file paths, including `.md`,
// `.yaml`, `.json`, and `.txt` files found under any directory argument,
// and writes the result to initial-inputs.json.
func ResolveInitialInputs(runDir string, cliInputs []string, yamlInputs []string) ([]string, error) {
	var resolved []string
	seen := make(map[string]bool)

	add := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("pipeline: resolve input path %s: %w", path, err)
		}
		if seen[abs] {
			return nil
		}
		seen[abs] = true
		resolved = append(resolved, abs)
		return nil
	}

	for _, raw := range append(append([]string{}, cliInputs...), yamlInputs...) {
		matches, err := filepath.Glob(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline: expand glob %q: %w", raw, err)
		}
		if len(matches) == 0 {
			matches = []string{raw}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("pipeline: stat input %s: %w", m, err)
			}
			if !info.IsDir() {
				if err := add(m); err != nil {
					return nil, err
				}
				continue
			}
			entries, err := os.ReadDir(m)
			if err != nil {
				return nil, fmt.Errorf("pipeline: read input dir %s: %w", m, err)
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if !isInitialInputExt(e.Name()) {
					continue
				}
				if err := add(filepath.Join(m, e.Name())); err != nil {
					return nil, err
				}
			}
		}
	}

	if resolved == nil {
		resolved = []string{}
	}
	data, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal initial inputs: %w", err)
	}
	path := filepath.Join(runDir, "initial-inputs.json")
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write initial inputs: %w", err)
	}
	return resolved, nil
}

func isInitialInputExt(name string) bool {
	switch filepath.Ext(name) {
	case ".md", ".yaml", ".yml", ".json", ".txt":
		return true
	default:
		return false
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentpipe/agentpipe/internal/agent"
	"github.com/agentpipe/agentpipe/internal/atomicfile"
	"github.com/agentpipe/agentpipe/internal/clock"
	"github.com/agentpipe/agentpipe/internal/driver"
	"github.com/agentpipe/agentpipe/internal/output"
	"github.com/agentpipe/agentpipe/internal/stagedef"
	"github.com/agentpipe/agentpipe/internal/statestore"
	"github.com/agentpipe/agentpipe/internal/termination"
)

// ParallelParams is everything RunParallelBlock needs to fan a stage out
// across providers.
type ParallelParams struct {
	Session    string
	RunDir     string
	StagesRoot string

	StageIndex int
	BlockName  string
	Block      *stagedef.ParallelBlock

	Store      *statestore.Store
	Resolve    ResolveParams
	QueueProbe termination.QueueProbe

	Env     []string
	Timeout int64

	StartIteration int
	StartedAt      time.Time
	Output         io.Writer
}

// ProviderResult is one provider's terminal outcome, recorded in manifest.json.
type ProviderResult struct {
	Provider         string   `json:"provider"`
	Status           string   `json:"status"` // "complete" | "failed"
	TerminalStages   []string `json:"terminal_stages"`
	Iterations       int      `json:"iterations"`
	TerminationReason string  `json:"termination_reason"`
	OutputPath       string   `json:"output_path"`
}

// Manifest is parallel-<NN>-<name>/manifest.json, written once every
// provider's worker completes successfully.
type Manifest struct {
	Block     string            `json:"block"`
	Providers []ProviderResult  `json:"providers"`
}

// resumeHint is one line of parallel-<NN>-<name>/resume.json: has this
// provider already finished on a previous attempt?
type resumeHint struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

// RunParallelBlock dispatches one worker per provider, each running the
// block's nested stage list sequentially through the Iteration Driver with
// scope_root = providers/<p>/, and joins on a manifest. Modeled on
// internal/dag/executor.go's executeTasks: sync.WaitGroup + shared-mutex
// error accumulation + per-worker output.PrefixedWriter, generalized
// from "N independent tasks" to "N providers, each replaying the same
// sub-stage sequence in isolation."
func RunParallelBlock(ctx context.Context, p ParallelParams) error {
	blockDir := filepath.Join(p.RunDir, fmt.Sprintf("parallel-%s-%s", clock.PadStage(p.StageIndex), p.BlockName))

	resumeStatus, err := loadResumeHints(blockDir)
	if err != nil {
		return err
	}

	writers := output.NewWriterGroup(p.Output, p.Block.Providers)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error
	results := make(map[string]ProviderResult, len(p.Block.Providers))

	for _, providerName := range p.Block.Providers {
		if resumeStatus[providerName] == "complete" {
			continue
		}

		providerScope := filepath.Join(blockDir, "providers", providerName)
		writer := writers.Get(providerName)

		wg.Add(1)
		go func(providerName, scopeRoot string) {
			defer wg.Done()
			defer writer.Flush()

			result, err := runProviderWorker(ctx, p, providerName, scopeRoot, writer)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", providerName, err))
				result.Status = "failed"
			} else {
				result.Status = "complete"
			}
			results[providerName] = result
			_ = appendResumeHint(blockDir, providerName, result.Status)
		}(providerName, providerScope)
	}

	wg.Wait()

	if len(failures) > 0 {
		_ = p.Store.MarkFailed(fmt.Sprintf("parallel block %s: %d provider(s) failed", p.BlockName, len(failures)), "parallel_block_failed")
		return fmt.Errorf("parallel block %s: %d provider(s) failed: %v", p.BlockName, len(failures), failures[0])
	}

	manifest := Manifest{Block: p.BlockName}
	for _, providerName := range p.Block.Providers {
		manifest.Providers = append(manifest.Providers, results[providerName])
	}
	if err := writeManifest(blockDir, manifest); err != nil {
		return err
	}

	return nil
}

func runProviderWorker(ctx context.Context, p ParallelParams, providerName, scopeRoot string, out io.Writer) (ProviderResult, error) {
	result := ProviderResult{Provider: providerName}

	providerStore := statestore.NewStore(filepath.Join(scopeRoot, "state.json"))
	if _, err := providerStore.Init(p.Session+"/"+providerName, "pipeline"); err != nil {
		return result, fmt.Errorf("init provider state: %w", err)
	}

	pd, ok := p.Resolve.ProviderDefaults[providerName]
	if !ok {
		return result, fmt.Errorf("unknown provider %q", providerName)
	}

	for idx, stage := range p.Block.Stages {
		def, err := stagedef.Load(p.StagesRoot, stage.ResolvedStageType())
		if err != nil {
			return result, err
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
			return result, err
		}

		model := resolveModel(p.Resolve, stage, def, pd)

		startIteration := 1
		if idx == 0 {
			startIteration = p.StartIteration
		}

		outcome, err := driver.RunStage(ctx, driver.Params{
			Session:           p.Session + "/" + providerName,
			Pipeline:          p.BlockName,
			ScopeRoot:         scopeRoot,
			PipelineRoot:      p.RunDir,
			RunDir:            scopeRoot,
			StageIndex:        idx,
			StageID:           stage.Name,
			StageTemplate:     stage.ResolvedStageType(),
			StartIteration:    startIteration,
			MaxIterations:     maxIterations,
			DelaySeconds:      def.Delay,
			CheckBefore:       def.CheckBefore,
			PromptBody:        firstNonEmpty(stage.Prompt, def.PromptBody),
			Commands:          def.Commands,
			Provider:          agent.Provider{Name: providerName, Executable: pd.Executable, Args: pd.Args},
			Model:             model,
			Env:               p.Env,
			Timeout:           p.Timeout,
			MaxRuntimeSeconds: def.Guardrails.MaxRuntimeSeconds,
			KillGracePeriod:   def.Guardrails.KillGracePeriodSeconds,
			StartedAt:         p.StartedAt,
			Store:             providerStore,
			Strategy:          strategy,
			Output:            out,
		})
		if err != nil {
			return result, err
		}

		result.TerminalStages = append(result.TerminalStages, stage.Name)
		if outcome == driver.Exhausted {
			result.TerminationReason = "max_iterations"
		}
	}

	result.OutputPath = scopeRoot
	return result, nil
}

func resolveModel(r ResolveParams, stage stagedef.PipelineStage, def *stagedef.Definition, pd stagedef.ProviderDefault) string {
	return firstNonEmpty(r.CLIModel, r.EnvModel, stage.Model, def.Model, pd.DefaultModel)
}

func loadResumeHints(blockDir string) (map[string]string, error) {
	path := filepath.Join(blockDir, "resume.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("pipeline: read resume hints %s: %w", path, err)
	}
	var hints []resumeHint
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("pipeline: parse resume hints %s: %w", path, err)
	}
	out := make(map[string]string, len(hints))
	for _, h := range hints {
		out[h.Provider] = h.Status
	}
	return out, nil
}

func appendResumeHint(blockDir, providerName, status string) error {
	hints, err := loadResumeHints(blockDir)
	if err != nil {
		return err
	}
	hints[providerName] = status

	list := make([]resumeHint, 0, len(hints))
	for name, st := range hints {
		list = append(list, resumeHint{Provider: name, Status: st})
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal resume hints: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(blockDir, "resume.json"), data, 0o644)
}

func writeManifest(blockDir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal manifest: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(blockDir, "manifest.json"), data, 0o644)
}

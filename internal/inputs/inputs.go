// Package inputs implements the Input Resolver: gathering prior-stage and
// prior-iteration outputs for a stage's context manifest. Missing outputs
// are never an error — they yield an empty result, matching the
// missing-is-empty posture of internal/prompt/output.go's
// ProcessOutputDirectives, generalized from its single {{output:task}}
// placeholder into the "from"/"from_previous_iterations" scoped lookups
// the context manifest needs.
package inputs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Select chooses which prior-stage outputs to gather.
type Select string

const (
	SelectLatest Select = "latest"
	SelectAll    Select = "all"
)

// FindStageDir locates the directory for stageName under root, matching the
// "stage-<NN>-<name>" naming convention. Returns "" if no such directory
// exists (not an error — the caller treats that as zero outputs).
func FindStageDir(root, stageName string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("inputs: read %s: %w", root, err)
	}

	suffix := "-" + stageName
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "stage-") {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", nil
}

// iterationOutputs returns the sorted list of output.md paths that exist
// under stageDir/iterations/<NNN>/, ascending by iteration index.
func iterationOutputs(stageDir string) ([]string, error) {
	iterRoot := filepath.Join(stageDir, "iterations")
	entries, err := os.ReadDir(iterRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inputs: read %s: %w", iterRoot, err)
	}

	type indexed struct {
		idx  int
		path string
	}
	var found []indexed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		outPath := filepath.Join(iterRoot, e.Name(), "output.md")
		if _, err := os.Stat(outPath); err != nil {
			continue
		}
		found = append(found, indexed{idx: n, path: outPath})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// ResolveFromStage gathers outputs for a named prior stage. It first looks
// under scopeRoot (the provider-local directory inside a parallel block, or
// just the run directory outside one); if the stage isn't found there, it
// falls back to pipelineRoot so a parallel-block worker can still see
// outputs produced before the block began. Missing outputs yield an empty
// slice, never an error.
func ResolveFromStage(scopeRoot, pipelineRoot, stageName string, sel Select) ([]string, error) {
	dir, err := FindStageDir(scopeRoot, stageName)
	if err != nil {
		return nil, err
	}
	if dir == "" && pipelineRoot != "" && pipelineRoot != scopeRoot {
		dir, err = FindStageDir(pipelineRoot, stageName)
		if err != nil {
			return nil, err
		}
	}
	if dir == "" {
		return []string{}, nil
	}

	outputs, err := iterationOutputs(dir)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return []string{}, nil
	}

	switch sel {
	case SelectAll:
		return outputs, nil
	case SelectLatest, "":
		return outputs[len(outputs)-1:], nil
	default:
		return nil, fmt.Errorf("inputs: unknown select mode %q", sel)
	}
}

// FromPreviousIterations returns every output.md that exists for iterations
// strictly before currentIteration within the current stage's directory,
// ascending by iteration index.
func FromPreviousIterations(stageDir string, currentIteration int) ([]string, error) {
	outputs, err := iterationOutputsBelow(stageDir, currentIteration)
	if err != nil {
		return nil, err
	}
	if outputs == nil {
		return []string{}, nil
	}
	return outputs, nil
}

func iterationOutputsBelow(stageDir string, currentIteration int) ([]string, error) {
	iterRoot := filepath.Join(stageDir, "iterations")
	entries, err := os.ReadDir(iterRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inputs: read %s: %w", iterRoot, err)
	}

	type indexed struct {
		idx  int
		path string
	}
	var found []indexed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n >= currentIteration {
			continue
		}
		outPath := filepath.Join(iterRoot, e.Name(), "output.md")
		if _, err := os.Stat(outPath); err != nil {
			continue
		}
		found = append(found, indexed{idx: n, path: outPath})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

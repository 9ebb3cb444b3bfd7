package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentpipe/agentpipe/internal/stagedef"
	"github.com/agentpipe/agentpipe/internal/statestore"
)

func writeParallelStageType(t *testing.T, stagesRoot, name string) {
	t.Helper()
	dir := filepath.Join(stagesRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "name: " + name + "\ntermination:\n  type: fixed\n  min_iterations: 1\n"
	if err := os.WriteFile(filepath.Join(dir, "stage.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("work on ${PERSPECTIVE} for ${SESSION}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunParallelBlockFansOutAndWritesManifest(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	stagesRoot := t.TempDir()
	writeParallelStageType(t, stagesRoot, "draft")

	store := statestore.NewStore(filepath.Join(runDir, "state.json"))
	if _, err := store.Init("sess", "pipeline"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	block := &stagedef.ParallelBlock{
		Providers: []string{"claude", "cursor"},
		Stages: []stagedef.PipelineStage{
			{Name: "draft", StageType: "draft", Runs: 1},
		},
	}

	err := RunParallelBlock(context.Background(), ParallelParams{
		Session:    "sess",
		RunDir:     runDir,
		StagesRoot: stagesRoot,
		StageIndex: 0,
		BlockName:  "perspectives",
		Block:      block,
		Store:      store,
		Resolve:    ResolveParams{ProviderDefaults: defaultProviders()},
		StartIteration: 1,
		StartedAt:  time.Now(),
		Output:     io.Discard,
	})
	if err != nil {
		t.Fatalf("RunParallelBlock: %v", err)
	}

	blockDir := filepath.Join(runDir, "parallel-00-perspectives")
	data, err := os.ReadFile(filepath.Join(blockDir, "manifest.json"))
	if err != nil {
		t.Fatalf("expected manifest.json: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(manifest.Providers) != 2 {
		t.Fatalf("expected 2 providers in manifest, got %d: %+v", len(manifest.Providers), manifest.Providers)
	}
	for _, pr := range manifest.Providers {
		if pr.Status != "complete" {
			t.Fatalf("provider %s status = %q, want complete", pr.Provider, pr.Status)
		}
	}

	for _, providerName := range block.Providers {
		scopeDir := filepath.Join(blockDir, "providers", providerName)
		if _, err := os.Stat(filepath.Join(scopeDir, "stage-00-draft", "iterations", "001", "output.md")); err != nil {
			t.Fatalf("provider %s: expected isolated iteration output: %v", providerName, err)
		}
	}
}

func TestRunParallelBlockFailurePropagatesAndSkipsManifest(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "error")

	runDir := t.TempDir()
	stagesRoot := t.TempDir()
	writeParallelStageType(t, stagesRoot, "draft")

	store := statestore.NewStore(filepath.Join(runDir, "state.json"))
	if _, err := store.Init("sess", "pipeline"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	block := &stagedef.ParallelBlock{
		Providers: []string{"claude", "cursor"},
		Stages: []stagedef.PipelineStage{
			{Name: "draft", StageType: "draft", Runs: 1},
		},
	}

	err := RunParallelBlock(context.Background(), ParallelParams{
		Session:    "sess",
		RunDir:     runDir,
		StagesRoot: stagesRoot,
		StageIndex: 0,
		BlockName:  "perspectives",
		Block:      block,
		Store:      store,
		Resolve:    ResolveParams{ProviderDefaults: defaultProviders()},
		StartIteration: 1,
		StartedAt:  time.Now(),
		Output:     io.Discard,
	})
	if err == nil {
		t.Fatal("expected an error when every provider worker fails")
	}

	blockDir := filepath.Join(runDir, "parallel-00-perspectives")
	if _, statErr := os.Stat(filepath.Join(blockDir, "manifest.json")); statErr == nil {
		t.Fatal("expected no manifest.json to be written on failure")
	}

	st, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Error == nil || st.Error.Type != "parallel_block_failed" {
		t.Fatalf("error = %+v, want parallel_block_failed", st.Error)
	}
}

func TestRunParallelBlockSkipsProvidersMarkedCompleteInResumeHints(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	stagesRoot := t.TempDir()
	writeParallelStageType(t, stagesRoot, "draft")

	store := statestore.NewStore(filepath.Join(runDir, "state.json"))
	if _, err := store.Init("sess", "pipeline"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	blockDir := filepath.Join(runDir, "parallel-00-perspectives")
	if err := os.MkdirAll(blockDir, 0o755); err != nil {
		t.Fatal(err)
	}
	hints := []resumeHint{{Provider: "claude", Status: "complete"}}
	data, _ := json.Marshal(hints)
	if err := os.WriteFile(filepath.Join(blockDir, "resume.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	block := &stagedef.ParallelBlock{
		Providers: []string{"claude", "cursor"},
		Stages: []stagedef.PipelineStage{
			{Name: "draft", StageType: "draft", Runs: 1},
		},
	}

	err := RunParallelBlock(context.Background(), ParallelParams{
		Session:    "sess",
		RunDir:     runDir,
		StagesRoot: stagesRoot,
		StageIndex: 0,
		BlockName:  "perspectives",
		Block:      block,
		Store:      store,
		Resolve:    ResolveParams{ProviderDefaults: defaultProviders()},
		StartIteration: 1,
		StartedAt:  time.Now(),
		Output:     io.Discard,
	})
	if err != nil {
		t.Fatalf("RunParallelBlock: %v", err)
	}

	claudeScope := filepath.Join(blockDir, "providers", "claude", "stage-00-draft")
	if _, statErr := os.Stat(claudeScope); statErr == nil {
		t.Fatal("expected already-complete provider claude not to be re-run")
	}
	cursorScope := filepath.Join(blockDir, "providers", "cursor", "stage-00-draft", "iterations", "001", "output.md")
	if _, statErr := os.Stat(cursorScope); statErr != nil {
		t.Fatalf("expected cursor to be (re)run: %v", statErr)
	}
}

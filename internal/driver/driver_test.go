package driver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentpipe/agentpipe/internal/agent"
	"github.com/agentpipe/agentpipe/internal/statestore"
	"github.com/agentpipe/agentpipe/internal/termination"
)

func newTestStore(t *testing.T, session string) *statestore.Store {
	t.Helper()
	dir := t.TempDir()
	store := statestore.NewStore(filepath.Join(dir, "state.json"))
	if _, err := store.Init(session, "loop"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store
}

func TestRunStageQueueStrategyStopsOnEmptyQueue(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.QueueStrategy{Probe: func(string) (int, error) { return 0, nil }}

	outcome, err := RunStage(context.Background(), Params{
		Session:       "sess",
		Pipeline:      "sess",
		ScopeRoot:     runDir,
		PipelineRoot:  runDir,
		RunDir:        runDir,
		StageID:       "implement",
		StageTemplate: "implement",
		StartIteration: 1,
		MaxIterations: 5,
		PromptBody:    "do work for ${SESSION} iteration ${ITERATION}",
		Provider:      agent.Provider{Executable: "does-not-matter"},
		Model:         "opus",
		Store:         store,
		Strategy:      strategy,
		StartedAt:     time.Now(),
		Output:        &out,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if outcome != OK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Status != statestore.StatusComplete {
		t.Fatalf("status = %v, want complete", st.Status)
	}
	if st.CompletionReason != "queue-empty" {
		t.Fatalf("completion reason = %q", st.CompletionReason)
	}
	if len(st.History) != 1 {
		t.Fatalf("expected exactly one history entry, got %d", len(st.History))
	}
}

func TestRunStageFixedStrategyStopsAtMaxIterations(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 3}

	outcome, err := RunStage(context.Background(), Params{
		Session:       "sess",
		Pipeline:      "sess",
		ScopeRoot:     runDir,
		PipelineRoot:  runDir,
		RunDir:        runDir,
		StageID:       "ideate",
		StageTemplate: "ideate",
		StartIteration: 1,
		MaxIterations: 3,
		PromptBody:    "brainstorm",
		Provider:      agent.Provider{Executable: "does-not-matter"},
		Model:         "opus",
		Store:         store,
		Strategy:      strategy,
		StartedAt:     time.Now(),
		Output:        &out,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if outcome != OK {
		t.Fatalf("outcome = %v, want OK (fixed strategy stops exactly at MaxIterations)", outcome)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(st.History))
	}
	if st.CompletionReason != "max_iterations" {
		t.Fatalf("completion reason = %q", st.CompletionReason)
	}
}

func TestRunStageWritesContextAndOutputPerIteration(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 1}

	_, err := RunStage(context.Background(), Params{
		Session:        "sess",
		Pipeline:       "sess",
		ScopeRoot:      runDir,
		PipelineRoot:   runDir,
		RunDir:         runDir,
		StageIndex:     0,
		StageID:        "implement",
		StageTemplate:  "implement",
		StartIteration: 1,
		MaxIterations:  1,
		PromptBody:     "go",
		Provider:       agent.Provider{Executable: "does-not-matter"},
		Model:          "opus",
		Store:          store,
		Strategy:       strategy,
		StartedAt:      time.Now(),
		Output:         &out,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}

	iterDir := filepath.Join(runDir, "stage-00-implement", "iterations", "001")
	for _, name := range []string{"context.json", "status.json", "output.md"} {
		if _, err := os.Stat(filepath.Join(iterDir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	stageOutput := filepath.Join(runDir, "stage-00-implement", "output.md")
	if _, err := os.Stat(stageOutput); err != nil {
		t.Fatalf("expected stage-level output.md to be mirrored from the iteration output: %v", err)
	}
}

func TestRunStageMirrorsEachRunOutputWhenMultiIteration(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 2}

	_, err := RunStage(context.Background(), Params{
		Session:        "sess",
		Pipeline:       "sess",
		ScopeRoot:      runDir,
		PipelineRoot:   runDir,
		RunDir:         runDir,
		StageIndex:     0,
		StageID:        "ideate",
		StageTemplate:  "ideate",
		StartIteration: 1,
		MaxIterations:  2,
		PromptBody:     "brainstorm",
		Provider:       agent.Provider{Executable: "does-not-matter"},
		Model:          "opus",
		Store:          store,
		Strategy:       strategy,
		StartedAt:      time.Now(),
		Output:         &out,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}

	stageDir := filepath.Join(runDir, "stage-00-ideate")
	for _, name := range []string{"run-1.md", "run-2.md"} {
		if _, err := os.Stat(filepath.Join(stageDir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(stageDir, "output.md")); !os.IsNotExist(err) {
		t.Fatalf("did not expect a single output.md when the stage ran more than once invocation")
	}
}

func TestRunStageRuntimeGuardrailMarksTimeout(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "1")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 5}

	outcome, err := RunStage(context.Background(), Params{
		Session:           "sess",
		Pipeline:          "sess",
		ScopeRoot:         runDir,
		PipelineRoot:      runDir,
		RunDir:            runDir,
		StageID:           "implement",
		StageTemplate:     "implement",
		StartIteration:    1,
		MaxIterations:     5,
		MaxRuntimeSeconds: 1,
		PromptBody:        "go",
		Provider:          agent.Provider{Executable: "does-not-matter"},
		Model:             "opus",
		Store:             store,
		Strategy:          strategy,
		StartedAt:         time.Now().Add(-2 * time.Second),
		Output:            &out,
	})
	if err == nil {
		t.Fatal("expected error when the runtime guardrail has already elapsed")
	}
	if outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", outcome)
	}

	st, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Error == nil || st.Error.Type != "timeout" {
		t.Fatalf("error = %+v, want timeout", st.Error)
	}
}

func TestRunStageMissingStatusMarksFailed(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "missing-status")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 3}

	outcome, err := RunStage(context.Background(), Params{
		Session:        "sess",
		Pipeline:       "sess",
		ScopeRoot:      runDir,
		PipelineRoot:   runDir,
		RunDir:         runDir,
		StageID:        "implement",
		StageTemplate:  "implement",
		StartIteration: 1,
		MaxIterations:  3,
		PromptBody:     "go",
		Provider:       agent.Provider{Executable: "does-not-matter"},
		Model:          "opus",
		Store:          store,
		Strategy:       strategy,
		StartedAt:      time.Now(),
		Output:         &out,
	})
	if err == nil {
		t.Fatal("expected error when the agent never writes status.json")
	}
	if outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", outcome)
	}

	st, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Status != statestore.StatusFailed {
		t.Fatalf("status = %v, want failed", st.Status)
	}
	if st.Error == nil || st.Error.Type != "missing_status" {
		t.Fatalf("error = %+v, want missing_status", st.Error)
	}
	if len(st.History) != 1 {
		t.Fatalf("expected the synthesized error to still be committed to history, got %d entries", len(st.History))
	}
	if st.History[0].Decision != "error" {
		t.Fatalf("history[0].decision = %q, want error", st.History[0].Decision)
	}
}

func TestRunStageInvalidStatusMarksFailed(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "invalid-status")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 3}

	outcome, err := RunStage(context.Background(), Params{
		Session:        "sess",
		Pipeline:       "sess",
		ScopeRoot:      runDir,
		PipelineRoot:   runDir,
		RunDir:         runDir,
		StageID:        "implement",
		StageTemplate:  "implement",
		StartIteration: 1,
		MaxIterations:  3,
		PromptBody:     "go",
		Provider:       agent.Provider{Executable: "does-not-matter"},
		Model:          "opus",
		Store:          store,
		Strategy:       strategy,
		StartedAt:      time.Now(),
		Output:         &out,
	})
	if err == nil {
		t.Fatal("expected error when the agent writes malformed status.json")
	}
	if outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", outcome)
	}

	st, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Error == nil || st.Error.Type != "invalid_status" {
		t.Fatalf("error = %+v, want invalid_status", st.Error)
	}
	if st.ResumeFrom == nil || *st.ResumeFrom != 1 {
		t.Fatalf("resume_from = %v, want 1 (iteration_completed=0)", st.ResumeFrom)
	}
}

func TestRunStageExitCodeFailureMarksFailed(t *testing.T) {
	t.Setenv("AGENTPIPE_MOCK_MODE", "error")

	runDir := t.TempDir()
	store := newTestStore(t, "sess")
	var out bytes.Buffer

	strategy := &termination.FixedStrategy{MaxIterations: 3}

	outcome, err := RunStage(context.Background(), Params{
		Session:        "sess",
		Pipeline:       "sess",
		ScopeRoot:      runDir,
		PipelineRoot:   runDir,
		RunDir:         runDir,
		StageID:        "implement",
		StageTemplate:  "implement",
		StartIteration: 1,
		MaxIterations:  3,
		PromptBody:     "go",
		Provider:       agent.Provider{Executable: "does-not-matter"},
		Model:          "opus",
		Store:          store,
		Strategy:       strategy,
		StartedAt:      time.Now(),
		Output:         &out,
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit code")
	}
	if outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", outcome)
	}

	st, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Status != statestore.StatusFailed {
		t.Fatalf("status = %v, want failed", st.Status)
	}
	if st.Error == nil || st.Error.Type != "exit_code" {
		t.Fatalf("error = %+v, want exit_code", st.Error)
	}
	if st.ResumeFrom == nil || *st.ResumeFrom != 1 {
		t.Fatalf("resume_from = %v, want 1 (iteration_completed=0)", st.ResumeFrom)
	}
}

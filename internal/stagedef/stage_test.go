package stagedef

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStage(t *testing.T, root, name, yamlBody, promptName, promptBody string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stage.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}
	if promptName == "" {
		if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(promptBody), 0o644); err != nil {
			t.Fatal(err)
		}
		return
	}
	promptsDir := filepath.Join(dir, "prompts")
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(promptsDir, promptName+".md"), []byte(promptBody), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadStageWithDefaultPrompt(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "implement", `
name: implement
description: Implements the next queue item
termination:
  type: queue
delay: 5
guardrails:
  max_runtime_seconds: 600
`, "", "Do the next thing.\n")

	def, err := Load(root, "implement")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Name != "implement" || def.Termination.Type != "queue" {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.PromptBody != "Do the next thing.\n" {
		t.Fatalf("prompt body = %q", def.PromptBody)
	}
	if def.Guardrails.MaxRuntimeSeconds != 600 {
		t.Fatalf("guardrails = %+v", def.Guardrails)
	}
}

func TestLoadStageWithNamedPromptFile(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "review", `
name: review
termination:
  type: judgment
  min_iterations: 2
  consensus: 3
prompt: critique
`, "critique", "Critique the output.\n")

	def, err := Load(root, "review")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.PromptBody != "Critique the output.\n" {
		t.Fatalf("prompt body = %q", def.PromptBody)
	}
	if def.Termination.Consensus != 3 {
		t.Fatalf("consensus = %d", def.Termination.Consensus)
	}
}

func TestLoadStageMissingPromptIsError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stage.yaml"), []byte("name: broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(root, "broken"); err == nil {
		t.Fatal("expected error when prompt.md is missing")
	}
}

func TestStrategyIDMapping(t *testing.T) {
	cases := map[string]string{
		"queue":    "beads-empty",
		"judgment": "plateau",
		"fixed":    "fixed-n",
		"unknown":  "unknown",
	}
	for in, want := range cases {
		if got := StrategyID(in); got != want {
			t.Fatalf("StrategyID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveProviderAndModelPrecedence(t *testing.T) {
	defaults := map[string]ProviderDefault{
		"claude": {Name: "claude", Executable: "claude", DefaultModel: "sonnet"},
		"cursor": {Name: "cursor", Executable: "cursor-agent", DefaultModel: "auto"},
	}

	provider, model, err := ResolveProviderAndModel(ResolveParams{
		StageProvider:    "claude",
		StageModel:       "haiku",
		ProviderDefaults: defaults,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider != "claude" || model != "haiku" {
		t.Fatalf("got %s/%s, want claude/haiku", provider, model)
	}

	provider, model, err = ResolveProviderAndModel(ResolveParams{
		CLIProvider:      "cursor",
		StageProvider:    "claude",
		StageModel:       "haiku",
		ProviderDefaults: defaults,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider != "cursor" || model != "auto" {
		t.Fatalf("got %s/%s, want cursor/auto (CLI provider override, provider's own default model)", provider, model)
	}

	_, _, err = ResolveProviderAndModel(ResolveParams{ProviderDefaults: defaults})
	if err == nil {
		t.Fatal("expected error when no provider is configured at any layer")
	}
}

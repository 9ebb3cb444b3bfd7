package status

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadValidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	content := `{"decision":"continue","reason":"more work","summary":"did stuff",
		"work":{"items_completed":["a"],"files_touched":["b.go"]},"errors":[],
		"timestamp":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	doc, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Decision != DecisionContinue {
		t.Fatalf("decision = %q, want continue", doc.Decision)
	}
	if len(doc.ItemsCompleted()) != 1 || doc.ItemsCompleted()[0] != "a" {
		t.Fatalf("items completed = %v", doc.ItemsCompleted())
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestReadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestReadInvalidDecision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	if err := os.WriteFile(path, []byte(`{"decision":"maybe"}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected error for invalid decision")
	}
}

func TestSynthesizeProducesErrorDecision(t *testing.T) {
	doc := Synthesize("agent did not write status.json")
	if doc.Decision != DecisionError {
		t.Fatalf("decision = %q, want error", doc.Decision)
	}
	if len(doc.ErrorMessages()) != 1 {
		t.Fatalf("errors = %v", doc.ErrorMessages())
	}
}

func TestNilDocumentAccessorsDegradeGracefully(t *testing.T) {
	var doc *Document
	if got := doc.ItemsCompleted(); len(got) != 0 {
		t.Fatalf("ItemsCompleted on nil = %v, want empty", got)
	}
	if got := doc.FilesTouched(); len(got) != 0 {
		t.Fatalf("FilesTouched on nil = %v, want empty", got)
	}
	if got := doc.ErrorMessages(); len(got) != 0 {
		t.Fatalf("ErrorMessages on nil = %v, want empty", got)
	}
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	doc := Synthesize("exit code 137")
	if err := Write(path, doc); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Decision != DecisionError || got.Reason != doc.Reason {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

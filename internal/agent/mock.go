package agent

import (
	"os"

	"github.com/agentpipe/agentpipe/internal/status"
)

// mockModeEnvVar switches every Runner to fixture-driven execution instead
// of invoking a real provider binary, for deterministic testing of the
// pipeline/driver layers without a live agent CLI.
const mockModeEnvVar = "AGENTPIPE_MOCK_MODE"

// MockModeEnabled reports whether the engine is running in mock mode.
func MockModeEnabled() bool {
	return os.Getenv(mockModeEnvVar) != ""
}

// mockExecute returns a fixture response derived from the mock mode value,
// and — standing in for a well-behaved agent — writes a matching
// status.json to cfg.StatusFile when one is requested and the mode isn't
// "error" (a non-zero exit never gets a status file; that is what
// "missing_status" recovery exists for). Modes:
//
//	""/"1"/anything else -> exit 0, decision "continue"
//	"stop"                -> exit 0, decision "stop"
//	"missing-status"      -> exit 0, no status file written
//	"invalid-status"      -> exit 0, status file written with malformed JSON
//	"error"               -> exit 1, no status file written
func mockExecute(cfg Config) (Result, error) {
	mode := os.Getenv(mockModeEnvVar)

	result := func(output string, exitCode int) (Result, error) {
		if cfg.OutputFile != "" {
			_ = os.WriteFile(cfg.OutputFile, []byte(output), 0o644)
		}
		return Result{Output: output, ExitCode: exitCode}, nil
	}

	switch mode {
	case "error":
		return result("mock: simulated failure\n", 1)
	case "missing-status":
		return result("mock: ok, no status\n", 0)
	case "invalid-status":
		if cfg.StatusFile != "" {
			_ = os.WriteFile(cfg.StatusFile, []byte("{not valid json"), 0o644)
		}
		return result("mock: ok, bad status\n", 0)
	}

	decision := status.DecisionContinue
	if mode == "stop" {
		decision = status.DecisionStop
	}

	if cfg.StatusFile != "" {
		doc := &status.Document{
			Decision: decision,
			Reason:   "mock iteration",
			Summary:  "mock: ok\n",
		}
		_ = status.Write(cfg.StatusFile, doc)
	}

	return result("mock: ok\n", 0)
}

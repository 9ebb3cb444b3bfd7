// Package clock centralizes the engine's notion of time and identifiers so
// every component stamps and names things the same way.
package clock

import (
	"fmt"
	"time"
)

// Now returns the current UTC time. All timestamps persisted by the engine
// go through this function so tests can reason about a single time source.
func Now() time.Time {
	return time.Now().UTC()
}

// Format renders a timestamp as the ISO-8601 form used throughout state.json,
// status.json, and context.json.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatNow is a convenience for Format(Now()).
func FormatNow() string {
	return Format(Now())
}

// Pad zero-pads an index to width digits, e.g. Pad(3, 2) -> "03". Used for
// stage-<NN>-<name>, parallel-<NN>-<name>, and iterations/<NNN> directory
// names so lexical sort matches chronological order.
func Pad(n, width int) string {
	return fmt.Sprintf("%0*d", width, n)
}

// PadStage zero-pads a stage index to two digits (stage-<NN>-<name>).
func PadStage(n int) string {
	return Pad(n, 2)
}

// PadIteration zero-pads an iteration index to three digits (iterations/<NNN>).
func PadIteration(n int) string {
	return Pad(n, 3)
}

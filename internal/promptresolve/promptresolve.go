// Package promptresolve implements the Prompt Resolver: substituting
// ${TOKEN} placeholders in a stage's prompt template against a built
// context document. Modeled on internal/prompt/include.go's
// {{include: path}} regex-and-replace approach and
// internal/prompt/output.go's {{output: task}} inlining, generalized from
// a single compose-pipeline output directory into the per-stage,
// per-select ${INPUTS.<stage>} lookup a multi-stage pipeline needs.
package promptresolve

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	ctxdoc "github.com/agentpipe/agentpipe/internal/context"
	"github.com/agentpipe/agentpipe/internal/inputs"
)

var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z_]+)(\.[A-Za-z0-9_-]+)?\}`)

// Params is everything the resolver needs beyond the template string itself.
type Params struct {
	ContextPath string
	Context     *ctxdoc.Document

	// Perspective is the per-run perspective string for pipeline runs with
	// multiple perspectives; empty outside that mode.
	Perspective string

	// PreviousStage names the immediately preceding stage, used for the
	// ${INPUTS} shorthand when no explicit stage is named.
	PreviousStage string

	// ScopeRoot/PipelineRoot mirror ctxdoc.BuildParams: ${INPUTS.<stage>}
	// looks in ScopeRoot first, falling back to PipelineRoot.
	ScopeRoot    string
	PipelineRoot string
}

// Resolve substitutes every recognized ${TOKEN} in template. Substitution is
// a single pass: the resolver does not recursively re-scan its own output,
// so a stage's inlined inputs cannot themselves introduce further tokens.
func Resolve(template string, p Params) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		name := m[1]
		arg := strings.TrimPrefix(m[2], ".")

		switch name {
		case "CTX":
			return p.ContextPath
		case "STATUS":
			return p.Context.Paths.Status
		case "PROGRESS":
			return p.Context.Paths.Progress
		case "OUTPUT":
			return p.Context.Paths.Output
		case "SESSION", "SESSION_NAME":
			return p.Context.Session
		case "ITERATION":
			return strconv.Itoa(p.Context.Iteration)
		case "INDEX":
			return strconv.Itoa(p.Context.Iteration - 1)
		case "PERSPECTIVE":
			return p.Perspective
		case "INPUTS":
			stage := arg
			if stage == "" {
				stage = p.PreviousStage
			}
			if stage == "" {
				return ""
			}
			return inlineStageOutputs(p.ScopeRoot, p.PipelineRoot, stage)
		default:
			return tok
		}
	})
}

// inlineStageOutputs gathers every .md file directly under a named stage's
// directory, excluding progress.md, sorted lexically, and inlines them: a
// single file is inlined verbatim; multiple files are each prefixed with a
// "=== <filename> ===" header beneath a single banner. A stage that
// cannot be found yields an empty string, never an error.
func inlineStageOutputs(scopeRoot, pipelineRoot, stage string) string {
	dir, err := inputs.FindStageDir(scopeRoot, stage)
	if err != nil || dir == "" {
		if pipelineRoot != "" && pipelineRoot != scopeRoot {
			dir, _ = inputs.FindStageDir(pipelineRoot, stage)
		}
	}
	if dir == "" {
		return ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "progress.md" || !strings.HasSuffix(name, ".md") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return ""
	}

	if len(files) == 1 {
		data, err := os.ReadFile(filepath.Join(dir, files[0]))
		if err != nil {
			return ""
		}
		return string(data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- Outputs from stage: %s ---\n", stage)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", name, string(data))
	}
	return b.String()
}

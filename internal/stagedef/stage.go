// Package stagedef implements the Stage Loader: reading a stage type's
// stage.yaml and prompt body, and the Pipeline Definition's stages list.
// Modeled on internal/compose/compose.go's YAML schema and Validate
// pattern, generalized from a flat map-of-tasks shape into an ordered,
// stage-directory-plus-prompt-body layout that also supports parallel
// provider blocks.
package stagedef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TerminationConfig is the `termination:` block of a stage or pipeline
// stage override.
type TerminationConfig struct {
	Type          string `yaml:"type"`
	MinIterations int    `yaml:"min_iterations"`
	Consensus     int    `yaml:"consensus"`
}

// StrategyID maps a termination type to its strategy identifier, matching
// the legacy shell-script names the engine's strategies were rewritten
// from.
func StrategyID(terminationType string) string {
	switch terminationType {
	case "queue":
		return "beads-empty"
	case "judgment":
		return "plateau"
	case "fixed":
		return "fixed-n"
	default:
		return terminationType
	}
}

// Guardrails is the stage's `guardrails:` block.
type Guardrails struct {
	MaxRuntimeSeconds int `yaml:"max_runtime_seconds"`

	// KillGracePeriodSeconds is how long a timed-out or cancelled provider
	// invocation gets to exit after SIGTERM before the Agent Runner
	// escalates to SIGKILL. 0 means escalate immediately, matching a
	// provider with no cleanup to do on shutdown.
	KillGracePeriodSeconds int `yaml:"kill_grace_period_seconds"`
}

// Definition is the parsed stage.yaml for one stage type, together with its
// loaded prompt body.
type Definition struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Termination TerminationConfig  `yaml:"termination"`
	Delay       int                `yaml:"delay"`
	Model       string             `yaml:"model"`
	Provider    string             `yaml:"provider"`
	Prompt      string             `yaml:"prompt"`
	CheckBefore bool               `yaml:"check_before"`
	OutputPath  string             `yaml:"output_path"`
	Commands    map[string]string  `yaml:"commands"`
	Guardrails  Guardrails         `yaml:"guardrails"`

	// PromptBody is loaded from the referenced prompt file, not from YAML.
	PromptBody string `yaml:"-"`
}

// Load reads <stagesRoot>/<name>/stage.yaml and its prompt body.
func Load(stagesRoot, name string) (*Definition, error) {
	dir := filepath.Join(stagesRoot, name)
	yamlPath := filepath.Join(dir, "stage.yaml")

	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("stagedef: read %s: %w", yamlPath, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("stagedef: parse %s: %w", yamlPath, err)
	}

	body, err := loadPromptBody(dir, def.Prompt)
	if err != nil {
		return nil, err
	}
	def.PromptBody = body

	return &def, nil
}

// loadPromptBody resolves <dir>/prompts/<promptName>.md, falling back to
// <dir>/prompt.md when promptName is empty.
func loadPromptBody(dir, promptName string) (string, error) {
	var path string
	if promptName != "" {
		name := promptName
		if !strings.HasSuffix(name, ".md") {
			name += ".md"
		}
		path = filepath.Join(dir, "prompts", name)
	} else {
		path = filepath.Join(dir, "prompt.md")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("stagedef: read prompt body %s: %w", path, err)
	}
	return string(data), nil
}

// ProviderDefault is one configured provider's invocation template and
// default model.
type ProviderDefault struct {
	Name         string
	Executable   string
	Args         []string
	DefaultModel string
}

// ResolveParams carries every layer of the provider/model precedence chain:
// CLI override > env override > stage config > provider default. The model
// default is derived from the resolved provider, never from a
// pipeline-level default — this keeps parallel blocks, where each provider
// may need a different model, from silently sharing one.
type ResolveParams struct {
	CLIProvider string
	CLIModel    string
	EnvProvider string
	EnvModel    string
	StageProvider string
	StageModel    string

	ProviderDefaults map[string]ProviderDefault
}

// ResolveProviderAndModel applies the precedence chain and returns the
// resolved provider name and model.
func ResolveProviderAndModel(p ResolveParams) (provider, model string, err error) {
	provider = firstNonEmpty(p.CLIProvider, p.EnvProvider, p.StageProvider)
	if provider == "" {
		return "", "", fmt.Errorf("stagedef: no provider configured")
	}

	pd, ok := p.ProviderDefaults[provider]
	if !ok {
		return "", "", fmt.Errorf("stagedef: unknown provider %q", provider)
	}

	model = firstNonEmpty(p.CLIModel, p.EnvModel, p.StageModel, pd.DefaultModel)
	return provider, model, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package config implements the global/project provider-defaults layer:
// an open registry of agent provider presets (executable, argument
// template, default model) loaded from TOML, merged global-then-project.
// Generalized from two hardcoded backend presets (cursor/claude-code)
// into the open registry the Stage Loader's provider/model precedence
// chain resolves against.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/agentpipe/agentpipe/internal/stagedef"
)

// Provider is one entry of the provider registry.
type Provider struct {
	Executable   string   `toml:"executable"`
	Args         []string `toml:"args"`
	DefaultModel string   `toml:"default_model"`
}

// ExpandArgs substitutes the literal token "${MODEL}" (whole-argument or
// embedded) in the provider's argument template.
func (p Provider) ExpandArgs(model string) []string {
	out := make([]string, len(p.Args))
	for i, a := range p.Args {
		out[i] = strings.ReplaceAll(a, "${MODEL}", model)
	}
	return out
}

// Config is the merged provider-defaults document.
type Config struct {
	DefaultProvider string              `toml:"default_provider"`
	Providers       map[string]Provider `toml:"providers"`
}

// builtinProviders seeds the registry so a fresh install works without any
// TOML file on disk, covering the same cursor/claude-code presets a
// two-backend config would hardcode, plus codex.
func builtinProviders() map[string]Provider {
	return map[string]Provider{
		"claude": {
			Executable:   "claude",
			Args:         []string{"-p", "--model", "${MODEL}", "--dangerously-skip-permissions"},
			DefaultModel: "opus",
		},
		"cursor": {
			Executable: "agent",
			Args: []string{
				"--model", "${MODEL}",
				"--output-format", "stream-json",
				"--stream-partial-output",
				"--sandbox", "disabled",
				"--print",
				"--force",
			},
			DefaultModel: "opus-4.5-thinking",
		},
		"codex": {
			Executable:   "codex",
			Args:         []string{"exec", "--model", "${MODEL}", "--full-auto"},
			DefaultModel: "o4-mini",
		},
	}
}

// Default returns the built-in registry.
func Default() *Config {
	return &Config{
		DefaultProvider: "claude",
		Providers:       builtinProviders(),
	}
}

// GlobalConfigPath returns ~/.agentpipe/providers.toml.
func GlobalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentpipe", "providers.toml"), nil
}

// ProjectConfigPath returns ./.agentpipe.toml.
func ProjectConfigPath() string {
	return ".agentpipe.toml"
}

// Load merges the built-in registry, the global config file, and the
// project config file, in ascending priority.
func Load() (*Config, error) {
	cfg := Default()

	if globalPath, err := GlobalConfigPath(); err == nil {
		if _, statErr := os.Stat(globalPath); statErr == nil {
			if err := mergeFile(globalPath, cfg); err != nil {
				return nil, err
			}
		}
	}

	projectPath := ProjectConfigPath()
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFile(projectPath, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func mergeFile(path string, cfg *Config) error {
	var file Config
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}

	if file.DefaultProvider != "" {
		cfg.DefaultProvider = file.DefaultProvider
	}
	for name, p := range file.Providers {
		cfg.Providers[name] = p
	}
	return nil
}

// ProviderNames returns the registry's provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StagedefDefaults converts the registry into the map stagedef.ResolveParams
// expects.
func (c *Config) StagedefDefaults() map[string]stagedef.ProviderDefault {
	out := make(map[string]stagedef.ProviderDefault, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = stagedef.ProviderDefault{
			Name:         name,
			Executable:   p.Executable,
			Args:         p.Args,
			DefaultModel: p.DefaultModel,
		}
	}
	return out
}

// ToTOML renders the config for `agentpipe config show`/bootstrapping a new
// global file.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	sb.WriteString("# agentpipe provider defaults\n\n")
	sb.WriteString("default_provider = \"")
	sb.WriteString(c.DefaultProvider)
	sb.WriteString("\"\n\n")

	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		sb.WriteString("[providers.")
		sb.WriteString(name)
		sb.WriteString("]\n")
		sb.WriteString("executable = \"")
		sb.WriteString(p.Executable)
		sb.WriteString("\"\n")
		sb.WriteString("default_model = \"")
		sb.WriteString(p.DefaultModel)
		sb.WriteString("\"\n")
		sb.WriteString("args = [")
		for i, a := range p.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("\"")
			sb.WriteString(a)
			sb.WriteString("\"")
		}
		sb.WriteString("]\n\n")
	}
	return sb.String()
}

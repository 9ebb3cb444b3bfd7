package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentpipe/agentpipe/internal/config"
)

var configGlobal bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agentpipe provider configuration",
	Long:  `View and manage the agent provider registry (executable, arguments, default model).`,
	Example: `  # Show the merged configuration
  agentpipe config show

  # Show config file locations
  agentpipe config path

  # Change the default provider
  agentpipe config set default_provider codex

  # Change a provider's default model
  agentpipe config set providers.claude.default_model sonnet`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the merged configuration",
	Long:  `Display the effective configuration after merging built-in defaults, global, and project config files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("# Effective configuration (merged from all sources)")
		fmt.Println()
		fmt.Print(cfg.ToTOML())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		globalPath, err := config.GlobalConfigPath()
		if err != nil {
			globalPath = fmt.Sprintf("<error: %v>", err)
		}
		projectPath := config.ProjectConfigPath()

		globalExists := "not found"
		if _, err := os.Stat(globalPath); err == nil {
			globalExists = "exists"
		}
		projectExists := "not found"
		if _, err := os.Stat(projectPath); err == nil {
			projectExists = "exists"
		}

		fmt.Println("Configuration file locations:")
		fmt.Println()
		fmt.Printf("  Global:  %s (%s)\n", globalPath, globalExists)
		fmt.Printf("  Project: %s (%s)\n", projectPath, projectExists)
		fmt.Println()
		fmt.Println("Priority: CLI flags > project config > global config > built-in defaults")
		return nil
	},
}

// configSetCmd writes one key to the global or project config file. Keys
// follow the TOML document shape: "default_provider", or
// "providers.<name>.executable" / ".default_model".
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Update one configuration key",
	Long: `Update one key in the provider config file and write it back to disk.

Keys:
  default_provider                   the provider used when a stage omits one
  providers.<name>.executable        the provider's CLI executable
  providers.<name>.default_model      the provider's default model

By default updates the project config (.agentpipe.toml). Use --global to
update ~/.agentpipe/providers.toml instead.`,
	Example: `  agentpipe config set default_provider codex
  agentpipe config set providers.claude.default_model sonnet
  agentpipe config set providers.cursor.executable agent --global`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		var configPath string
		var err error
		if configGlobal {
			configPath, err = config.GlobalConfigPath()
			if err != nil {
				return fmt.Errorf("failed to determine global config path: %w", err)
			}
		} else {
			configPath = config.ProjectConfigPath()
		}

		cfg := config.Default()
		if _, err := os.Stat(configPath); err == nil {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load existing config: %w", err)
			}
			cfg = loaded
		}

		if err := applyConfigSet(cfg, key, value); err != nil {
			return err
		}

		dir := filepath.Dir(configPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(configPath, []byte(cfg.ToTOML()), 0o644); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Printf("Set %s = %q\n", key, value)
		fmt.Printf("Updated config: %s\n", configPath)
		return nil
	},
}

func applyConfigSet(cfg *config.Config, key, value string) error {
	if key == "default_provider" {
		cfg.DefaultProvider = value
		return nil
	}

	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "providers" {
		return fmt.Errorf("unrecognized config key %q: expected default_provider or providers.<name>.<field>", key)
	}
	name, field := parts[1], parts[2]

	p, ok := cfg.Providers[name]
	if !ok {
		p = config.Provider{}
	}
	switch field {
	case "executable":
		p.Executable = value
	case "default_model":
		p.DefaultModel = value
	default:
		return fmt.Errorf("unrecognized provider field %q: expected executable or default_model", field)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]config.Provider{}
	}
	cfg.Providers[name] = p
	return nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configSetCmd)

	configSetCmd.Flags().BoolVarP(&configGlobal, "global", "g", false, "Update global config instead of project config")
}

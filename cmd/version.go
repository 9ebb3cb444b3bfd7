package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/agentpipe/agentpipe/internal/version"
	"github.com/spf13/cobra"
)

var (
	versionShort  bool
	versionFormat string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version number, commit hash, build date, and runtime information for agentpipe.`,
	Example: `  # Show full version information
  agentpipe version

  # Show only version number
  agentpipe version --short

  # Output as JSON
  agentpipe version --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetInfo()

		if versionShort {
			fmt.Println(info.Version)
			return nil
		}

		if versionFormat == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal version info: %w", err)
			}
			fmt.Println(string(output))
			return nil
		}

		fmt.Println(info.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionShort, "short", "s", false, "Print only the version number")
	versionCmd.Flags().StringVar(&versionFormat, "format", "", "Output format: json or text (default)")
}

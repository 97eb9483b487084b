// Package app provides the entry point for the registry API application.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scmreg/scm-registry-server/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "scm-registry-api",
	DisableAutoGenTag: true,
	Short:             "Package registry API server backed by git repositories",
	Long: `Package registry API server whose backing store is a set of remote
git repositories. Releases, manifests and source archives are derived on
demand from each repository's tag history; only archives are cached.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates a new root command for the registry API.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error marshalling version info", "error", err)
				return
			}
			fmt.Println(string(output))
			return
		}

		fmt.Printf("Version: %s\nCommit: %s\nBuild date: %s\nGo version: %s\nPlatform: %s\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
	},
}

func init() {
	versionCmd.Flags().String("format", "text", "Output format (text or json)")
}

// Chaind is an MCP server that executes prompt commands and multi-step
// prompt chains with gate reviews and durable session state.
//
// Usage:
//
//	# Start the server on stdio with defaults
//	chaind serve
//
//	# Use a specific config file
//	chaind serve --config ~/.config/chaind/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaind",
	Short: "Prompt-chain engine over MCP",
	Long: `chaind executes prompt commands ('>>analyze my code') and multi-step
chains ('>>analyze --> >>summarize') over the Model Context Protocol, with
quality-gate reviews and crash-safe session state between steps.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show detailed version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chaind\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/chaind/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

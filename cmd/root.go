package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd represents the base command for the hub application.
var rootCmd = &cobra.Command{
	Use:   "hubd",
	Short: "Aggregate multiple MCP servers behind one virtual MCP endpoint",
	Long: `hubd connects to a set of backend MCP servers over stdio, SSE, or
streamable HTTP, aggregates their tools, resources and prompts into one
namespaced union, and exposes that union as a single virtual MCP endpoint.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "hubd version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

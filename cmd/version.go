package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the Cobra command for displaying the application
// version. Grounded on the teacher's cmd/version.go, with the MCP-handshake
// server-version check dropped: that check walked internal/agent's client
// against a running muster aggregator over its own CLI-facing transport,
// which this hub carries no equivalent of.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hub version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hubd version %s\n", rootCmd.Version)
		},
	}
}

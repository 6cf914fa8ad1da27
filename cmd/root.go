// Package cmd implements the teleclaude CLI: the daemon entry point plus
// the local CLI-agent-facing commands that drive it over the tool socket.
// A cobra root command anchors several init()-registered subcommands
// (daemon, sessions, computers, config).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "teleclaude",
	Short: "Bridge terminal sessions to Telegram and other agents",
	Long: `teleclaude runs a daemon that bridges persistent terminal sessions to
Telegram and to other teleclaude nodes, and exposes a CLI for browsing and
driving those sessions from the command line.

Examples:
  teleclaude daemon
  teleclaude sessions
  teleclaude computers
  teleclaude config show
  teleclaude config edit`,
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

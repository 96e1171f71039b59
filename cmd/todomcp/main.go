// todomcp: peer-to-peer replicated todo lists.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/todomcp/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "todomcp",
		Short: "Peer-to-peer replicated todo lists",
		Long: `todomcp replicates a set of todo lists across every machine running it
on the local network (and, over the authenticated overlay, beyond it),
using an automerge CRDT so concurrent edits from disconnected replicas
always converge without conflicts.

Run "todomcp serve" to join the mesh. "todomcp status" probes a running
instance; "todomcp ingest" applies one hook event from stdin to the
on-disk snapshot.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newIngestCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("todomcp %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}

func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// Command chatctl is a terminal client for the realtime hub.
//
// Join a room and chat:
//
//	chatctl chat --url ws://localhost:8080/ws --user alice --room general
//
// Mint a token for a server that has JWT_SECRET set:
//
//	chatctl token --secret s3cret alice
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "Terminal client for the realtime hub",
		Version:      version,
		SilenceUsage: true,
	}
	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log client internals to stderr")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	root.AddCommand(buildChatCmd(), buildTokenCmd())
	return root
}

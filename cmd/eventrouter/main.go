package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// Application info
	appName    = "eventrouter"
	appVersion = "0.2.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Clustered topic event router",
		Long: `eventrouter runs one node of a clustered publish/subscribe router.
Every topic is owned by one live node, chosen by consistent hashing over the
cluster membership; the owner orders events and fans them out to subscribers
on every node.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}

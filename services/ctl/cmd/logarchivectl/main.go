package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "logarchivectl",
		Short:         "Operator utility for the logarchive fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newLogsetsCommand())
	cmd.AddCommand(newBundleCommand())
	cmd.AddCommand(newHostsCommand())
	return cmd
}

func helpOnly(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

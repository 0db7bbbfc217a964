package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

var verbose bool

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "waltctl",
		Short:         "Operator tools for the Walt biography server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log warnings while working")
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newOutlineCommand())
	rootCmd.AddCommand(newPromptsCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// cliLogger writes to stderr only in verbose mode.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

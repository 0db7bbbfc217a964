package main

import (
	"fmt"

	"github.com/ashureev/walt/internal/domain"
	"github.com/spf13/cobra"
)

func newOutlineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outline",
		Short: "Print the default biography outline",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, e := range domain.DefaultOutline() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s [%s]\n", e.Chapter, e.Title, e.Status)
			}
		},
	}
}

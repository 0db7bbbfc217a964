package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ashureev/walt/internal/prompt"
	"github.com/spf13/cobra"
)

var errPromptsIncomplete = errors.New("prompt set is incomplete")

func newPromptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Work with prompt sets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [dir]",
		Short: "Validate a prompt directory, or the embedded defaults without one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPromptsCheck,
	})
	return cmd
}

func runPromptsCheck(cmd *cobra.Command, args []string) error {
	var fsys fs.FS = prompt.Defaults()
	source := "embedded defaults"
	if len(args) == 1 {
		fsys = os.DirFS(args[0])
		source = args[0]
	}

	lib, err := prompt.Load(fsys)
	if err != nil {
		return fmt.Errorf("load prompts from %s: %w", source, err)
	}

	out := cmd.OutOrStdout()
	for _, name := range lib.Names() {
		p, _ := lib.Get(name)
		fmt.Fprintf(out, "  %-10s ok  max_tokens=%d temperature=%.2f\n", name, p.MaxTokens, p.Temperature)
	}

	problems := lib.Check()
	if len(problems) == 0 {
		fmt.Fprintf(out, "%s: ok\n", source)
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(out, "problem: %v\n", p)
	}
	return fmt.Errorf("%s: %w (%d problem(s))", source, errPromptsIncomplete, len(problems))
}

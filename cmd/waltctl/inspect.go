package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ashureev/walt/internal/checkpoint"
	"github.com/ashureev/walt/internal/domain"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint-file>",
		Short: "Decode a checkpoint file and print its narrative and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read checkpoint: %w", err)
			}
			decoded := checkpoint.NewCodec(nil, cliLogger(cmd)).Decode(string(data))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"narrative": decoded.Narrative,
					"messages":  nonNil(decoded.Messages),
					"skipped":   decoded.Skipped,
				})
			}
			printDecoded(cmd, decoded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printDecoded(cmd *cobra.Command, d checkpoint.Decoded) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Narrative:")
	fmt.Fprintln(out, "==========")
	if d.Narrative == "" {
		fmt.Fprintln(out, "(empty)")
	} else {
		fmt.Fprintln(out, d.Narrative)
	}

	fmt.Fprintf(out, "\nMessages (%d):\n", len(d.Messages))
	fmt.Fprintln(out, "=============")
	for i, m := range d.Messages {
		fmt.Fprintf(out, "%3d. %-9s %s\n", i+1, m.Role+":", m.Content)
	}
	if d.Skipped > 0 {
		fmt.Fprintf(out, "\n%d unreadable line(s) skipped\n", d.Skipped)
	}
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}

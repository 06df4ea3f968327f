package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List the selectable engine ratings",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tLABEL\tELO")
			for _, t := range chess.Tiers() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", t.Key, t.Label, t.Elo)
			}
			_ = w.Flush()
		},
	}
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/neuralconstruct/construct/orchestration"
	"github.com/spf13/cobra"
)

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the built-in reasoning modes and personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "MODE\tSHAPE\tCALLS\tDESCRIPTION")
			for _, m := range orchestration.Modes() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Kind, m.Steps, m.Description)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "PERSONA\tNAME\tROLE\t")
			for _, p := range orchestration.Personas() {
				fmt.Fprintf(w, "%s\t%s\t%s\t\n", p.ID, p.Name, p.Role)
			}
			return w.Flush()
		},
	}
}

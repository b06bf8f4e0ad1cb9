package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPluginsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tDESCRIPTION")
			for _, p := range reg.Plugins() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Kind(), p.Name(), p.Description())
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"osclog/internal/signal"
)

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List the default signal catalog",
		Long: `List the signals recorded when no explicit list is configured. Each name
is recorded as /<port>/<name> on every listening port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCatalog(cmd.OutOrStdout())
		},
	}
}

func printCatalog(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tSIGNAL\tDESCRIPTION")
	for _, c := range signal.Catalog() {
		for _, s := range c.Signals {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, s, signal.Describe(s))
		}
	}
	return tw.Flush()
}

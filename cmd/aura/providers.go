package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the provider registry",
	}

	cmd.AddCommand(newProvidersListCmd(configPath))
	return cmd
}

func newProvidersListCmd(configPath *string) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered provider models",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, formatProviders(a.Registry.List()))
			if !probe {
				return nil
			}

			a.Clients.ProbeAll(ctx)
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCLIENT\tHEALTHY")
			for _, id := range a.Registry.Providers() {
				_, ok := a.Clients.Get(id)
				client := "none"
				if ok {
					client = "registered"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", id, client, ok && a.Clients.Healthy(id))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "run capability probes and report health")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Report and reset session budgets",
	}

	cmd.AddCommand(newBudgetReportCmd(configPath), newBudgetClearCmd(configPath))
	return cmd
}

func newBudgetReportCmd(configPath *string) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show live budget usage and persisted totals per session",
		Long: `Show live budget usage and persisted totals per session.

Live usage comes from the budget store and only survives the process with
budget.backend: redis. Persisted totals are summed from the audit sink.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var usage []models.SessionUsage
			if session != "" {
				u, err := a.Budget.Usage(ctx, session)
				if err != nil {
					return err
				}
				usage = append(usage, u)
			} else if usage, err = a.Budget.Sessions(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, formatBudgetUsage(usage))

			sink := a.Audit.Sink()
			if sink == nil {
				return nil
			}
			ids := make([]string, 0, len(usage))
			for _, u := range usage {
				ids = append(ids, u.SessionID)
			}
			if session != "" && len(ids) == 0 {
				ids = append(ids, session)
			}
			totals := make([]models.SessionTotals, 0, len(ids))
			for _, id := range ids {
				t, err := sink.SessionTotals(ctx, id)
				if err != nil {
					return err
				}
				if t.Operations > 0 {
					totals = append(totals, t)
				}
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, formatSessionTotals(totals))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "report a single session")
	return cmd
}

func newBudgetClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Reset the live budget usage of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.Budget.ClearSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared budget usage of session %s.\n", args[0])
			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/app"
	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the persisted resolution audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditShowCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		session  string
		job      string
		provider string
		outcome  string
		since    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.AuditQueryOpts{
				SessionID:  session,
				JobID:      job,
				ProviderID: provider,
				Outcome:    models.Outcome(outcome),
				Limit:      limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			ctx := cmd.Context()
			sink, cleanup, err := openAuditSink(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := sink.Query(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "filter by session ID")
	cmd.Flags().StringVar(&job, "job", "", "filter by job ID")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (completed, blocked, failed, cancelled, resolved)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show a single audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sink, cleanup, err := openAuditSink(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := sink.Query(ctx, models.AuditQueryOpts{OperationID: args[0], Limit: 1})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entry found for that operation ID.")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditEntry(entries[0]))
			return nil
		},
	}
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit counts by provider, day and outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sink, cleanup, err := openAuditSink(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := sink.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			sink, err := sinkOf(a)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("days") {
				days = a.Config().Audit.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention must be positive, got %d days", days)
			}
			deleted, err := sink.Cleanup(ctx, time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: audit.retention_days)")
	return cmd
}

func openAuditSink(cmd *cobra.Command, configPath string) (audit.Sink, func(), error) {
	a, cleanup, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return nil, nil, err
	}
	sink, err := sinkOf(a)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sink, cleanup, nil
}

func sinkOf(a *app.App) (audit.Sink, error) {
	sink := a.Audit.Sink()
	if sink == nil {
		return nil, fmt.Errorf("audit.sink is %q; configure sqlite or postgres to persist audit entries", a.Config().Audit.Sink)
	}
	return sink, nil
}

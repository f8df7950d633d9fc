package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/app"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	cmd.AddCommand(newCacheStatsCmd(configPath), newCacheClearCmd(configPath))
	return cmd
}

func newCacheStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := requireCache(a); err != nil {
				return err
			}

			stats, err := a.Cache.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatCacheStats(stats))
			return nil
		},
	}
}

func newCacheClearCmd(configPath *string) *cobra.Command {
	var expiredOnly bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := requireCache(a); err != nil {
				return err
			}

			n, err := a.Cache.Clear(ctx, expiredOnly)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries.\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "only remove expired entries")
	return cmd
}

func requireCache(a *app.App) error {
	if a.Cache == nil {
		return fmt.Errorf("cache is disabled (cache.enabled: false)")
	}
	return nil
}

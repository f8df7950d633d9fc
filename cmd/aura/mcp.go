package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the orchestrator as an MCP tool server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := mcp.New(mcp.Deps{
				Orchestrator: a.Orchestrator,
				Resolver:     a.Resolver,
				Breaker:      a.Breaker,
				Budget:       a.Budget,
				Cache:        a.Cache,
				Audit:        a.Audit,
				Logger:       a.Logger.Named("mcp"),
			}, version)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}

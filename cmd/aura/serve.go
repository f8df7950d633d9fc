package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			watchPath := ""
			if watch {
				watchPath = *configPath
			}
			a.Logger.Info("starting aura orchestrator",
				zap.String("config", *configPath),
				zap.String("listen", a.Config().Listen),
				zap.Bool("watch", watchPath != ""),
			)
			return a.Serve(ctx, watchPath)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/app"
	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "aura",
		Short:         "Aura provider orchestration for generation pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to aura config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newModelCmd(&configPath),
		newAuditCmd(&configPath),
		newCacheCmd(&configPath),
		newBudgetCmd(&configPath),
		newProvidersCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}

// openApp loads configuration and builds the full component graph. The
// returned cleanup flushes the audit log and closes every backend.
func openApp(ctx context.Context, configPath string) (*app.App, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		_ = logger.Sync()
	}, nil
}

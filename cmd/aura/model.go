package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/app"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
	"github.com/itsacoffee/aura-orchestrator/pkg/selection"
)

func newModelCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage model selections and inspect resolution",
	}

	cmd.AddCommand(
		newModelSetCmd(configPath),
		newModelListCmd(configPath),
		newModelClearCmd(configPath),
		newModelResolveCmd(configPath),
	)
	return cmd
}

// selectionFlags are shared by set and clear.
type selectionFlags struct {
	scope   string
	session string
	stage   string
	family  string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scope, "scope", "", "run_pinned, run_override, stage_pinned, project_override or global_default")
	cmd.Flags().StringVar(&f.session, "session", "", "session id (run scopes only)")
	cmd.Flags().StringVar(&f.stage, "stage", "", "pipeline stage (empty matches every stage)")
	cmd.Flags().StringVar(&f.family, "family", "", "provider family (empty matches every family)")
	_ = cmd.MarkFlagRequired("scope")
}

func (f selectionFlags) selection() (models.ModelSelection, error) {
	scope, err := models.ParseScopeLevel(f.scope)
	if err != nil {
		return models.ModelSelection{}, err
	}
	if scope == models.ScopeAutoFallback {
		return models.ModelSelection{}, fmt.Errorf("auto_fallback is computed, not stored")
	}
	sel := models.ModelSelection{Scope: scope, SessionID: f.session, Stage: f.stage}
	if f.family != "" {
		if sel.Family, err = models.ParseProviderFamily(f.family); err != nil {
			return sel, err
		}
	}
	return sel, nil
}

func newModelSetCmd(configPath *string) *cobra.Command {
	var (
		sf       selectionFlags
		provider string
		model    string
		pin      bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a model selection",
		Example: `  aura model set --scope global_default --provider openai --model gpt-4o
  aura model set --scope stage_pinned --stage narration --provider elevenlabs
  aura model set --scope run_override --session s1 --provider openai/gpt-4o-mini --pin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := sf.selection()
			if err != nil {
				return err
			}
			if p, m, ok := strings.Cut(provider, "/"); ok && model == "" {
				provider, model = p, m
			}
			sel.ProviderID, sel.ModelID, sel.IsPinned = provider, model, pin

			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sel, err = selection.Prepare(sel, time.Now())
			if err != nil {
				return err
			}
			if !a.Registry.HasProvider(sel.ProviderID) {
				return fmt.Errorf("unknown provider %q", sel.ProviderID)
			}
			if sel.ModelID != "" {
				if _, ok := a.Registry.Get(sel.ProviderID, sel.ModelID); !ok {
					return fmt.Errorf("unknown model %q for provider %q", sel.ModelID, sel.ProviderID)
				}
			}
			if err := a.Selections.Put(ctx, sel); err != nil {
				return err
			}
			warnEphemeral(cmd, a)
			fmt.Fprint(cmd.OutOrStdout(), formatSelections([]models.ModelSelection{sel}))
			return nil
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVar(&provider, "provider", "", "provider id, or provider/model (required)")
	cmd.Flags().StringVar(&model, "model", "", "model id (default: the provider's preferred model)")
	cmd.Flags().BoolVar(&pin, "pin", false, "pin a run override so it never falls back")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newModelListCmd(configPath *string) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored model selections in precedence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sels, err := a.Selections.List(ctx, session)
			if err != nil {
				return err
			}
			selection.Sort(sels)
			fmt.Fprint(cmd.OutOrStdout(), formatSelections(sels))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "include run selections of this session only")
	return cmd
}

func newModelClearCmd(configPath *string) *cobra.Command {
	var (
		sf      selectionFlags
		session string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove one model selection, or every run selection of a session",
		Example: `  aura model clear --scope stage_pinned --stage narration
  aura model clear --all-runs s1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if session != "" {
				a, cleanup, err := openApp(ctx, *configPath)
				if err != nil {
					return err
				}
				defer cleanup()
				n, err := a.Selections.ClearSession(ctx, session)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run selections of session %s.\n", n, session)
				return nil
			}

			if sf.scope == "" {
				return fmt.Errorf("--scope or --all-runs is required")
			}
			sel, err := sf.selection()
			if err != nil {
				return err
			}
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			removed, err := a.Selections.Delete(ctx, sel.Normalize().Key())
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no %s selection in that slot", sel.Scope)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Selection removed.")
			return nil
		},
	}

	cmd.Flags().StringVar(&sf.scope, "scope", "", "scope of the selection to remove")
	cmd.Flags().StringVar(&sf.session, "session", "", "session id (run scopes only)")
	cmd.Flags().StringVar(&sf.stage, "stage", "", "pipeline stage")
	cmd.Flags().StringVar(&sf.family, "family", "", "provider family")
	cmd.Flags().StringVar(&session, "all-runs", "", "remove every run selection of this session")
	return cmd
}

func newModelResolveCmd(configPath *string) *cobra.Command {
	var (
		session      string
		stage        string
		opType       string
		family       string
		autoFallback bool
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which model an operation would use and why",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := resolver.Query{SessionID: session, Stage: stage}
			if family != "" {
				fam, err := models.ParseProviderFamily(family)
				if err != nil {
					return err
				}
				q.Family = fam
			} else {
				t := models.OperationType(opType)
				if !t.Valid() {
					return fmt.Errorf("unknown operation type %q", opType)
				}
				q.Family = t.DefaultFamily()
			}
			if cmd.Flags().Changed("allow-auto-fallback") {
				q.AllowAutoFallback = &autoFallback
			}

			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.Resolver.ResolveAndRecord(ctx, uuid.NewString(), q)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatResolution(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVar(&stage, "stage", "", "pipeline stage (required)")
	cmd.Flags().StringVar(&opType, "type", string(models.OpCompletion), "operation type, used to derive the family")
	cmd.Flags().StringVar(&family, "family", "", "provider family")
	cmd.Flags().BoolVar(&autoFallback, "allow-auto-fallback", false, "allow automatic fallback")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// warnEphemeral tells the user a selection will not outlive this process.
func warnEphemeral(cmd *cobra.Command, a *app.App) {
	if a.Config().Selection.Backend == "memory" {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: selection.backend is memory; the selection is lost when this command exits")
	}
}

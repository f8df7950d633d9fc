package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/registry"
)

type runFlags struct {
	session           string
	job               string
	stage             string
	opType            string
	family            string
	prompt            string
	provider          string
	model             string
	pinModel          bool
	allowAutoFallback bool
	cache             bool
	expectedTokens    int64
	asJSON            bool
}

func newRunCmd(configPath *string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one operation through resolution, budget, cache and dispatch",
		Long: `Run one operation. --model and --provider override the configured
selection for this call only; --pin-model makes the override fail instead of
falling back when the model is unavailable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd.Flags().Changed("allow-auto-fallback"))
			if err != nil {
				return err
			}
			if req.Prompt == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				req.Prompt = string(b)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := completeOverride(a.Registry, req.RunOverride); err != nil {
				return err
			}

			resp, runErr := a.Orchestrator.Execute(ctx, req)
			if f.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), formatResponse(resp))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&f.session, "session", "", "session id (default: a new id)")
	cmd.Flags().StringVar(&f.job, "job", "", "job id")
	cmd.Flags().StringVar(&f.stage, "stage", "", "pipeline stage (required)")
	cmd.Flags().StringVar(&f.opType, "type", string(models.OpCompletion), "operation type")
	cmd.Flags().StringVar(&f.family, "family", "", "provider family (default: derived from --type)")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "prompt text, or - to read stdin (required)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "provider override for this run")
	cmd.Flags().StringVar(&f.model, "model", "", "model override for this run (model or provider/model)")
	cmd.Flags().BoolVar(&f.pinModel, "pin-model", false, "fail instead of falling back when the override is unavailable")
	cmd.Flags().BoolVar(&f.allowAutoFallback, "allow-auto-fallback", false, "allow automatic fallback for this run")
	cmd.Flags().BoolVar(&f.cache, "cache", false, "serve from and store in the response cache")
	cmd.Flags().Int64Var(&f.expectedTokens, "expected-tokens", 0, "expected output tokens, for budget estimation")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the full response as JSON")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// request builds the operation request. autoFallbackSet reports whether
// --allow-auto-fallback was given explicitly.
func (f runFlags) request(autoFallbackSet bool) (models.OperationRequest, error) {
	req := models.OperationRequest{
		SessionID:         f.session,
		JobID:             f.job,
		Stage:             f.stage,
		OperationType:     models.OperationType(f.opType),
		Prompt:            f.prompt,
		EnableCache:       f.cache,
		ExpectedTokensOut: f.expectedTokens,
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if f.family != "" {
		fam, err := models.ParseProviderFamily(f.family)
		if err != nil {
			return req, err
		}
		req.Family = fam
	}

	providerID, modelID := f.provider, f.model
	if p, m, ok := strings.Cut(f.model, "/"); ok {
		if providerID != "" && providerID != p {
			return req, fmt.Errorf("--model %q names provider %q but --provider is %q", f.model, p, providerID)
		}
		providerID, modelID = p, m
	}
	switch {
	case providerID != "" || modelID != "":
		// A bare model id gets its provider from the catalog; see completeOverride.
		req.RunOverride = &models.RunOverride{ProviderID: providerID, ModelID: modelID, Pin: f.pinModel}
	case f.pinModel:
		return req, fmt.Errorf("--pin-model requires --model or --provider")
	}
	if autoFallbackSet {
		allow := f.allowAutoFallback
		req.AllowAutoFallback = &allow
	}
	return req, nil
}

// completeOverride fills in the provider of an override that named only a
// model. The model must be offered by exactly one provider.
func completeOverride(reg *registry.Registry, o *models.RunOverride) error {
	if o == nil || o.ProviderID != "" {
		return nil
	}
	matches := reg.ByModel(o.ModelID)
	switch len(matches) {
	case 0:
		return fmt.Errorf("--model %q is not in the provider catalog", o.ModelID)
	case 1:
		o.ProviderID = matches[0].ProviderID
		return nil
	}
	keys := lo.Map(matches, func(d models.ProviderDescriptor, _ int) string { return d.Key() })
	return fmt.Errorf("--model %q is offered by %s; use provider/model", o.ModelID, strings.Join(keys, ", "))
}

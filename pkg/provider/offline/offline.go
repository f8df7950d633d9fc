// Package offline is a local provider that needs no network. It produces a
// deterministic rendering of the request, which keeps pipelines runnable
// without credentials.
package offline

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
)

// Client is the offline provider.
type Client struct {
	providerID string
}

// New creates an offline client.
func New(providerID string) *Client {
	return &Client{providerID: providerID}
}

// Invoke echoes the request.
func (c *Client) Invoke(ctx context.Context, modelID string, req provider.Request) (provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return provider.Result{}, err
	}
	input := req.Prompt
	if input == "" {
		input = string(req.Payload)
	}
	if strings.TrimSpace(input) == "" {
		return provider.Result{}, errs.Validation("prompt", "empty request")
	}

	content := fmt.Sprintf("[%s/%s %s] %s", c.providerID, modelID, req.Stage, input)
	return provider.Result{
		Content:   content,
		TokensIn:  provider.EstimateTokens(input),
		TokensOut: provider.EstimateTokens(content),
	}, nil
}

// Probe always succeeds.
func (c *Client) Probe(context.Context) error { return nil }

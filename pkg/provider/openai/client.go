// Package openai is a provider client for OpenAI-compatible chat APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
)

const maxErrorBody = 512

// Client calls /v1/chat/completions on an OpenAI-compatible endpoint.
type Client struct {
	providerID string
	baseURL    string
	apiKey     string
	http       *http.Client
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(providerID, baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("provider %s: invalid URL %q", providerID, baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		providerID: providerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       httpClient,
	}, nil
}

// Invoke sends one chat completion. A payload carrying "messages" is sent
// as-is with its model replaced; otherwise the prompt becomes a user message.
func (c *Client) Invoke(ctx context.Context, modelID string, req provider.Request) (provider.Result, error) {
	body, err := buildBody(modelID, req)
	if err != nil {
		return provider.Result{}, err
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return provider.Result{}, err
	}
	if err := c.classify(status, respBody); err != nil {
		return provider.Result{}, err
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return provider.Result{}, &errs.ProviderError{ProviderID: c.providerID, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return provider.Result{}, &errs.ProviderError{ProviderID: c.providerID, StatusCode: status, Err: errors.New("response has no choices")}
	}

	res := provider.Result{Content: resp.Choices[0].Message.Content}
	if resp.Usage != nil {
		res.TokensIn = int64(resp.Usage.PromptTokens)
		res.TokensOut = int64(resp.Usage.CompletionTokens)
	}
	return res, nil
}

// Probe lists models to check the endpoint and credentials.
func (c *Client) Probe(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return err
	}
	return c.classify(status, body)
}

// do sends a request to the provider and returns the status and body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, &errs.TransientProviderError{ProviderID: c.providerID, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, &errs.TransientProviderError{ProviderID: c.providerID, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

// classify maps an HTTP status to the error taxonomy.
func (c *Client) classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := errors.New(truncate(string(body), maxErrorBody))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &errs.TransientProviderError{ProviderID: c.providerID, StatusCode: status, Err: msg}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &errs.ValidationError{Field: "payload", Message: fmt.Sprintf("provider %s rejected request (status %d): %s", c.providerID, status, msg)}
	default:
		return &errs.ProviderError{ProviderID: c.providerID, StatusCode: status, Err: msg}
	}
}

func buildBody(modelID string, req provider.Request) ([]byte, error) {
	if len(req.Payload) > 0 {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(req.Payload, &raw); err != nil {
			return nil, errs.Validation("payload", "not a JSON object: %v", err)
		}
		if _, ok := raw["messages"]; ok {
			m, _ := json.Marshal(modelID)
			raw["model"] = m
			return json.Marshal(raw)
		}
	}
	if req.Prompt == "" {
		return nil, errs.Validation("prompt", "required when payload has no messages")
	}
	chat := models.ChatCompletionRequest{
		Model:    modelID,
		Messages: []models.ChatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.MaxTokens > 0 {
		n := int(req.MaxTokens)
		chat.MaxTokens = &n
	}
	return json.Marshal(chat)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

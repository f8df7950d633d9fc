package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"aura_run_operation": handleRun,
	"aura_resolve_model": handleResolve,
	"aura_selections":    handleSelections,
	"aura_circuits":      handleCircuits,
	"aura_budget":        handleBudget,
	"aura_cache_stats":   handleCacheStats,
	"aura_audit_search":  handleAuditSearch,
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var allTools = []ToolDefinition{
	{
		Name:        "aura_run_operation",
		Description: "Run one generation operation through model resolution, budget checks, the cache and provider dispatch. Returns content and telemetry.",
		InputSchema: object([]string{"stage", "prompt"}, map[string]any{
			"session_id":     str("Session ID (optional, generated when omitted)"),
			"job_id":         str("Job ID (optional)"),
			"stage":          str("Pipeline stage, e.g. script or narration"),
			"operation_type": str("completion, planning, scene_analysis, creative, narration, image_generation or video_encode"),
			"prompt":         str("Prompt text"),
			"model":          str("Run override as provider/model, or a model id offered by one provider (optional)"),
			"pin":            map[string]any{"type": "boolean", "description": "Fail instead of falling back when the override is unavailable"},
			"enable_cache":   map[string]any{"type": "boolean", "description": "Serve from and store in the response cache"},
		}),
	},
	{
		Name:        "aura_resolve_model",
		Description: "Explain which provider and model an operation would use, and which scope level decided it.",
		InputSchema: object([]string{"stage"}, map[string]any{
			"session_id": str("Session ID (optional)"),
			"stage":      str("Pipeline stage"),
			"family":     str("llm, tts, image or video (optional, defaults to llm)"),
		}),
	},
	{
		Name:        "aura_selections",
		Description: "List stored model selections in precedence order.",
		InputSchema: object(nil, map[string]any{
			"session_id": str("Include run selections of this session only (optional)"),
		}),
	},
	{
		Name:        "aura_circuits",
		Description: "Show the circuit breaker state of every provider that has been called.",
		InputSchema: object(nil, map[string]any{}),
	},
	{
		Name:        "aura_budget",
		Description: "Show live token and cost usage of one session or of every tracked session.",
		InputSchema: object(nil, map[string]any{
			"session_id": str("Session ID (optional, omit for all sessions)"),
		}),
	},
	{
		Name:        "aura_cache_stats",
		Description: "Show response cache statistics.",
		InputSchema: object(nil, map[string]any{}),
	},
	{
		Name:        "aura_audit_search",
		Description: "Search the resolution audit log. Reads the persistent sink when one is configured.",
		InputSchema: object(nil, map[string]any{
			"session_id":   str("Filter by session ID (optional)"),
			"job_id":       str("Filter by job ID (optional)"),
			"operation_id": str("Filter by operation ID (optional)"),
			"provider_id":  str("Filter by provider (optional)"),
			"outcome":      str("completed, blocked, failed, cancelled or resolved (optional)"),
			"since":        str("Start date in YYYY-MM-DD format (optional)"),
		}),
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func jsonResult(v any) ToolCallResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return textResult(string(data))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

type runArgs struct {
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id"`
	Stage         string `json:"stage"`
	OperationType string `json:"operation_type"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	Pin           bool   `json:"pin"`
	EnableCache   bool   `json:"enable_cache"`
}

func handleRun(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args runArgs
	if err := decode(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	req := models.OperationRequest{
		SessionID:     args.SessionID,
		JobID:         args.JobID,
		Stage:         args.Stage,
		OperationType: models.OperationType(args.OperationType),
		Prompt:        args.Prompt,
		EnableCache:   args.EnableCache,
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.OperationType == "" {
		req.OperationType = models.OpCompletion
	}
	if args.Model != "" {
		p, m, ok := strings.Cut(args.Model, "/")
		if !ok {
			matches := s.d.Resolver.Registry().ByModel(args.Model)
			if len(matches) != 1 {
				return errorResult(fmt.Sprintf("model %q matches %d catalog entries; use provider/model", args.Model, len(matches)))
			}
			p, m = matches[0].ProviderID, args.Model
		}
		req.RunOverride = &models.RunOverride{ProviderID: p, ModelID: m, Pin: args.Pin}
	}

	resp, _ := s.d.Orchestrator.Execute(ctx, req)
	result := jsonResult(resp)
	result.IsError = !resp.Success
	return result
}

type resolveArgs struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Family    string `json:"family"`
}

func handleResolve(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args resolveArgs
	if err := decode(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.Stage == "" {
		return errorResult("stage is required")
	}
	q := resolver.Query{SessionID: args.SessionID, Stage: args.Stage, Family: models.FamilyLLM}
	if args.Family != "" {
		fam, err := models.ParseProviderFamily(args.Family)
		if err != nil {
			return errorResult(err.Error())
		}
		q.Family = fam
	}
	res, err := s.d.Resolver.Resolve(ctx, q)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(res)
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

func handleSelections(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args sessionArgs
	if err := decode(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	sels, err := s.d.Resolver.Store().List(ctx, args.SessionID)
	if err != nil {
		return errorResult("list selections: " + err.Error())
	}
	if len(sels) == 0 {
		return textResult("No model selections configured.")
	}
	return jsonResult(sels)
}

func handleCircuits(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	snaps := s.d.Breaker.Snapshots()
	if len(snaps) == 0 {
		return textResult("No provider has been called yet; every circuit is closed.")
	}
	return jsonResult(snaps)
}

func handleBudget(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args sessionArgs
	if err := decode(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.SessionID != "" {
		u, err := s.d.Budget.Usage(ctx, args.SessionID)
		if err != nil {
			return errorResult("budget usage: " + err.Error())
		}
		return jsonResult(u)
	}
	sessions, err := s.d.Budget.Sessions(ctx)
	if err != nil {
		return errorResult("budget usage: " + err.Error())
	}
	if len(sessions) == 0 {
		return textResult("No live budget usage.")
	}
	return jsonResult(sessions)
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.d.Cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.d.Cache.Stats(ctx)
	if err != nil {
		return errorResult("cache stats: " + err.Error())
	}
	return jsonResult(stats)
}

type auditSearchArgs struct {
	SessionID   string `json:"session_id"`
	JobID       string `json:"job_id"`
	OperationID string `json:"operation_id"`
	ProviderID  string `json:"provider_id"`
	Outcome     string `json:"outcome"`
	Since       string `json:"since"`
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args auditSearchArgs
	if err := decode(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	opts := models.AuditQueryOpts{
		SessionID:   args.SessionID,
		JobID:       args.JobID,
		OperationID: args.OperationID,
		ProviderID:  args.ProviderID,
		Outcome:     models.Outcome(args.Outcome),
		Limit:       50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	var entries []models.AuditEntry
	if sink := s.d.Audit.Sink(); sink != nil {
		if err := s.d.Audit.Flush(ctx); err != nil {
			return errorResult("flush audit log: " + err.Error())
		}
		var err error
		if entries, err = sink.Query(ctx, opts); err != nil {
			return errorResult("search audit log: " + err.Error())
		}
	} else {
		entries = s.d.Audit.Query(opts)
	}
	if len(entries) == 0 {
		return textResult("No audit entries found.")
	}
	return jsonResult(entries)
}

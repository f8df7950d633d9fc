package models

import "encoding/json"

// OperationType classifies an orchestrated call.
type OperationType string

const (
	OpCompletion      OperationType = "completion"
	OpPlanning        OperationType = "planning"
	OpSceneAnalysis   OperationType = "scene_analysis"
	OpCreative        OperationType = "creative"
	OpNarration       OperationType = "narration"
	OpImageGeneration OperationType = "image_generation"
	OpVideoEncode     OperationType = "video_encode"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCompletion, OpPlanning, OpSceneAnalysis, OpCreative,
		OpNarration, OpImageGeneration, OpVideoEncode:
		return true
	}
	return false
}

// Deterministic reports whether identical requests may be served from cache.
func (t OperationType) Deterministic() bool {
	switch t {
	case OpCreative, OpImageGeneration:
		return false
	}
	return true
}

// DefaultFamily is the provider family used when a request does not name one.
func (t OperationType) DefaultFamily() ProviderFamily {
	switch t {
	case OpNarration:
		return FamilyTTS
	case OpImageGeneration:
		return FamilyImage
	case OpVideoEncode:
		return FamilyVideo
	}
	return FamilyLLM
}

// CustomPreset overrides retry behaviour for one operation.
type CustomPreset struct {
	MaxRetries     *int `json:"maxRetries,omitempty"`
	TimeoutSeconds int  `json:"timeoutSeconds,omitempty"`
}

// RunOverride is a per-call override equivalent to the --model/--pin-model flags.
type RunOverride struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId,omitempty"`
	Pin        bool   `json:"pin,omitempty"`
}

// OperationRequest is the inbound request shape.
type OperationRequest struct {
	OperationID       string            `json:"operationId,omitempty"`
	SessionID         string            `json:"sessionId"`
	JobID             string            `json:"jobId,omitempty"`
	Stage             string            `json:"stage"`
	OperationType     OperationType     `json:"operationType"`
	Family            ProviderFamily    `json:"family,omitempty"`
	Prompt            string            `json:"prompt,omitempty"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	EnableCache       bool              `json:"enableCache"`
	CacheTTLSeconds   int               `json:"cacheTtlSeconds,omitempty"`
	ExpectedTokensOut int64             `json:"expectedTokensOut,omitempty"`
	BudgetConstraint  *BudgetConstraint `json:"budgetConstraint,omitempty"`
	CustomPreset      *CustomPreset     `json:"customPreset,omitempty"`
	RunOverride       *RunOverride      `json:"runOverride,omitempty"`
	AllowAutoFallback *bool             `json:"allowAutoFallback,omitempty"`
}

// Telemetry is the per-operation summary returned to callers.
type Telemetry struct {
	OperationID        string     `json:"operationId"`
	ProviderID         string     `json:"providerId,omitempty"`
	ModelID            string     `json:"modelId,omitempty"`
	TokensIn           int64      `json:"tokensIn"`
	TokensOut          int64      `json:"tokensOut"`
	EstimatedCost      float64    `json:"estimatedCost"`
	LatencyMs          int64      `json:"latencyMs"`
	RetryCount         int        `json:"retryCount"`
	ResolutionSource   ScopeLevel `json:"resolutionSource"`
	FallbackReason     string     `json:"fallbackReason,omitempty"`
	DeprecationWarning bool       `json:"deprecationWarning,omitempty"`
	BudgetWarning      bool       `json:"budgetWarning,omitempty"`
	Outcome            Outcome    `json:"outcome"`
}

// ErrorDetail carries enough structure for a UI to offer recovery actions.
type ErrorDetail struct {
	Kind         string        `json:"kind"`
	Message      string        `json:"message"`
	Scope        ScopeLevel    `json:"scope,omitempty"`
	ProviderID   string        `json:"providerId,omitempty"`
	ModelID      string        `json:"modelId,omitempty"`
	Alternatives []string      `json:"alternatives,omitempty"`
	Recommended  string        `json:"recommended,omitempty"`
	Usage        *SessionUsage `json:"usage,omitempty"`
	Retryable    bool          `json:"retryable"`
}

// OperationResponse is the outbound response shape.
type OperationResponse struct {
	Success      bool         `json:"success"`
	Content      string       `json:"content,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
	FromCache    bool         `json:"fromCache"`
	Telemetry    Telemetry    `json:"telemetry"`
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

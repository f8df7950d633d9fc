package models

import (
	"fmt"
	"strings"
)

// ProviderFamily groups providers by the kind of content they generate.
type ProviderFamily string

const (
	FamilyLLM   ProviderFamily = "llm"
	FamilyTTS   ProviderFamily = "tts"
	FamilyImage ProviderFamily = "image"
	FamilyVideo ProviderFamily = "video"
)

// Valid reports whether f is a known family.
func (f ProviderFamily) Valid() bool {
	switch f {
	case FamilyLLM, FamilyTTS, FamilyImage, FamilyVideo:
		return true
	}
	return false
}

// ParseProviderFamily parses a family name case-insensitively.
func ParseProviderFamily(s string) (ProviderFamily, error) {
	f := ProviderFamily(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown provider family %q", s)
	}
	return f, nil
}

// ProviderDescriptor is the immutable catalog entry for one provider model.
type ProviderDescriptor struct {
	ProviderID               string         `json:"provider_id" yaml:"provider_id"`
	Family                   ProviderFamily `json:"family" yaml:"family"`
	ModelID                  string         `json:"model_id" yaml:"model_id"`
	MaxContextTokens         int            `json:"max_context_tokens" yaml:"max_context_tokens"`
	SupportsStreaming        bool           `json:"supports_streaming" yaml:"supports_streaming"`
	IsOfflineCapable         bool           `json:"is_offline_capable" yaml:"is_offline_capable"`
	IsDeprecated             bool           `json:"is_deprecated" yaml:"is_deprecated"`
	DeprecationReplacementID string         `json:"deprecation_replacement_id,omitempty" yaml:"deprecation_replacement_id"`
	// Removed marks a deprecated model that may no longer be dispatched.
	Removed  bool         `json:"removed,omitempty" yaml:"removed"`
	Priority int          `json:"priority" yaml:"priority"`
	Pricing  ModelPricing `json:"pricing" yaml:"pricing"`
}

// Key returns the registry key "provider/model".
func (d ProviderDescriptor) Key() string {
	return DescriptorKey(d.ProviderID, d.ModelID)
}

// DescriptorKey builds the registry key for a provider and model.
func DescriptorKey(providerID, modelID string) string {
	return providerID + "/" + modelID
}

// ModelPricing defines per-1K token costs for a model.
type ModelPricing struct {
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Cost prices the given token counts.
func (p ModelPricing) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1000*p.PromptCost + float64(tokensOut)/1000*p.CompletionCost
}

// Package errs defines the orchestration error taxonomy.
//
// Every error surfaced by the orchestrator can be classified with KindOf and
// converted to a models.ErrorDetail so callers can offer recovery actions
// without re-deriving the failure.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Kind classifies an error.
type Kind string

const (
	KindModelUnavailable  Kind = "model_unavailable"
	KindNoModelConfigured Kind = "no_model_configured"
	KindCircuitOpen       Kind = "circuit_open"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindTransient         Kind = "transient_provider_error"
	KindProvider          Kind = "provider_error"
	KindValidation        Kind = "validation_error"
	KindCancelled         Kind = "cancelled"
	KindDeadline          Kind = "deadline_exceeded"
	KindInternal          Kind = "internal_error"
)

// ModelUnavailableError is returned when a selection cannot be honored.
// Pinned selections never fall back, so this reaches the caller unchanged.
type ModelUnavailableError struct {
	Scope        models.ScopeLevel
	Stage        string
	ProviderID   string
	ModelID      string
	Reason       string
	Recommended  string
	Alternatives []string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %s/%s selected at %s for stage %q is unavailable: %s",
		e.ProviderID, e.ModelID, e.Scope, e.Stage, e.Reason)
}

// NoModelConfiguredError is returned when no scope level yields a model and
// automatic fallback is disabled.
type NoModelConfiguredError struct {
	Stage        string
	Family       models.ProviderFamily
	Alternatives []string
}

func (e *NoModelConfiguredError) Error() string {
	return fmt.Sprintf("no %s model configured for stage %q and automatic fallback is disabled", e.Family, e.Stage)
}

// CircuitOpenError is returned without contacting the provider while its
// breaker is open. Scope is set when resolution found nothing but open
// circuits at unpinned levels.
type CircuitOpenError struct {
	ProviderID string
	Scope      models.ScopeLevel
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s (retry after %s)", e.ProviderID, e.RetryAfter.Round(time.Millisecond))
}

// BudgetExceededError is returned when a hard limit would be breached.
type BudgetExceededError struct {
	SessionID string
	Limit     string
	Usage     models.SessionUsage
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for session %s: %s (used %d tokens / %.4f cost)",
		e.SessionID, e.Limit, e.Usage.TokensUsed, e.Usage.CostUsed)
}

// TransientProviderError is a network, timeout or 5xx-class failure.
type TransientProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s transient failure (status %d): %v", e.ProviderID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s transient failure: %v", e.ProviderID, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ProviderError is a non-transient failure reported by a provider.
type ProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %v", e.ProviderID, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// Validation is shorthand for a field-level ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Unrecognised errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		mu *ModelUnavailableError
		nm *NoModelConfiguredError
		co *CircuitOpenError
		be *BudgetExceededError
		te *TransientProviderError
		pe *ProviderError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &mu):
		return KindModelUnavailable
	case errors.As(err, &nm):
		return KindNoModelConfigured
	case errors.As(err, &co):
		return KindCircuitOpen
	case errors.As(err, &be):
		return KindBudgetExceeded
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTransient
	case errors.As(err, &pe):
		return KindProvider
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	}
	return KindInternal
}

// IsTransient reports whether a failed attempt may be retried.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindDeadline:
		return true
	}
	return false
}

// CountsAsFailure reports whether err says something about provider health.
// Malformed requests and caller cancellation do not.
func CountsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindDeadline, KindProvider, KindInternal:
		return true
	}
	return false
}

// IsBlocking reports whether err prevents dispatch rather than failing it.
func IsBlocking(err error) bool {
	switch KindOf(err) {
	case KindModelUnavailable, KindNoModelConfigured, KindCircuitOpen, KindBudgetExceeded:
		return true
	}
	return false
}

// Detail converts err into the structured form returned to callers.
func Detail(err error) *models.ErrorDetail {
	if err == nil {
		return nil
	}
	d := &models.ErrorDetail{
		Kind:      string(KindOf(err)),
		Message:   err.Error(),
		Retryable: IsTransient(err),
	}
	var (
		mu *ModelUnavailableError
		nm *NoModelConfiguredError
		co *CircuitOpenError
		be *BudgetExceededError
	)
	switch {
	case errors.As(err, &mu):
		d.Scope = mu.Scope
		d.ProviderID = mu.ProviderID
		d.ModelID = mu.ModelID
		d.Alternatives = mu.Alternatives
		d.Recommended = mu.Recommended
	case errors.As(err, &nm):
		d.Alternatives = nm.Alternatives
		if len(nm.Alternatives) > 0 {
			d.Recommended = nm.Alternatives[0]
		}
	case errors.As(err, &co):
		d.Scope = co.Scope
		d.ProviderID = co.ProviderID
		d.Retryable = true
	case errors.As(err, &be):
		usage := be.Usage
		d.Usage = &usage
	}
	return d
}

// JoinReasons renders skipped-level reasons as one human-readable string.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}

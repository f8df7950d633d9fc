package models

import (
	"fmt"
	"strings"
	"time"
)

// ScopeLevel is one precedence tier used to resolve an effective model.
// Lower values win.
type ScopeLevel int

const (
	ScopeUnknown ScopeLevel = iota
	ScopeRunPinned
	ScopeRunOverride
	ScopeStagePinned
	ScopeProjectOverride
	ScopeGlobalDefault
	ScopeAutoFallback
)

var scopeNames = map[ScopeLevel]string{
	ScopeRunPinned:       "run_pinned",
	ScopeRunOverride:     "run_override",
	ScopeStagePinned:     "stage_pinned",
	ScopeProjectOverride: "project_override",
	ScopeGlobalDefault:   "global_default",
	ScopeAutoFallback:    "auto_fallback",
}

// ScopeLevels lists every scope in precedence order.
var ScopeLevels = []ScopeLevel{
	ScopeRunPinned,
	ScopeRunOverride,
	ScopeStagePinned,
	ScopeProjectOverride,
	ScopeGlobalDefault,
	ScopeAutoFallback,
}

func (s ScopeLevel) String() string {
	if n, ok := scopeNames[s]; ok {
		return n
	}
	return "unknown"
}

// Pinned reports whether selections at this level block instead of falling back.
func (s ScopeLevel) Pinned() bool {
	return s == ScopeRunPinned || s == ScopeStagePinned
}

// RunScoped reports whether selections at this level are keyed by session.
func (s ScopeLevel) RunScoped() bool {
	return s == ScopeRunPinned || s == ScopeRunOverride
}

// ParseScopeLevel accepts snake_case, kebab-case or CamelCase names.
func ParseScopeLevel(v string) (ScopeLevel, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(v))
	for lvl, name := range scopeNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return lvl, nil
		}
	}
	return ScopeUnknown, fmt.Errorf("unknown scope level %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s ScopeLevel) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ScopeLevel) UnmarshalText(b []byte) error {
	if len(b) == 0 || string(b) == "unknown" {
		*s = ScopeUnknown
		return nil
	}
	lvl, err := ParseScopeLevel(string(b))
	if err != nil {
		return err
	}
	*s = lvl
	return nil
}

// ModelSelection binds a stage to a provider/model at one scope level.
type ModelSelection struct {
	Scope      ScopeLevel     `json:"scope" yaml:"scope"`
	SessionID  string         `json:"session_id,omitempty" yaml:"session_id"`
	Stage      string         `json:"stage,omitempty" yaml:"stage"`
	Family     ProviderFamily `json:"family,omitempty" yaml:"family"`
	ProviderID string         `json:"provider_id" yaml:"provider"`
	ModelID    string         `json:"model_id,omitempty" yaml:"model"`
	IsPinned   bool           `json:"is_pinned" yaml:"pinned"`
	CreatedAt  time.Time      `json:"created_at" yaml:"-"`
}

// Normalize folds the pinned flag into the scope: a pinned run override
// becomes RunPinned, and IsPinned always mirrors the scope afterwards.
func (s ModelSelection) Normalize() ModelSelection {
	if s.IsPinned && s.Scope == ScopeRunOverride {
		s.Scope = ScopeRunPinned
	}
	if !s.Scope.RunScoped() {
		s.SessionID = ""
	}
	s.IsPinned = s.Scope.Pinned()
	return s
}

// Key identifies the slot a selection occupies; a later Put with the same
// key supersedes the earlier one.
func (s ModelSelection) Key() SelectionKey {
	return SelectionKey{Scope: s.Scope, SessionID: s.SessionID, Stage: s.Stage, Family: s.Family}
}

// Matches reports whether the selection applies to the given lookup.
func (s ModelSelection) Matches(sessionID, stage string, family ProviderFamily) bool {
	if s.Scope.RunScoped() && s.SessionID != sessionID {
		return false
	}
	if s.Stage != "" && s.Stage != stage {
		return false
	}
	if s.Family != "" && family != "" && s.Family != family {
		return false
	}
	return true
}

// Specificity ranks matching selections within one scope level.
func (s ModelSelection) Specificity() int {
	n := 0
	if s.Stage != "" {
		n += 2
	}
	if s.Family != "" {
		n++
	}
	return n
}

// SelectionKey is the storage key of a ModelSelection.
type SelectionKey struct {
	Scope     ScopeLevel     `json:"scope"`
	SessionID string         `json:"session_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Family    ProviderFamily `json:"family,omitempty"`
}

func (k SelectionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Scope, k.SessionID, k.Stage, k.Family)
}

// Package resolver decides which provider model serves a (session, stage,
// family) by walking the scope levels in precedence order.
//
// Pinned levels block when their model is unavailable; unpinned levels fall
// through to the next level and the skipped reasons become the fallback
// reason. Automatic fallback is consulted only when enabled.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
	"github.com/itsacoffee/aura-orchestrator/pkg/registry"
	"github.com/itsacoffee/aura-orchestrator/pkg/selection"
)

// Query is one resolution request.
type Query struct {
	SessionID string
	JobID     string
	Stage     string
	Family    models.ProviderFamily
	// Override applies to this call only, ahead of stored run selections.
	Override *models.RunOverride
	// AllowAutoFallback overrides the resolver setting when non-nil.
	AllowAutoFallback *bool
	// Exclude lists providers that must not be chosen, e.g. after a
	// circuit-open failover.
	Exclude []string
}

const (
	reasonCircuitOpen = "circuit open"
	reasonExcluded    = "excluded after circuit open"
)

// Skip records a level that had a selection but could not be honored.
type Skip struct {
	Scope      models.ScopeLevel `json:"scope"`
	ProviderID string            `json:"providerId"`
	ModelID    string            `json:"modelId,omitempty"`
	Reason     string            `json:"reason"`
}

func (s Skip) String() string {
	target := s.ProviderID
	if s.ModelID != "" {
		target = models.DescriptorKey(s.ProviderID, s.ModelID)
	}
	return fmt.Sprintf("%s %s: %s", s.Scope, target, s.Reason)
}

// Resolution is a successful resolution.
type Resolution struct {
	Descriptor         models.ProviderDescriptor `json:"descriptor"`
	Source             models.ScopeLevel         `json:"source"`
	Pinned             bool                      `json:"pinned"`
	FallbackReason     string                    `json:"fallbackReason,omitempty"`
	DeprecationWarning bool                      `json:"deprecationWarning,omitempty"`
	Skipped            []Skip                    `json:"skipped,omitempty"`
}

// Notes returns the audit notes implied by the resolution.
func (r Resolution) Notes() []string {
	if r.DeprecationWarning {
		return []string{models.NoteDeprecated}
	}
	return nil
}

// Resolver applies the precedence hierarchy.
type Resolver struct {
	registry *registry.Registry
	store    selection.Store
	breaker  *breaker.Breaker
	probes   *provider.Set
	audit    *audit.Log
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	allowAuto atomic.Bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBreaker makes open circuits count as unavailable.
func WithBreaker(b *breaker.Breaker) Option {
	return func(r *Resolver) { r.breaker = b }
}

// WithProbes makes failed capability probes count as unavailable.
func WithProbes(s *provider.Set) Option {
	return func(r *Resolver) { r.probes = s }
}

// WithAudit sets the log ResolveAndRecord writes to.
func WithAudit(l *audit.Log) Option {
	return func(r *Resolver) { r.audit = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithAutoFallback sets the initial automatic fallback setting.
func WithAutoFallback(allow bool) Option {
	return func(r *Resolver) { r.allowAuto.Store(allow) }
}

// WithClock replaces time.Now for ephemeral selections.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver over a registry and selection store.
func New(reg *registry.Registry, store selection.Store, opts ...Option) *Resolver {
	r := &Resolver{
		registry: reg,
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetAutoFallback changes the automatic fallback setting.
func (r *Resolver) SetAutoFallback(allow bool) {
	r.allowAuto.Store(allow)
	r.logger.Info("automatic fallback setting changed", zap.Bool("allow_automatic_fallback", allow))
}

// AutoFallback reports the automatic fallback setting.
func (r *Resolver) AutoFallback() bool {
	return r.allowAuto.Load()
}

// Store returns the selection store.
func (r *Resolver) Store() selection.Store {
	return r.store
}

// Registry returns the provider registry.
func (r *Resolver) Registry() *registry.Registry {
	return r.registry
}

// levels are the selection levels in precedence order. Automatic fallback
// follows them when enabled.
var levels = []models.ScopeLevel{
	models.ScopeRunPinned,
	models.ScopeRunOverride,
	models.ScopeStagePinned,
	models.ScopeProjectOverride,
	models.ScopeGlobalDefault,
}

// Resolve returns the effective model for q. It does not write to the
// audit log; see ResolveAndRecord.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Resolution, error) {
	if q.Family == "" {
		q.Family = models.FamilyLLM
	}
	if !q.Family.Valid() {
		return Resolution{}, errs.Validation("family", "unknown provider family %q", q.Family)
	}
	if q.Override != nil && q.Override.ProviderID != "" && q.SessionID == "" {
		return Resolution{}, errs.Validation("sessionId", "required for run overrides")
	}

	sels, err := r.store.List(ctx, q.SessionID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load selections: %w", err)
	}
	if o := r.ephemeral(q); o != nil {
		sels = append([]models.ModelSelection{*o}, sels...)
	}

	var skipped []Skip
	for _, lvl := range levels {
		sel, ok := pick(sels, lvl, q)
		if !ok {
			continue
		}
		d, reason := r.check(sel.ProviderID, sel.ModelID, q)
		if reason == "" {
			return r.resolved(q, d, lvl, skipped), nil
		}
		skip := Skip{Scope: lvl, ProviderID: sel.ProviderID, ModelID: sel.ModelID, Reason: reason}
		if lvl.Pinned() {
			r.logger.Warn("pinned model unavailable",
				zap.String("session_id", q.SessionID),
				zap.String("stage", q.Stage),
				zap.String("scope", lvl.String()),
				zap.String("provider_id", sel.ProviderID),
				zap.String("model_id", sel.ModelID),
				zap.String("reason", reason),
			)
			return Resolution{}, r.unavailable(q, skip, d)
		}
		skipped = append(skipped, skip)
	}

	allow := r.allowAuto.Load()
	if q.AllowAutoFallback != nil {
		allow = *q.AllowAutoFallback
	}
	if allow {
		for _, c := range r.fallbackCandidates(sels, q) {
			d, reason := r.check(c.ProviderID, c.ModelID, q)
			if reason == "" {
				return r.resolved(q, d, models.ScopeAutoFallback, skipped), nil
			}
		}
	}

	if len(skipped) > 0 {
		last := skipped[len(skipped)-1]
		if lo.EveryBy(skipped, circuitSkip) {
			return Resolution{}, r.circuitOpen(q, last)
		}
		d, _ := r.registry.Get(last.ProviderID, last.ModelID)
		return Resolution{}, r.unavailable(q, last, d)
	}
	return Resolution{}, &errs.NoModelConfiguredError{
		Stage:        q.Stage,
		Family:       q.Family,
		Alternatives: r.alternatives(q, ""),
	}
}

// ResolveAndRecord resolves and writes one audit entry describing the
// decision: Resolved on success, Blocked otherwise.
func (r *Resolver) ResolveAndRecord(ctx context.Context, operationID string, q Query) (Resolution, error) {
	start := r.now()
	res, err := r.Resolve(ctx, q)
	if r.audit != nil {
		r.audit.Record(Entry(operationID, q, res, err, start))
	}
	return res, err
}

// Entry builds the audit entry for a standalone resolution.
func Entry(operationID string, q Query, res Resolution, err error, at time.Time) models.AuditEntry {
	e := models.AuditEntry{
		OperationID:      operationID,
		SessionID:        q.SessionID,
		JobID:            q.JobID,
		Stage:            q.Stage,
		ProviderID:       res.Descriptor.ProviderID,
		ModelID:          res.Descriptor.ModelID,
		ResolutionSource: res.Source,
		FallbackReason:   res.FallbackReason,
		Outcome:          models.OutcomeResolved,
		Notes:            res.Notes(),
		Timestamp:        at,
	}
	if err != nil {
		e.Outcome = models.OutcomeBlocked
		e.ErrorKind = string(errs.KindOf(err))
		e.ErrorMessage = err.Error()
		if d := errs.Detail(err); d != nil {
			e.ResolutionSource = d.Scope
			e.ProviderID = d.ProviderID
			e.ModelID = d.ModelID
		}
	}
	return e
}

func (r *Resolver) ephemeral(q Query) *models.ModelSelection {
	o := q.Override
	if o == nil || o.ProviderID == "" {
		return nil
	}
	sel := models.ModelSelection{
		Scope:      models.ScopeRunOverride,
		SessionID:  q.SessionID,
		Stage:      q.Stage,
		Family:     q.Family,
		ProviderID: o.ProviderID,
		ModelID:    o.ModelID,
		IsPinned:   o.Pin,
		CreatedAt:  r.now(),
	}.Normalize()
	return &sel
}

// pick returns the effective selection of one level: the most specific
// match, newest first among equals.
func pick(sels []models.ModelSelection, lvl models.ScopeLevel, q Query) (models.ModelSelection, bool) {
	var (
		best  models.ModelSelection
		found bool
	)
	for _, s := range sels {
		if s.Scope != lvl || !s.Matches(q.SessionID, q.Stage, q.Family) {
			continue
		}
		if !found || s.Specificity() > best.Specificity() ||
			(s.Specificity() == best.Specificity() && s.CreatedAt.After(best.CreatedAt)) {
			best, found = s, true
		}
	}
	return best, found
}

// check reports why providerID/modelID cannot serve q, or "".
func (r *Resolver) check(providerID, modelID string, q Query) (models.ProviderDescriptor, string) {
	d, ok := r.lookup(providerID, modelID, q.Family)
	switch {
	case !ok:
		return d, "not registered"
	case d.Removed:
		return d, "deprecated and removed"
	case d.Family != q.Family:
		return d, fmt.Sprintf("serves %s, not %s", d.Family, q.Family)
	}
	return d, r.providerDown(providerID, q)
}

// providerDown reports why the provider as a whole cannot be used, or "".
func (r *Resolver) providerDown(providerID string, q Query) string {
	switch {
	case lo.Contains(q.Exclude, providerID):
		return reasonExcluded
	case r.breaker != nil && !r.breaker.Available(providerID):
		return reasonCircuitOpen
	case r.probes != nil && !r.probes.Healthy(providerID):
		return "failed capability probe"
	}
	return ""
}

// lookup resolves an empty modelID to the provider's preferred model of
// the requested family.
func (r *Resolver) lookup(providerID, modelID string, family models.ProviderFamily) (models.ProviderDescriptor, bool) {
	if modelID == "" {
		if d, ok := lo.Find(r.registry.ByFamily(family), func(d models.ProviderDescriptor) bool {
			return d.ProviderID == providerID && !d.Removed
		}); ok {
			return d, true
		}
	}
	return r.registry.Get(providerID, modelID)
}

func (r *Resolver) fallbackCandidates(sels []models.ModelSelection, q Query) []models.ModelSelection {
	explicit := lo.Filter(sels, func(s models.ModelSelection, _ int) bool {
		return s.Scope == models.ScopeAutoFallback && s.Matches(q.SessionID, q.Stage, q.Family)
	})
	sort.SliceStable(explicit, func(i, j int) bool {
		a, b := explicit[i], explicit[j]
		if a.Specificity() != b.Specificity() {
			return a.Specificity() > b.Specificity()
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	out := explicit
	for _, d := range r.registry.ByFamily(q.Family) {
		if d.IsDeprecated || d.Removed {
			continue
		}
		out = append(out, models.ModelSelection{
			Scope:      models.ScopeAutoFallback,
			Family:     d.Family,
			ProviderID: d.ProviderID,
			ModelID:    d.ModelID,
		})
	}
	return lo.UniqBy(out, func(s models.ModelSelection) string {
		return models.DescriptorKey(s.ProviderID, s.ModelID)
	})
}

func (r *Resolver) resolved(q Query, d models.ProviderDescriptor, src models.ScopeLevel, skipped []Skip) Resolution {
	res := Resolution{
		Descriptor:         d,
		Source:             src,
		Pinned:             src.Pinned(),
		DeprecationWarning: d.IsDeprecated,
		Skipped:            skipped,
	}
	switch {
	case len(skipped) > 0:
		res.FallbackReason = errs.JoinReasons(lo.Map(skipped, func(s Skip, _ int) string { return s.String() }))
	case src == models.ScopeAutoFallback:
		res.FallbackReason = fmt.Sprintf("no %s model configured for stage %q", q.Family, q.Stage)
	}
	if res.DeprecationWarning {
		r.logger.Warn("resolved to deprecated model",
			zap.String("provider_id", d.ProviderID),
			zap.String("model_id", d.ModelID),
			zap.String("replacement", d.DeprecationReplacementID),
		)
	}
	r.metrics.Resolution(src.String())
	return res
}

func (r *Resolver) unavailable(q Query, skip Skip, d models.ProviderDescriptor) error {
	r.metrics.Resolution("blocked")
	exclude := models.DescriptorKey(skip.ProviderID, d.ModelID)
	if r.providerDown(skip.ProviderID, q) != "" {
		exclude = skip.ProviderID
	}
	alts := r.alternatives(q, exclude)
	recommended := ""
	if d.DeprecationReplacementID != "" {
		if rd, reason := r.check(d.ProviderID, d.DeprecationReplacementID, q); reason == "" {
			recommended = rd.Key()
		}
	}
	if recommended == "" && len(alts) > 0 {
		recommended = alts[0]
	}
	return &errs.ModelUnavailableError{
		Scope:        skip.Scope,
		Stage:        q.Stage,
		ProviderID:   skip.ProviderID,
		ModelID:      skip.ModelID,
		Reason:       skip.Reason,
		Recommended:  recommended,
		Alternatives: alts,
	}
}

func circuitSkip(s Skip) bool {
	return s.Reason == reasonCircuitOpen || s.Reason == reasonExcluded
}

// circuitOpen reports open circuits as the cause when they are the only
// reason the unpinned levels were skipped.
func (r *Resolver) circuitOpen(q Query, skip Skip) error {
	r.metrics.Resolution("blocked")
	var wait time.Duration
	if r.breaker != nil {
		wait = r.breaker.RetryAfter(skip.ProviderID)
	}
	r.logger.Warn("every configured provider has an open circuit",
		zap.String("session_id", q.SessionID),
		zap.String("stage", q.Stage),
		zap.String("provider_id", skip.ProviderID),
		zap.Duration("retry_after", wait),
	)
	return &errs.CircuitOpenError{ProviderID: skip.ProviderID, Scope: skip.Scope, RetryAfter: wait}
}

// alternatives lists currently available models of the family. exclude
// is a provider id or a provider/model key.
func (r *Resolver) alternatives(q Query, exclude string) []string {
	return lo.FilterMap(r.registry.ByFamily(q.Family), func(d models.ProviderDescriptor, _ int) (string, bool) {
		if d.ProviderID == exclude || d.Key() == exclude {
			return "", false
		}
		_, reason := r.check(d.ProviderID, d.ModelID, q)
		return d.Key(), reason == ""
	})
}

// Package orchestrator runs one operation through resolution, budget,
// cache and guarded dispatch, and records exactly one audit entry for it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
	"github.com/itsacoffee/aura-orchestrator/pkg/retry"
)

// State is a step of the per-operation state machine.
type State string

const (
	StateResolving      State = "resolving"
	StateBudgetChecking State = "budget_checking"
	StateCacheChecking  State = "cache_checking"
	StateDispatching    State = "dispatching"
)

// Deps are the collaborators of an Orchestrator. Cache may be nil.
type Deps struct {
	Resolver *resolver.Resolver
	Budget   *budget.Manager
	Cache    *cache.Cache
	Retry    *retry.Wrapper
	Clients  *provider.Set
	Audit    *audit.Log
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Settings are the reloadable dispatch defaults.
type Settings struct {
	Policy retry.Policy
	// OperationDeadline bounds a whole operation, retries included.
	OperationDeadline time.Duration
	// DefaultTokensOut is the output estimate of requests that state none.
	DefaultTokensOut int64
}

// Orchestrator is the composition root of one operation.
type Orchestrator struct {
	resolver *resolver.Resolver
	budget   *budget.Manager
	cache    *cache.Cache
	retry    *retry.Wrapper
	clients  *provider.Set
	audit    *audit.Log
	logger   *zap.Logger
	metrics  *metrics.Metrics

	settings atomic.Pointer[Settings]
	history  usageHistory
	flights  singleflight.Group
	now      func() time.Time
	newID    func() string
	onState  func(operationID string, s State)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the operation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithStateHook observes state machine steps.
func WithStateHook(fn func(operationID string, s State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// New creates an Orchestrator.
func New(d Deps, s Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: d.Resolver,
		budget:   d.Budget,
		cache:    d.Cache,
		retry:    d.Retry,
		clients:  d.Clients,
		audit:    d.Audit,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Configure(s)
	return o
}

// Configure replaces the dispatch defaults.
func (o *Orchestrator) Configure(s Settings) {
	o.settings.Store(&s)
}

// operation is the mutable state of one Execute call.
type operation struct {
	req       models.OperationRequest
	id        string
	start     time.Time
	family    models.ProviderFamily
	exclude   []string
	res       resolver.Resolution
	resolved  bool
	budgetMsg string
	warned    bool
	result    provider.Result
	cost      float64
	retries   int
	fromCache bool
	content   string
}

// dispatchResult is what a shared dispatch hands every waiter.
type dispatchResult struct {
	result provider.Result
	stats  retry.Stats
}

// Execute runs req to a terminal state. The response is always populated;
// the error is the terminal failure, if any.
func (o *Orchestrator) Execute(ctx context.Context, req models.OperationRequest) (models.OperationResponse, error) {
	op := &operation{req: req, id: req.OperationID, start: o.now()}
	if op.id == "" {
		op.id = o.newID()
	}

	err := o.run(ctx, op)
	outcome := classify(ctx, err)
	o.record(op, outcome, err)
	return o.respond(op, outcome, err), err
}

func (o *Orchestrator) run(ctx context.Context, op *operation) error {
	if err := validate(op.req); err != nil {
		return err
	}
	op.family = op.req.Family
	if op.family == "" {
		op.family = op.req.OperationType.DefaultFamily()
	}

	settings := o.settings.Load()
	opCtx := ctx
	if settings.OperationDeadline > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, settings.OperationDeadline)
		defer cancel()
	}

	var circuitErr error
	for {
		err := o.attempt(opCtx, op, settings)
		if err != nil && circuitErr != nil && !op.resolved {
			// Failover found no other model; the open circuit is the cause.
			return circuitErr
		}
		var co *errs.CircuitOpenError
		if !errors.As(err, &co) || !op.resolved || op.res.Pinned {
			return err
		}
		circuitErr = err
		op.exclude = append(op.exclude, co.ProviderID)
		o.logger.Info("circuit open, failing over",
			zap.String("operation_id", op.id),
			zap.String("provider_id", co.ProviderID),
			zap.String("scope", op.res.Source.String()),
		)
	}
}

// attempt performs one pass of Resolving → BudgetChecking → CacheChecking →
// Dispatching against the current exclusion list.
func (o *Orchestrator) attempt(ctx context.Context, op *operation, settings *Settings) error {
	req := op.req

	o.step(op, StateResolving)
	op.resolved = false
	res, err := o.resolver.Resolve(ctx, resolver.Query{
		SessionID:         req.SessionID,
		JobID:             req.JobID,
		Stage:             req.Stage,
		Family:            op.family,
		Override:          req.RunOverride,
		AllowAutoFallback: req.AllowAutoFallback,
		Exclude:           op.exclude,
	})
	if err != nil {
		return err
	}
	if len(op.exclude) > 0 {
		res.FallbackReason = joinReason(fmt.Sprintf("circuit open for %s", strings.Join(op.exclude, ", ")), res.FallbackReason)
	}
	op.res, op.resolved = res, true
	d := res.Descriptor

	o.step(op, StateBudgetChecking)
	decision, err := o.budget.CheckAndReserve(ctx, budget.Request{
		SessionID:  req.SessionID,
		ProviderID: d.ProviderID,
		Constraint: req.BudgetConstraint,
		Estimate:   o.estimate(req, d, settings),
	})
	if err != nil {
		return err
	}
	if err := decision.Err(); err != nil {
		return err
	}
	if decision.Decision == models.BudgetWarn {
		op.warned = true
		op.budgetMsg = decision.Reason
	}
	reservation := decision.Reservation
	settled := false
	defer func() {
		if !settled {
			if err := o.budget.Release(context.WithoutCancel(ctx), reservation); err != nil {
				o.logger.Warn("budget release failed", zap.String("operation_id", op.id), zap.Error(err))
			}
		}
	}()

	o.step(op, StateCacheChecking)
	cacheable := o.cache != nil && cache.Eligible(&req)
	var key string
	if cacheable {
		key = o.cache.Key(cache.KeyInput{
			OperationType: req.OperationType,
			Stage:         req.Stage,
			ProviderID:    d.ProviderID,
			ModelID:       d.ModelID,
			Prompt:        req.Prompt,
			Payload:       req.Payload,
		})
		if e, ok := o.cache.Lookup(ctx, key); ok {
			op.fromCache = true
			op.content = e.Content
			return nil
		}
	}

	o.step(op, StateDispatching)
	client, ok := o.clients.Get(d.ProviderID)
	if !ok {
		return &errs.ProviderError{ProviderID: d.ProviderID, Err: errors.New("no client registered")}
	}
	call := func(ctx context.Context) (provider.Result, error) {
		return client.Invoke(ctx, d.ModelID, provider.Request{
			OperationType: req.OperationType,
			Stage:         req.Stage,
			Prompt:        req.Prompt,
			Payload:       req.Payload,
			MaxTokens:     req.ExpectedTokensOut,
		})
	}
	policy := settings.Policy.WithPreset(req.CustomPreset)

	var (
		out    dispatchResult
		leader = true
	)
	if cacheable {
		out, leader, err = o.dispatchShared(ctx, key, d, policy, call, req.CacheTTLSeconds)
	} else {
		out.result, out.stats, err = o.retry.Invoke(ctx, d.ProviderID, policy, call)
	}
	if leader {
		op.retries = out.stats.RetryCount
	}
	if err != nil {
		return err
	}

	op.content = out.result.Content
	if !leader {
		// Served by a concurrent identical operation.
		op.fromCache = true
		return nil
	}

	op.result = out.result
	op.cost = out.result.Cost
	if op.cost == 0 {
		op.cost = d.Pricing.Cost(out.result.TokensIn, out.result.TokensOut)
	}
	o.history.observe(d.Key(), out.result.TokensOut, op.cost)
	settled = true
	if _, err := o.budget.Commit(context.WithoutCancel(ctx), reservation, budget.Amount{
		Tokens: out.result.TokensIn + out.result.TokensOut,
		Cost:   op.cost,
	}); err != nil {
		o.logger.Warn("budget commit failed", zap.String("operation_id", op.id), zap.Error(err))
	}
	return nil
}

// dispatchShared coalesces concurrent identical cacheable operations into
// one provider call. The leader stores the result in the cache.
func (o *Orchestrator) dispatchShared(ctx context.Context, key string, d models.ProviderDescriptor,
	policy retry.Policy, call retry.Call, ttlSeconds int) (dispatchResult, bool, error) {
	var led atomic.Bool
	ch := o.flights.DoChan(key, func() (any, error) {
		led.Store(true)
		res, stats, err := o.retry.Invoke(ctx, d.ProviderID, policy, call)
		if err != nil {
			return dispatchResult{stats: stats}, err
		}
		ttl := time.Duration(ttlSeconds) * time.Second
		if serr := o.cache.Store(context.WithoutCancel(ctx), key, res.Content, d.ProviderID, d.ModelID, ttl); serr != nil {
			o.logger.Warn("cache store failed", zap.String("cache_key", key), zap.Error(serr))
		}
		return dispatchResult{result: res, stats: stats}, nil
	})

	select {
	case r := <-ch:
		out, _ := r.Val.(dispatchResult)
		if led.Load() {
			return out, true, r.Err
		}
		if r.Err != nil && isContextErr(r.Err) && ctx.Err() == nil {
			// The leader was cancelled, not the provider; dispatch on our own.
			res, stats, err := o.retry.Invoke(ctx, d.ProviderID, policy, call)
			return dispatchResult{result: res, stats: stats}, true, err
		}
		if r.Err != nil {
			return dispatchResult{}, false, r.Err
		}
		return out, false, nil
	case <-ctx.Done():
		return dispatchResult{}, led.Load(), ctx.Err()
	}
}

func (o *Orchestrator) step(op *operation, s State) {
	if o.onState != nil {
		o.onState(op.id, s)
	}
}

func validate(req models.OperationRequest) error {
	switch {
	case req.SessionID == "":
		return errs.Validation("sessionId", "is required")
	case req.Stage == "":
		return errs.Validation("stage", "is required")
	case !req.OperationType.Valid():
		return errs.Validation("operationType", "unknown operation type %q", req.OperationType)
	case req.Family != "" && !req.Family.Valid():
		return errs.Validation("family", "unknown provider family %q", req.Family)
	case strings.TrimSpace(req.Prompt) == "" && len(req.Payload) == 0:
		return errs.Validation("prompt", "prompt or payload is required")
	case req.CacheTTLSeconds < 0:
		return errs.Validation("cacheTtlSeconds", "must not be negative")
	case req.ExpectedTokensOut < 0:
		return errs.Validation("expectedTokensOut", "must not be negative")
	}
	return nil
}

// classify maps a terminal error to an outcome. Cancellation of the
// caller's context wins over everything else; the operation's own deadline
// is a failure.
func classify(ctx context.Context, err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeCompleted
	case ctx.Err() != nil:
		return models.OutcomeCancelled
	case errs.IsBlocking(err):
		return models.OutcomeBlocked
	}
	return models.OutcomeFailed
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func joinReason(a, b string) string {
	if b == "" {
		return a
	}
	return a + "; " + b
}

func (o *Orchestrator) record(op *operation, outcome models.Outcome, err error) {
	latency := o.now().Sub(op.start).Milliseconds()
	e := models.AuditEntry{
		OperationID:      op.id,
		SessionID:        op.req.SessionID,
		JobID:            op.req.JobID,
		Stage:            op.req.Stage,
		OperationType:    op.req.OperationType,
		ProviderID:       op.res.Descriptor.ProviderID,
		ModelID:          op.res.Descriptor.ModelID,
		ResolutionSource: op.res.Source,
		FallbackReason:   op.res.FallbackReason,
		Outcome:          outcome,
		Notes:            op.res.Notes(),
		TokensIn:         op.result.TokensIn,
		TokensOut:        op.result.TokensOut,
		EstimatedCost:    op.cost,
		LatencyMs:        latency,
		RetryCount:       op.retries,
		CacheHit:         op.fromCache,
		Timestamp:        op.start,
	}
	if op.warned {
		e.Notes = append(e.Notes, "BudgetWarning: "+op.budgetMsg)
	}
	if err != nil {
		e.ErrorKind = string(errs.KindOf(err))
		e.ErrorMessage = err.Error()
		if !op.resolved {
			if d := errs.Detail(err); d != nil && d.Scope != models.ScopeUnknown {
				e.ResolutionSource = d.Scope
				e.ProviderID = d.ProviderID
				e.ModelID = d.ModelID
			}
		}
	}
	o.audit.Record(e)

	o.metrics.ObserveOperation(e.ProviderID, string(op.req.OperationType), string(outcome), latency)
	fields := []zap.Field{
		zap.String("operation_id", op.id),
		zap.String("session_id", op.req.SessionID),
		zap.String("stage", op.req.Stage),
		zap.String("provider_id", e.ProviderID),
		zap.String("model_id", e.ModelID),
		zap.String("outcome", string(outcome)),
		zap.Int64("latency_ms", latency),
		zap.Int("retry_count", op.retries),
		zap.Bool("cache_hit", op.fromCache),
	}
	switch outcome {
	case models.OutcomeCompleted, models.OutcomeCancelled:
		o.logger.Info("operation finished", fields...)
	default:
		o.logger.Warn("operation finished", append(fields, zap.Error(err))...)
	}
}

func (o *Orchestrator) respond(op *operation, outcome models.Outcome, err error) models.OperationResponse {
	resp := models.OperationResponse{
		Success:   outcome == models.OutcomeCompleted,
		Content:   op.content,
		FromCache: op.fromCache,
		Telemetry: models.Telemetry{
			OperationID:        op.id,
			ProviderID:         op.res.Descriptor.ProviderID,
			ModelID:            op.res.Descriptor.ModelID,
			TokensIn:           op.result.TokensIn,
			TokensOut:          op.result.TokensOut,
			EstimatedCost:      op.cost,
			LatencyMs:          o.now().Sub(op.start).Milliseconds(),
			RetryCount:         op.retries,
			ResolutionSource:   op.res.Source,
			FallbackReason:     op.res.FallbackReason,
			DeprecationWarning: op.res.DeprecationWarning,
			BudgetWarning:      op.warned,
			Outcome:            outcome,
		},
	}
	if err != nil {
		resp.Content = ""
		resp.ErrorMessage = err.Error()
		resp.Error = errs.Detail(err)
	}
	return resp
}

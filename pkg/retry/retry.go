// Package retry wraps provider calls with bounded, jittered exponential
// backoff. Every attempt is admitted and settled by the circuit breaker.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
)

// Policy bounds one Invoke.
type Policy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
}

// PolicyFrom converts the YAML retry section.
func PolicyFrom(c config.RetryConfig) Policy {
	return Policy{
		MaxRetries:     c.MaxRetries,
		AttemptTimeout: c.AttemptTimeout,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		Jitter:         c.Jitter,
	}
}

// WithPreset applies a per-operation preset.
func (p Policy) WithPreset(preset *models.CustomPreset) Policy {
	if preset == nil {
		return p
	}
	if preset.MaxRetries != nil && *preset.MaxRetries >= 0 {
		p.MaxRetries = *preset.MaxRetries
	}
	if preset.TimeoutSeconds > 0 {
		p.AttemptTimeout = time.Duration(preset.TimeoutSeconds) * time.Second
	}
	return p
}

// Stats describes the attempts an Invoke made.
type Stats struct {
	Attempts int
	// RetryCount counts retries that reached the provider.
	RetryCount int
}

// Call performs one attempt.
type Call func(ctx context.Context) (provider.Result, error)

// Wrapper retries calls against one breaker.
type Wrapper struct {
	breaker *breaker.Breaker
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Wrapper) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wrapper) { w.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Wrapper) { w.sleep = fn }
}

// WithRandom replaces the jitter source, which must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(w *Wrapper) { w.random = fn }
}

// New creates a Wrapper.
func New(b *breaker.Breaker, opts ...Option) *Wrapper {
	w := &Wrapper{
		breaker:  b,
		logger:   zap.NewNop(),
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
		random:   rand.Float64,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetRateLimit limits attempts against providerID to rps per second.
// Zero or negative removes the limit.
func (w *Wrapper) SetRateLimit(providerID string, rps float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rps <= 0 {
		delete(w.limiters, providerID)
		return
	}
	burst := int(math.Ceil(rps))
	w.limiters[providerID] = rate.NewLimiter(rate.Limit(rps), burst)
}

func (w *Wrapper) limiter(providerID string) *rate.Limiter {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.limiters[providerID]
}

// Invoke runs call until it succeeds, fails non-transiently, the breaker
// rejects an attempt, or MaxRetries retries are spent. A rejected attempt
// returns *errs.CircuitOpenError without calling the provider.
func (w *Wrapper) Invoke(ctx context.Context, providerID string, policy Policy, call Call) (provider.Result, Stats, error) {
	var stats Stats
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return provider.Result{}, stats, err
		}

		ticket, err := w.breaker.Allow(providerID)
		if err != nil {
			w.metrics.ObserveAttempt(providerID, "rejected")
			return provider.Result{}, stats, err
		}
		if lim := w.limiter(providerID); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				w.breaker.Release(ticket)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return provider.Result{}, stats, ctxErr
				}
				return provider.Result{}, stats, &errs.TransientProviderError{ProviderID: providerID, Err: err}
			}
		}

		if attempt > 0 {
			stats.RetryCount++
		}
		stats.Attempts++
		res, err := w.attempt(ctx, providerID, policy.AttemptTimeout, call)
		if err == nil {
			w.breaker.Success(ticket)
			w.metrics.ObserveAttempt(providerID, "ok")
			return res, stats, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			w.breaker.Release(ticket)
			w.metrics.ObserveAttempt(providerID, "cancelled")
			return provider.Result{}, stats, ctxErr
		}
		w.breaker.Record(ticket, err)
		w.metrics.ObserveAttempt(providerID, string(errs.KindOf(err)))

		if !errs.IsTransient(err) || attempt >= policy.MaxRetries {
			return provider.Result{}, stats, err
		}

		delay := w.backoff(policy, attempt)
		w.logger.Debug("retrying provider call",
			zap.String("provider_id", providerID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := w.sleep(ctx, delay); err != nil {
			return provider.Result{}, stats, err
		}
	}
}

// attempt runs call under its own timeout. An attempt that times out while
// the parent is still live is a transient provider failure.
func (w *Wrapper) attempt(ctx context.Context, providerID string, timeout time.Duration, call Call) (provider.Result, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := call(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var te *errs.TransientProviderError
		if !errors.As(err, &te) {
			err = &errs.TransientProviderError{ProviderID: providerID, Err: err}
		}
	}
	return res, err
}

// backoff returns BaseDelay*2^attempt, capped at MaxDelay and jittered.
func (w *Wrapper) backoff(p Policy, attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d += w.random()*2*delta - delta
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

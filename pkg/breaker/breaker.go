// Package breaker implements a per-provider circuit breaker.
//
// Each provider has its own entry guarded by its own mutex, so a failing
// provider never delays admission decisions for another. The only state
// edges are Closed->Open, Open->HalfOpen, HalfOpen->Closed and
// HalfOpen->Open.
package breaker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// Window resets the failure count when the previous failure is older
	// than this. Zero disables the reset.
	Window time.Duration
}

// ConfigFrom converts the YAML breaker section.
func ConfigFrom(c config.BreakerConfig) Config {
	return Config{FailureThreshold: c.FailureThreshold, Cooldown: c.Cooldown, Window: c.Window}
}

// TransitionFunc observes state changes. It is called without locks held.
type TransitionFunc func(providerID string, from, to models.CircuitState)

type entry struct {
	mu sync.Mutex

	state               models.CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	probeInFlight       bool
	// gen is unique per breaker and changes on every transition, so tickets
	// issued in an earlier state or to a reset entry cannot act on this one.
	gen uint64
}

// Ticket is issued by Allow and must be settled with exactly one of
// Success, Failure or Release.
type Ticket struct {
	providerID string
	probe      bool
	gen        uint64
}

// Probe reports whether the ticket is the single half-open probe.
func (t Ticket) Probe() bool { return t.probe }

// Breaker tracks circuit state for every provider it has seen.
type Breaker struct {
	entries sync.Map // providerID -> *entry
	cfg     atomic.Pointer[Config]
	gens    atomic.Uint64

	now          func() time.Time
	logger       *zap.Logger
	onTransition TransitionFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	b.Configure(cfg)
	return b
}

// Configure replaces thresholds. Existing entries keep their state.
func (b *Breaker) Configure(cfg Config) {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	b.cfg.Store(&cfg)
}

// Config returns the current thresholds.
func (b *Breaker) Config() Config {
	return *b.cfg.Load()
}

func (b *Breaker) entry(providerID string) *entry {
	if e, ok := b.entries.Load(providerID); ok {
		return e.(*entry)
	}
	e, _ := b.entries.LoadOrStore(providerID, &entry{state: models.CircuitClosed, gen: b.gens.Add(1)})
	return e.(*entry)
}

type transition struct {
	from, to models.CircuitState
}

// moveTo applies an edge. Callers hold e.mu.
func (e *entry) moveTo(to models.CircuitState, now time.Time, gen uint64) transition {
	t := transition{from: e.state, to: to}
	e.state = to
	e.gen = gen
	e.probeInFlight = false
	switch to {
	case models.CircuitOpen:
		e.openedAt = now
	case models.CircuitClosed:
		e.consecutiveFailures = 0
		e.openedAt = time.Time{}
	}
	return t
}

// advance performs the time-driven Open->HalfOpen edge.
func (b *Breaker) advance(e *entry, now time.Time, cooldown time.Duration) []transition {
	if e.state == models.CircuitOpen && now.Sub(e.openedAt) >= cooldown {
		return []transition{e.moveTo(models.CircuitHalfOpen, now, b.gens.Add(1))}
	}
	return nil
}

func (b *Breaker) emit(providerID string, ts []transition) {
	for _, t := range ts {
		switch t.to {
		case models.CircuitOpen:
			b.logger.Warn("circuit opened",
				zap.String("provider_id", providerID),
				zap.String("from", string(t.from)),
			)
		default:
			b.logger.Info("circuit state changed",
				zap.String("provider_id", providerID),
				zap.String("from", string(t.from)),
				zap.String("to", string(t.to)),
			)
		}
		if b.onTransition != nil {
			b.onTransition(providerID, t.from, t.to)
		}
	}
}

// Allow admits a call to providerID or fails fast with *errs.CircuitOpenError.
// In HalfOpen exactly one call, the probe, is admitted at a time.
func (b *Breaker) Allow(providerID string) (Ticket, error) {
	cfg := b.Config()
	e := b.entry(providerID)
	now := b.now()

	e.mu.Lock()
	ts := b.advance(e, now, cfg.Cooldown)
	var (
		ticket Ticket
		err    error
	)
	switch e.state {
	case models.CircuitClosed:
		ticket = Ticket{providerID: providerID, gen: e.gen}
	case models.CircuitHalfOpen:
		if e.probeInFlight {
			err = &errs.CircuitOpenError{ProviderID: providerID}
			break
		}
		e.probeInFlight = true
		ticket = Ticket{providerID: providerID, probe: true, gen: e.gen}
	default:
		err = &errs.CircuitOpenError{ProviderID: providerID, RetryAfter: cfg.Cooldown - now.Sub(e.openedAt)}
	}
	e.mu.Unlock()

	b.emit(providerID, ts)
	return ticket, err
}

// Success records a successful call. A successful probe closes the circuit.
func (b *Breaker) Success(t Ticket) {
	e := b.entry(t.providerID)
	var ts []transition

	e.mu.Lock()
	if t.gen == e.gen {
		switch {
		case t.probe && e.state == models.CircuitHalfOpen:
			ts = append(ts, e.moveTo(models.CircuitClosed, b.now(), b.gens.Add(1)))
		case e.state == models.CircuitClosed:
			e.consecutiveFailures = 0
		}
	}
	e.mu.Unlock()

	b.emit(t.providerID, ts)
}

// Failure records a failed call. Threshold breaches open the circuit; a
// failed probe reopens it and restarts the cooldown.
func (b *Breaker) Failure(t Ticket) {
	cfg := b.Config()
	e := b.entry(t.providerID)
	now := b.now()
	var ts []transition

	e.mu.Lock()
	if t.gen == e.gen {
		switch {
		case t.probe && e.state == models.CircuitHalfOpen:
			e.consecutiveFailures++
			e.lastFailureAt = now
			ts = append(ts, e.moveTo(models.CircuitOpen, now, b.gens.Add(1)))
		case e.state == models.CircuitClosed:
			if cfg.Window > 0 && e.consecutiveFailures > 0 && now.Sub(e.lastFailureAt) > cfg.Window {
				e.consecutiveFailures = 0
			}
			e.consecutiveFailures++
			e.lastFailureAt = now
			if e.consecutiveFailures >= cfg.FailureThreshold {
				ts = append(ts, e.moveTo(models.CircuitOpen, now, b.gens.Add(1)))
			}
		}
	}
	e.mu.Unlock()

	b.emit(t.providerID, ts)
}

// Release settles a ticket without a health verdict, e.g. when the caller
// cancelled or the request was malformed. A released probe lets the next
// caller probe.
func (b *Breaker) Release(t Ticket) {
	if !t.probe {
		return
	}
	e := b.entry(t.providerID)
	e.mu.Lock()
	if t.gen == e.gen && e.state == models.CircuitHalfOpen {
		e.probeInFlight = false
	}
	e.mu.Unlock()
}

// Record settles t according to err.
func (b *Breaker) Record(t Ticket, err error) {
	switch {
	case err == nil:
		b.Success(t)
	case errs.CountsAsFailure(err):
		b.Failure(t)
	default:
		b.Release(t)
	}
}

// State returns the current state of providerID.
func (b *Breaker) State(providerID string) models.CircuitState {
	return b.Snapshot(providerID).State
}

// Available reports whether a call to providerID would currently be admitted,
// without consuming the half-open probe.
func (b *Breaker) Available(providerID string) bool {
	v, ok := b.entries.Load(providerID)
	if !ok {
		return true
	}
	e := v.(*entry)
	cooldown := b.Config().Cooldown

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case models.CircuitClosed:
		return true
	case models.CircuitHalfOpen:
		return !e.probeInFlight
	default:
		return b.now().Sub(e.openedAt) >= cooldown
	}
}

// RetryAfter returns how long the open circuit of providerID has left of
// its cooldown, or zero when it is not open.
func (b *Breaker) RetryAfter(providerID string) time.Duration {
	s := b.Snapshot(providerID)
	if s.State != models.CircuitOpen {
		return 0
	}
	return max(b.Config().Cooldown-b.now().Sub(s.OpenedAt), 0)
}

// Snapshot copies the entry of providerID, applying any due cooldown edge.
func (b *Breaker) Snapshot(providerID string) models.CircuitSnapshot {
	v, ok := b.entries.Load(providerID)
	if !ok {
		return models.CircuitSnapshot{ProviderID: providerID, State: models.CircuitClosed}
	}
	e := v.(*entry)

	e.mu.Lock()
	ts := b.advance(e, b.now(), b.Config().Cooldown)
	s := models.CircuitSnapshot{
		ProviderID:            providerID,
		State:                 e.state,
		ConsecutiveFailures:   e.consecutiveFailures,
		LastFailureAt:         e.lastFailureAt,
		OpenedAt:              e.openedAt,
		HalfOpenProbeInFlight: e.probeInFlight,
	}
	e.mu.Unlock()

	b.emit(providerID, ts)
	return s
}

// Snapshots returns every known entry sorted by provider id.
func (b *Breaker) Snapshots() []models.CircuitSnapshot {
	var ids []string
	b.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	out := make([]models.CircuitSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Snapshot(id))
	}
	return out
}

// Reset discards the entry of providerID. The next call starts from a fresh
// Closed entry; outstanding tickets of the discarded entry are ignored.
func (b *Breaker) Reset(providerID string) {
	b.entries.Delete(providerID)
	b.logger.Info("circuit reset", zap.String("provider_id", providerID))
}

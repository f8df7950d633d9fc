package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, hook TransitionFunc) *Breaker {
	return New(Config{FailureThreshold: 5, Cooldown: 30 * time.Second, Window: time.Minute},
		WithClock(clock.Now), WithTransitionHook(hook))
}

// call runs fn through the breaker the way the retry wrapper does.
func call(b *Breaker, provider string, fn func() error) error {
	t, err := b.Allow(provider)
	if err != nil {
		return err
	}
	err = fn()
	b.Record(t, err)
	return err
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)

	var invocations int
	failing := func() error {
		invocations++
		return &errs.TransientProviderError{ProviderID: "x", StatusCode: 503, Err: errors.New("unavailable")}
	}

	for i := 0; i < 4; i++ {
		_ = call(b, "x", failing)
		assert.Equal(t, models.CircuitClosed, b.State("x"))
	}
	_ = call(b, "x", failing)
	assert.Equal(t, models.CircuitOpen, b.State("x"))
	assert.Equal(t, 5, invocations)

	err := call(b, "x", failing)
	var coe *errs.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "x", coe.ProviderID)
	assert.Equal(t, 30*time.Second, coe.RetryAfter)
	assert.Equal(t, 5, invocations, "open circuit must not reach the provider")
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		tk, err := b.Allow("x")
		require.NoError(t, err)
		b.Failure(tk)
	}

	clock.Advance(29 * time.Second)
	_, err := b.Allow("x")
	require.Error(t, err)
	assert.False(t, b.Available("x"))

	clock.Advance(time.Second)
	assert.True(t, b.Available("x"))

	probe, err := b.Allow("x")
	require.NoError(t, err)
	assert.True(t, probe.Probe())
	assert.Equal(t, models.CircuitHalfOpen, b.State("x"))

	_, err = b.Allow("x")
	assert.Error(t, err, "second call during probe must be rejected")
	assert.False(t, b.Available("x"))

	b.Success(probe)
	snap := b.Snapshot("x")
	assert.Equal(t, models.CircuitClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.HalfOpenProbeInFlight)
}

func TestProbeFailureReopensAndRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	clock.Advance(30 * time.Second)

	probe, err := b.Allow("x")
	require.NoError(t, err)
	b.Failure(probe)
	assert.Equal(t, models.CircuitOpen, b.State("x"))

	clock.Advance(29 * time.Second)
	_, err = b.Allow("x")
	assert.Error(t, err)

	clock.Advance(time.Second)
	_, err = b.Allow("x")
	assert.NoError(t, err)
}

func TestReleasedProbeLetsNextCallerProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	clock.Advance(time.Minute)

	probe, err := b.Allow("x")
	require.NoError(t, err)
	b.Record(probe, context.Canceled)
	assert.Equal(t, models.CircuitHalfOpen, b.State("x"))

	next, err := b.Allow("x")
	require.NoError(t, err)
	assert.True(t, next.Probe())
}

func TestValidationErrorsDoNotCount(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	for i := 0; i < 10; i++ {
		_ = call(b, "x", func() error { return errs.Validation("payload", "malformed") })
	}
	assert.Equal(t, models.CircuitClosed, b.State("x"))
	assert.Equal(t, 0, b.Snapshot("x").ConsecutiveFailures)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	fail := func() error { return &errs.ProviderError{ProviderID: "x", StatusCode: 500, Err: errors.New("x")} }
	for i := 0; i < 4; i++ {
		_ = call(b, "x", fail)
	}
	_ = call(b, "x", func() error { return nil })
	_ = call(b, "x", fail)
	assert.Equal(t, models.CircuitClosed, b.State("x"))
	assert.Equal(t, 1, b.Snapshot("x").ConsecutiveFailures)
}

func TestWindowExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 4; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	clock.Advance(2 * time.Minute)
	tk, _ := b.Allow("x")
	b.Failure(tk)
	assert.Equal(t, models.CircuitClosed, b.State("x"))
	assert.Equal(t, 1, b.Snapshot("x").ConsecutiveFailures)
}

func TestOnlyPermittedEdges(t *testing.T) {
	clock := newFakeClock()
	allowed := map[[2]models.CircuitState]bool{
		{models.CircuitClosed, models.CircuitOpen}:     true,
		{models.CircuitOpen, models.CircuitHalfOpen}:   true,
		{models.CircuitHalfOpen, models.CircuitClosed}: true,
		{models.CircuitHalfOpen, models.CircuitOpen}:   true,
	}
	var bad atomic.Int32
	b := newTestBreaker(clock, func(_ string, from, to models.CircuitState) {
		if !allowed[[2]models.CircuitState{from, to}] {
			bad.Add(1)
		}
	})

	// Stragglers admitted while closed settle after the circuit opened.
	var stragglers []Ticket
	for i := 0; i < 3; i++ {
		tk, _ := b.Allow("x")
		stragglers = append(stragglers, tk)
	}
	for i := 0; i < 5; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	b.Success(stragglers[0])
	b.Failure(stragglers[1])
	assert.Equal(t, models.CircuitOpen, b.State("x"))

	clock.Advance(time.Minute)
	probe, err := b.Allow("x")
	require.NoError(t, err)
	b.Success(stragglers[2])
	assert.Equal(t, models.CircuitHalfOpen, b.State("x"), "stale ticket must not close the circuit")
	b.Success(probe)

	assert.Zero(t, bad.Load())
}

func TestConcurrentProvidersAreIndependent(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)

	var wg sync.WaitGroup
	for _, p := range []string{"a", "b"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tk, err := b.Allow(p)
				if err != nil {
					continue
				}
				if p == "a" {
					b.Failure(tk)
				} else {
					b.Success(tk)
				}
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, models.CircuitOpen, b.State("a"))
	assert.Equal(t, models.CircuitClosed, b.State("b"))
	assert.Len(t, b.Snapshots(), 2)
}

func TestConcurrentHalfOpenAdmitsOne(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	for i := 0; i < 5; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Allow("x"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestResetAndConfigure(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	stale, _ := b.Allow("x")
	for i := 0; i < 5; i++ {
		tk, _ := b.Allow("x")
		b.Failure(tk)
	}
	b.Reset("x")
	assert.Equal(t, models.CircuitClosed, b.State("x"))
	b.Failure(stale)
	assert.Equal(t, 0, b.Snapshot("x").ConsecutiveFailures)

	b.Configure(Config{FailureThreshold: 1, Cooldown: time.Second})
	tk, _ := b.Allow("x")
	b.Failure(tk)
	assert.Equal(t, models.CircuitOpen, b.State("x"))
}

func TestRetryAfterCountsDownCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	assert.Zero(t, b.RetryAfter("x"))

	for i := 0; i < 5; i++ {
		_ = call(b, "x", func() error {
			return &errs.TransientProviderError{ProviderID: "x", StatusCode: 503, Err: errors.New("unavailable")}
		})
	}
	assert.Equal(t, 30*time.Second, b.RetryAfter("x"))

	clock.Advance(20 * time.Second)
	assert.Equal(t, 10*time.Second, b.RetryAfter("x"))

	clock.Advance(10 * time.Second)
	assert.Zero(t, b.RetryAfter("x"), "half-open circuits have no wait")
}

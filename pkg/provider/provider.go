// Package provider defines the boundary every generation backend implements.
package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Request is what a client receives for one attempt.
type Request struct {
	OperationType models.OperationType
	Stage         string
	Prompt        string
	Payload       json.RawMessage
	MaxTokens     int64
}

// Result is a successful provider response. Cost may be zero when the
// provider does not report one; the orchestrator then prices the tokens.
type Result struct {
	Content   string
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64(len(s)+3) / 4
}

// Client invokes one provider. Implementations must honor ctx cancellation
// and classify failures with the errs package.
type Client interface {
	Invoke(ctx context.Context, modelID string, req Request) (Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, modelID string, req Request) (Result, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, modelID string, req Request) (Result, error) {
	return f(ctx, modelID, req)
}

// Prober is implemented by clients that support a live capability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Set maps provider ids to clients and remembers the last probe verdicts.
type Set struct {
	mu      sync.RWMutex
	clients map[string]Client
	health  map[string]bool
	logger  *zap.Logger
}

// NewSet creates an empty Set.
func NewSet(logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		clients: make(map[string]Client),
		health:  make(map[string]bool),
		logger:  logger,
	}
}

// Register adds or replaces the client for providerID.
func (s *Set) Register(providerID string, c Client) {
	s.mu.Lock()
	s.clients[providerID] = c
	delete(s.health, providerID)
	s.mu.Unlock()
}

// Replace swaps the whole client table, e.g. after a config reload.
func (s *Set) Replace(clients map[string]Client) {
	s.mu.Lock()
	s.clients = clients
	s.health = make(map[string]bool)
	s.mu.Unlock()
}

// Get returns the client for providerID.
func (s *Set) Get(providerID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[providerID]
	return c, ok
}

// Healthy reports the last probe verdict. Unprobed providers are healthy.
func (s *Set) Healthy(providerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, probed := s.health[providerID]
	return !probed || ok
}

// ProbeAll probes every client that implements Prober.
func (s *Set) ProbeAll(ctx context.Context) {
	s.mu.RLock()
	probers := make(map[string]Prober)
	for id, c := range s.clients {
		if p, ok := c.(Prober); ok {
			probers[id] = p
		}
	}
	s.mu.RUnlock()

	results := make(map[string]bool, len(probers))
	for id, p := range probers {
		err := p.Probe(ctx)
		if err != nil {
			s.logger.Warn("provider probe failed", zap.String("provider_id", id), zap.Error(err))
		}
		results[id] = err == nil
	}

	s.mu.Lock()
	for id, ok := range results {
		if _, still := s.clients[id]; still {
			s.health[id] = ok
		}
	}
	s.mu.Unlock()
}

// RunProbes calls ProbeAll every interval until ctx is done.
func (s *Set) RunProbes(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeAll(ctx)
		}
	}
}

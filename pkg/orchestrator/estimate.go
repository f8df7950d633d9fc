package orchestrator

import (
	"sync"

	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
)

// usageHistory keeps the running mean of what each model actually
// consumed per live dispatch. Keys are descriptor keys, so its size is
// bounded by the catalog.
type usageHistory struct {
	mu    sync.Mutex
	means map[string]*usageMean
}

type usageMean struct {
	n         int64
	tokensOut float64
	cost      float64
}

func (h *usageHistory) observe(key string, tokensOut int64, cost float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.means == nil {
		h.means = make(map[string]*usageMean)
	}
	m, ok := h.means[key]
	if !ok {
		m = &usageMean{}
		h.means[key] = m
	}
	m.n++
	m.tokensOut += (float64(tokensOut) - m.tokensOut) / float64(m.n)
	m.cost += (cost - m.cost) / float64(m.n)
}

func (h *usageHistory) mean(key string) (int64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.means[key]
	if !ok {
		return 0, 0
	}
	return int64(m.tokensOut + 0.5), m.cost
}

// estimate is the amount reserved before dispatching req to d.
//
// A request without an expected output is charged the larger of the
// configured default and the model's mean output, and at least the
// model's mean cost. A stated expectation is priced as given unless the
// model has no pricing.
func (o *Orchestrator) estimate(req models.OperationRequest, d models.ProviderDescriptor, s *Settings) budget.Amount {
	in := provider.EstimateTokens(req.Prompt) + provider.EstimateTokens(string(req.Payload))
	meanOut, meanCost := o.history.mean(d.Key())

	out := req.ExpectedTokensOut
	if out == 0 {
		out = max(s.DefaultTokensOut, meanOut)
	}
	cost := d.Pricing.Cost(in, out)
	if req.ExpectedTokensOut == 0 || cost == 0 {
		cost = max(cost, meanCost)
	}
	return budget.Amount{Tokens: in + out, Cost: cost}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache/memory"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/orchestrator"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
	"github.com/itsacoffee/aura-orchestrator/pkg/registry"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
	"github.com/itsacoffee/aura-orchestrator/pkg/retry"
	"github.com/itsacoffee/aura-orchestrator/pkg/selection"
)

const adminKey = "s3cret"

type testEnv struct {
	srv     *Server
	breaker *breaker.Breaker
	budget  *budget.Manager
	audit   *audit.Log
	store   *selection.MemoryStore
	calls   int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	reg, err := registry.New(
		models.ProviderDescriptor{ProviderID: "openai", Family: models.FamilyLLM, ModelID: "gpt-4o", Priority: 1},
		models.ProviderDescriptor{ProviderID: "anthropic", Family: models.FamilyLLM, ModelID: "claude", Priority: 2},
	)
	require.NoError(t, err)

	m := metrics.New()
	env.store = selection.NewMemoryStore()
	env.breaker = breaker.New(breaker.Config{FailureThreshold: 5, Cooldown: time.Minute})
	env.budget = budget.NewManager(budget.NewMemoryStore(), budget.Settings{SoftThreshold: 0.8}, nil, m)
	env.audit = audit.New(audit.Options{Capacity: 100, Metrics: m})
	t.Cleanup(func() { _ = env.audit.Close() })

	mem, err := memory.New(10, 0)
	require.NoError(t, err)
	c := cache.New(mem, cache.Options{DefaultTTL: time.Hour, Metrics: m})

	clients := provider.NewSet(nil)
	echo := provider.ClientFunc(func(_ context.Context, modelID string, req provider.Request) (provider.Result, error) {
		env.calls++
		return provider.Result{Content: modelID + ": " + req.Prompt, TokensIn: 10, TokensOut: 5}, nil
	})
	clients.Register("openai", echo)
	clients.Register("anthropic", echo)

	res := resolver.New(reg, env.store, resolver.WithBreaker(env.breaker), resolver.WithAudit(env.audit), resolver.WithMetrics(m))
	orch := orchestrator.New(orchestrator.Deps{
		Resolver: res,
		Budget:   env.budget,
		Cache:    c,
		Retry:    retry.New(env.breaker, retry.WithMetrics(m)),
		Clients:  clients,
		Audit:    env.audit,
		Metrics:  m,
	}, orchestrator.Settings{})

	env.srv = New(Deps{
		Orchestrator: orch,
		Resolver:     res,
		Breaker:      env.breaker,
		Budget:       env.budget,
		Cache:        c,
		Audit:        env.audit,
		Clients:      clients,
		Metrics:      m,
		AdminAPIKey:  adminKey,
		AllowOrigins: []string{"http://localhost:5173"},
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", adminKey)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"admin header", "X-Admin-Key", adminKey, http.StatusOK},
		{"bearer", "Authorization", "Bearer " + adminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.srv.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestExecuteOperation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{
		Scope: models.ScopeGlobalDefault, ProviderID: "anthropic",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := models.OperationRequest{
		SessionID: "s1", Stage: "script", OperationType: models.OpPlanning,
		Prompt: "hello", EnableCache: true,
	}
	rec = env.do(t, http.MethodPost, "/v1/operations", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[models.OperationResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "claude: hello", resp.Content)
	assert.Equal(t, resp.Telemetry.OperationID, rec.Header().Get("X-Operation-ID"))

	rec = env.do(t, http.MethodPost, "/v1/operations", req)
	assert.True(t, decode[models.OperationResponse](t, rec).FromCache)
	assert.Equal(t, 1, env.calls)

	rec = env.do(t, http.MethodGet, "/v1/audit?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Count int                 `json:"count"`
		Data  []models.AuditEntry `json:"data"`
	}](t, rec)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, models.ScopeGlobalDefault, page.Data[0].ResolutionSource)

	rec = env.do(t, http.MethodGet, "/v1/audit/"+resp.Telemetry.OperationID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/cache/stats", nil)
	stats := decode[models.CacheStats](t, rec)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestExecuteStatusCodes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/operations", models.OperationRequest{
		SessionID: "s1", Stage: "script", OperationType: models.OpPlanning,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/operations", models.OperationRequest{
		SessionID: "s1", Stage: "script", OperationType: models.OpPlanning, Prompt: "x",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[models.OperationResponse](t, rec)
	assert.Equal(t, models.OutcomeBlocked, resp.Telemetry.Outcome)
	assert.Equal(t, string(errs.KindNoModelConfigured), resp.Error.Kind)
	assert.Equal(t, "openai/gpt-4o", resp.Error.Recommended)

	rec = env.do(t, http.MethodPost, "/v1/operations", strings.Repeat("{", 3))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnpinnedOpenCircuitIsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{Scope: models.ScopeGlobalDefault, ProviderID: "openai"})
	for i := 0; i < 5; i++ {
		tk, err := env.breaker.Allow("openai")
		require.NoError(t, err)
		env.breaker.Failure(tk)
	}

	rec := env.do(t, http.MethodPost, "/v1/operations", models.OperationRequest{
		SessionID: "s1", Stage: "script", OperationType: models.OpPlanning, Prompt: "x",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[models.OperationResponse](t, rec)
	assert.Equal(t, models.OutcomeBlocked, resp.Telemetry.Outcome)
	assert.Equal(t, string(errs.KindCircuitOpen), resp.Error.Kind)
	assert.True(t, resp.Error.Retryable)
	assert.Zero(t, env.calls)
}

func TestSessionHeader(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{Scope: models.ScopeGlobalDefault, ProviderID: "openai"})

	body, _ := json.Marshal(models.OperationRequest{Stage: "script", OperationType: models.OpPlanning, Prompt: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/operations", bytes.NewReader(body))
	req.Header.Set("X-Admin-Key", adminKey)
	req.Header.Set(SessionHeader, "from-header")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Len(t, env.audit.QueryBySession("from-header"), 1)
}

func TestSelectionsCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{
		Scope: models.ScopeStagePinned, Stage: "tts", ProviderID: "ghost",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{
		Scope: models.ScopeRunOverride, ProviderID: "openai",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "run scopes need a session")

	rec = env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{
		Scope: models.ScopeStagePinned, Stage: "script", ProviderID: "openai", ModelID: "gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.ModelSelection](t, rec).IsPinned)

	rec = env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{
		Scope: models.ScopeRunOverride, SessionID: "s1", ProviderID: "anthropic",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/selections?sessionId=s1", nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = env.do(t, http.MethodGet, "/v1/resolve?sessionId=s1&stage=script", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[struct {
		ResolutionID string              `json:"resolutionId"`
		Resolution   resolver.Resolution `json:"resolution"`
	}](t, rec)
	assert.Equal(t, models.ScopeRunOverride, got.Resolution.Source)
	e, ok := env.audit.Get(got.ResolutionID)
	require.True(t, ok)
	assert.Equal(t, models.OutcomeResolved, e.Outcome)

	rec = env.do(t, http.MethodDelete, "/v1/selections/session/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/selections?scope=stage_pinned&stage=script", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/selections?scope=stage_pinned&stage=script", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/selections?scope=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoFallbackToggle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/resolve?stage=script", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/settings/auto-fallback", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/resolve?stage=script", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/settings/auto-fallback", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakersAndProviders(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		tk, err := env.breaker.Allow("openai")
		require.NoError(t, err)
		env.breaker.Failure(tk)
	}

	rec := env.do(t, http.MethodGet, "/v1/providers", nil)
	providers := decode[struct {
		Data []providerView `json:"data"`
	}](t, rec)
	require.Len(t, providers.Data, 2)
	assert.Equal(t, models.CircuitOpen, providers.Data[0].Circuit)

	rec = env.do(t, http.MethodGet, "/v1/breakers", nil)
	snaps := decode[struct {
		Data []models.CircuitSnapshot `json:"data"`
	}](t, rec)
	require.Len(t, snaps.Data, 1)
	assert.Equal(t, 5, snaps.Data[0].ConsecutiveFailures)

	rec = env.do(t, http.MethodPost, "/v1/breakers/openai/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CircuitClosed, env.breaker.State("openai"))

	rec = env.do(t, http.MethodPost, "/v1/breakers/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBudgetEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d, err := env.budget.CheckAndReserve(ctx, budget.Request{SessionID: "s1", Estimate: budget.Amount{Tokens: 40}})
	require.NoError(t, err)
	_, err = env.budget.Commit(ctx, d.Reservation, budget.Amount{Tokens: 30, Cost: 0.5})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/budget/s1", nil)
	u := decode[models.SessionUsage](t, rec)
	assert.Equal(t, int64(30), u.TokensUsed)
	assert.InDelta(t, 0.5, u.CostUsed, 1e-9)

	rec = env.do(t, http.MethodGet, "/v1/budget", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/budget/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	u, err = env.budget.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/v1/selections", models.ModelSelection{Scope: models.ScopeGlobalDefault, ProviderID: "openai"})
	env.do(t, http.MethodPost, "/v1/operations", models.OperationRequest{
		SessionID: "s1", Stage: "script", OperationType: models.OpPlanning, Prompt: "hi", EnableCache: true,
	})

	rec := env.do(t, http.MethodDelete, "/v1/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]float64](t, rec)["deleted"])
}

func TestAuditSinkRoutesWithoutSink(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/audit?source=sink", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/stats/audit", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/audit?limit=-1", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/operations", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

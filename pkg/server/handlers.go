package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
	"github.com/itsacoffee/aura-orchestrator/pkg/selection"
)

// statusClientClosed is reported when the caller went away mid-operation.
const statusClientClosed = 499

// statusFor maps an error kind to the HTTP status of its response.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case "":
		return http.StatusOK
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindModelUnavailable, errs.KindNoModelConfigured:
		return http.StatusConflict
	case errs.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case errs.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case errs.KindTransient, errs.KindProvider:
		return http.StatusBadGateway
	case errs.KindDeadline:
		return http.StatusGatewayTimeout
	case errs.KindCancelled:
		return statusClientClosed
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errs.Detail(err)})
}

func (s *Server) execute(c *gin.Context) {
	var req models.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errs.Validation("", "malformed body: %v", err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader(SessionHeader)
	}

	resp, err := s.d.Orchestrator.Execute(c.Request.Context(), req)
	c.Header("X-Operation-ID", resp.Telemetry.OperationID)
	c.JSON(statusFor(err), resp)
}

func (s *Server) queryAudit(c *gin.Context) {
	opts := models.AuditQueryOpts{
		SessionID:   c.Query("sessionId"),
		JobID:       c.Query("jobId"),
		OperationID: c.Query("operationId"),
		ProviderID:  c.Query("providerId"),
		Outcome:     models.Outcome(c.Query("outcome")),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			abortWith(c, errs.Validation("since", "use RFC3339"))
			return
		}
		opts.Since = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abortWith(c, errs.Validation("limit", "must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	if c.Query("source") == "sink" {
		sink := s.d.Audit.Sink()
		if sink == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no persistent audit sink configured"})
			return
		}
		entries, err := sink.Query(c.Request.Context(), opts)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(entries), "data": entries})
		return
	}

	entries := s.d.Audit.Query(opts)
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "data": entries})
}

func (s *Server) getAudit(c *gin.Context) {
	e, ok := s.d.Audit.Get(c.Param("operationId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit entry not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) auditStats(c *gin.Context) {
	sink := s.d.Audit.Sink()
	if sink == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no persistent audit sink configured"})
		return
	}
	stats, err := sink.Stats(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) resolve(c *gin.Context) {
	q := resolver.Query{
		SessionID: c.Query("sessionId"),
		JobID:     c.Query("jobId"),
		Stage:     c.Query("stage"),
		Family:    models.ProviderFamily(c.Query("family")),
	}
	if q.SessionID == "" {
		q.SessionID = c.GetHeader(SessionHeader)
	}
	if v := c.Query("allowAutoFallback"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			abortWith(c, errs.Validation("allowAutoFallback", "must be a boolean"))
			return
		}
		q.AllowAutoFallback = &allow
	}

	id := s.newID()
	res, err := s.d.Resolver.ResolveAndRecord(c.Request.Context(), id, q)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolutionId": id, "resolution": res})
}

func (s *Server) listSelections(c *gin.Context) {
	sels, err := s.d.Resolver.Store().List(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sels), "data": sels})
}

func (s *Server) putSelection(c *gin.Context) {
	var sel models.ModelSelection
	if err := c.ShouldBindJSON(&sel); err != nil {
		abortWith(c, errs.Validation("", "malformed body: %v", err))
		return
	}
	sel, err := selection.Prepare(sel, time.Now())
	if err != nil {
		abortWith(c, err)
		return
	}
	reg := s.d.Resolver.Registry()
	if !reg.HasProvider(sel.ProviderID) {
		abortWith(c, errs.Validation("provider_id", "unknown provider %q", sel.ProviderID))
		return
	}
	if sel.ModelID != "" {
		if _, ok := reg.Get(sel.ProviderID, sel.ModelID); !ok {
			abortWith(c, errs.Validation("model_id", "unknown model %q for provider %q", sel.ModelID, sel.ProviderID))
			return
		}
	}
	if err := s.d.Resolver.Store().Put(c.Request.Context(), sel); err != nil {
		abortWith(c, err)
		return
	}
	s.logger.Info("model selection stored",
		zap.String("scope", sel.Scope.String()),
		zap.String("session_id", sel.SessionID),
		zap.String("stage", sel.Stage),
		zap.String("provider_id", sel.ProviderID),
		zap.String("model_id", sel.ModelID),
	)
	c.JSON(http.StatusOK, sel)
}

func (s *Server) deleteSelection(c *gin.Context) {
	scope, err := models.ParseScopeLevel(c.Query("scope"))
	if err != nil {
		abortWith(c, errs.Validation("scope", "%v", err))
		return
	}
	key := models.ModelSelection{
		Scope:     scope,
		SessionID: c.Query("sessionId"),
		Stage:     c.Query("stage"),
		Family:    models.ProviderFamily(c.Query("family")),
	}.Normalize().Key()

	removed, err := s.d.Resolver.Store().Delete(c.Request.Context(), key)
	if err != nil {
		abortWith(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "selection not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) clearSessionSelections(c *gin.Context) {
	n, err := s.d.Resolver.Store().ClearSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) setAutoFallback(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		abortWith(c, errs.Validation("enabled", "boolean is required"))
		return
	}
	s.d.Resolver.SetAutoFallback(*body.Enabled)
	s.logger.Info("automatic fallback updated", zap.Bool("enabled", *body.Enabled))
	c.JSON(http.StatusOK, gin.H{"enabled": *body.Enabled})
}

type providerView struct {
	models.ProviderDescriptor
	Healthy bool                `json:"healthy"`
	Circuit models.CircuitState `json:"circuit"`
}

func (s *Server) providers(c *gin.Context) {
	descs := s.d.Resolver.Registry().List()
	if f := c.Query("family"); f != "" {
		descs = s.d.Resolver.Registry().ByFamily(models.ProviderFamily(f))
	}
	out := make([]providerView, 0, len(descs))
	for _, d := range descs {
		v := providerView{ProviderDescriptor: d, Healthy: true, Circuit: models.CircuitClosed}
		if s.d.Clients != nil {
			v.Healthy = s.d.Clients.Healthy(d.ProviderID)
		}
		if s.d.Breaker != nil {
			v.Circuit = s.d.Breaker.State(d.ProviderID)
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "data": out})
}

func (s *Server) breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.d.Breaker.Snapshots()})
}

func (s *Server) resetBreaker(c *gin.Context) {
	id := c.Param("provider")
	if !s.d.Resolver.Registry().HasProvider(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	s.d.Breaker.Reset(id)
	s.logger.Info("circuit reset", zap.String("provider_id", id))
	c.JSON(http.StatusOK, s.d.Breaker.Snapshot(id))
}

func (s *Server) budgetSessions(c *gin.Context) {
	sessions, err := s.d.Budget.Sessions(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sessions), "data": sessions})
}

func (s *Server) budgetUsage(c *gin.Context) {
	u, err := s.d.Budget.Usage(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) clearBudget(c *gin.Context) {
	if err := s.d.Budget.ClearSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cacheStats(c *gin.Context) {
	if s.d.Cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache disabled"})
		return
	}
	stats, err := s.d.Cache.Stats(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) clearCache(c *gin.Context) {
	if s.d.Cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache disabled"})
		return
	}
	expiredOnly, _ := strconv.ParseBool(c.Query("expiredOnly"))
	n, err := s.d.Cache.Clear(c.Request.Context(), expiredOnly)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

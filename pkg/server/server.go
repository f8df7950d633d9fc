// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/orchestrator"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
)

// SessionHeader names the session of requests that omit sessionId.
const SessionHeader = "X-Aura-Session"

// Deps are the components served. Cache and Metrics may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Resolver     *resolver.Resolver
	Breaker      *breaker.Breaker
	Budget       *budget.Manager
	Cache        *cache.Cache
	Audit        *audit.Log
	Clients      *provider.Set
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	AdminAPIKey  string
	// AllowOrigins lists CORS origins; empty allows none.
	AllowOrigins []string
}

// Server is the orchestrator HTTP API.
type Server struct {
	d      Deps
	logger *zap.Logger
	engine *gin.Engine
	newID  func() string
}

// New creates a Server with all routes registered.
func New(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{d: d, logger: d.Logger, newID: uuid.NewString}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog(s.logger))
	if len(d.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  d.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", SessionHeader},
			ExposeHeaders: []string{"X-Operation-ID"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/health", s.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	if d.AdminAPIKey != "" {
		v1.Use(adminAuth(d.AdminAPIKey))
	}
	v1.POST("/operations", s.execute)
	v1.GET("/audit", s.queryAudit)
	v1.GET("/stats/audit", s.auditStats)
	v1.GET("/audit/:operationId", s.getAudit)
	v1.GET("/resolve", s.resolve)
	v1.GET("/selections", s.listSelections)
	v1.PUT("/selections", s.putSelection)
	v1.DELETE("/selections", s.deleteSelection)
	v1.DELETE("/selections/session/:sessionId", s.clearSessionSelections)
	v1.PUT("/settings/auto-fallback", s.setAutoFallback)
	v1.GET("/providers", s.providers)
	v1.GET("/breakers", s.breakers)
	v1.POST("/breakers/:provider/reset", s.resetBreaker)
	v1.GET("/budget", s.budgetSessions)
	v1.GET("/budget/:sessionId", s.budgetUsage)
	v1.DELETE("/budget/:sessionId", s.clearBudget)
	v1.GET("/cache/stats", s.cacheStats)
	v1.DELETE("/cache", s.clearCache)

	s.engine = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("orchestrator listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// adminAuth validates X-Admin-Key, falling back to a bearer token.
func adminAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.GetHeader("Authorization")
			if len(key) > 7 && key[:7] == "Bearer " {
				key = key[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: invalid or missing admin API key"})
			return
		}
		c.Next()
	}
}

// accessLog logs every request; 4xx and 5xx at Warn.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= 400 {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "aura-orchestrator",
		"providers": len(s.d.Resolver.Registry().Providers()),
	})
}

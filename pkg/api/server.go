// Package api serves the read-only HTTP dashboard: a status+list JSON
// payload meant to be polled every few seconds, a minimal HTML view, a
// Prometheus scrape endpoint, and a liveness check. It is loopback-bound
// and carries no authentication.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"queuectl/pkg/api/middleware"
	"queuectl/pkg/jobmanager"
	tracing "queuectl/pkg/observability"
)

// Server hosts the read-only dashboard.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *jobmanager.Manager
	log        *zap.Logger
}

// Config holds dashboard server configuration.
type Config struct {
	Addr    string
	Manager *jobmanager.Manager
	Log     *zap.Logger
	Tracing *tracing.Provider // may be nil when tracing is disabled
}

// NewServer builds the dashboard's gin.Engine: recovery, request-id,
// security headers, metrics, tracing (when enabled), rate limiting, and
// a body-size cap, in front of a read-only status/jobs/logs surface.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	if cfg.Tracing != nil {
		router.Use(middleware.TracingMiddleware("queuectl-dashboard"))
	}
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router:  router,
		manager: cfg.Manager,
		log:     cfg.Log,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start blocks serving HTTP until the listener is closed.
func (s *Server) Start() error {
	s.log.Info("starting dashboard", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start dashboard: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down dashboard")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/api/status", s.getStatus)
	s.router.GET("/api/jobs", s.listJobs)
	s.router.GET("/api/jobs/:id", s.getJob)
	s.router.GET("/api/jobs/:id/logs", s.getLogs)
	s.router.GET("/api/dlq", s.listDLQ)

	s.router.GET("/", s.dashboardPage)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

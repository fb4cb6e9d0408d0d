// Package api serves the judge over HTTP.
//
// Routes under /v1 submit outcomes and claims, verify and export proofs and
// report coordinator statistics. The health endpoints (/healthz, /readyz,
// /health) and the metrics endpoint are served unauthenticated.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/health"
	"github.com/exploopio/judge/pkg/judge"
	"github.com/exploopio/judge/pkg/metrics"
	"github.com/exploopio/judge/pkg/proof"
)

// DefaultMaxBatch bounds the number of ids in one batch verification.
const DefaultMaxBatch = 100

// Config configures a Server.
type Config struct {
	Coordinator *judge.Coordinator
	Verifier    *proof.Verifier

	// Health serves the health endpoints when set.
	Health *health.Handler

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	Metrics *metrics.Recorder
	Logger  core.Logger

	// APIKey, when set, is required as a Bearer token on /v1 routes.
	APIKey string

	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBatch bounds POST /v1/proofs/verify-batch. Default: 100
	MaxBatch int
}

// Server is the judge HTTP API.
type Server struct {
	cfg    Config
	router *gin.Engine
	http   *http.Server
	logger core.Logger
}

// New creates a server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("api: coordinator is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: verifier is required")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(core.OrNop(cfg.Logger)), observe(cfg.Metrics))

	s := &Server{
		cfg:    cfg,
		router: router,
		logger: core.OrNop(cfg.Logger),
	}
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	if h := s.cfg.Health; h != nil {
		s.router.GET("/healthz", gin.WrapH(h.LivenessHandler()))
		s.router.GET("/readyz", gin.WrapH(h.ReadinessHandler()))
		s.router.GET("/health", gin.WrapH(h.HealthHandler()))
	}
	if s.cfg.MetricsHandler != nil {
		s.router.GET(s.cfg.MetricsPath, gin.WrapH(s.cfg.MetricsHandler))
	}

	v1 := s.router.Group("/v1")
	if s.cfg.APIKey != "" {
		v1.Use(bearerAuth(s.cfg.APIKey))
	}

	v1.POST("/outcomes", s.handleOutcome)

	v1.GET("/claims", s.listClaims)
	v1.POST("/claims", s.settleClaim)
	v1.GET("/claims/:id", s.getClaim)
	v1.POST("/claims/:id/retry", s.retrySettlement)

	v1.POST("/proofs/verify", s.verifyProof)
	v1.POST("/proofs/verify-batch", s.batchVerify)
	v1.GET("/proofs/:id/export", s.exportProof)

	v1.GET("/stats", s.stats)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP API listening on %s", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

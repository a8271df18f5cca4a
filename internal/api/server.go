// Package api exposes the workflow engine and the record store over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikey/llm-mail-responder/internal/allowlist"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 15 * time.Second
	pingTimeout     = 5 * time.Second
)

// Workflow is the part of the engine the API drives
type Workflow interface {
	Process(ctx context.Context, msg *core.InboundMessage) (*core.RunResult, error)
	Skip(ctx context.Context, msg *core.InboundMessage, reason string) (*core.RunResult, error)
	Preview(ctx context.Context, msg *core.InboundMessage) (*core.RunResult, error)
}

// Server serves the request/response API
type Server struct {
	workflow Workflow
	records  core.RecordStore
	allow    *allowlist.Checker
	checks   map[string]core.Pinger
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	addr     string
}

// NewServer creates a new API server. checks are pinged by the health endpoint.
func NewServer(
	workflow Workflow,
	records core.RecordStore,
	allow *allowlist.Checker,
	checks map[string]core.Pinger,
	logger *zap.Logger,
	addr string,
	mode string,
) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}
	if allow == nil {
		allow = allowlist.NewChecker(nil, logger)
	}

	s := &Server{
		workflow: workflow,
		records:  records,
		allow:    allow,
		checks:   checks,
		logger:   logger,
		addr:     addr,
	}

	r := gin.New()
	// message ids may contain an escaped slash
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(gin.Recovery(), s.logRequests())

	v1 := r.Group("/v1")
	v1.POST("/process", s.handleProcess)
	v1.GET("/records", s.handleListRecords)
	v1.GET("/records/:id", s.handleGetRecord)
	v1.GET("/held", s.handleListHeld)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("API server starting", zap.String("address", s.addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

var _ ports.Service = (*Server)(nil)

// Package api is the thin HTTP transport in front of the routing core
// (internal/rpcproxy): route multiplexing, request parsing, and
// administrative status endpoints. This package is the commodity glue
// that exercises the core.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rpcmesh/ethproxy/internal/rpcproxy"
)

// Server wires the router into a gin HTTP server: a small struct
// holding its dependencies plus an explicit start/shutdown lifecycle.
type Server struct {
	router    *rpcproxy.Router
	logger    *zap.Logger
	authToken string

	engine *gin.Engine
	srv    *http.Server
}

// Config configures the HTTP glue.
type Config struct {
	Host         string
	Port         int
	AuthToken    string // empty disables bearer-token auth
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer builds a Server bound to router.
func NewServer(cfg Config, router *rpcproxy.Router, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		router:    router,
		logger:    logger,
		authToken: cfg.AuthToken,
		engine:    engine,
	}

	engine.Use(s.loggingMiddleware(), gin.Recovery(), securityHeaders())
	s.registerRoutes()

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/status", s.handleStatus)

	rpc := s.engine.Group("/")
	rpc.Use(s.authMiddleware())
	rpc.POST("/rpc", s.handleRPC)
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

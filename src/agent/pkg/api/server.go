package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/handlers"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Dependencies are the agent components served by the API. Rules and
// Evaluator are required; the rest may be nil.
type Dependencies struct {
	Rules       policy.RuleManager
	Evaluator   policy.Evaluator
	Audit       handlers.AuditExporter
	AuditState  handlers.AuditState
	Enforcement handlers.EnforcementHealth
	Settings    models.ConfigResponse
}

// Server represents the HTTP API server that provides RESTful endpoints
// for managing rules, querying status and exporting audit records.
type Server struct {
	config     *Config
	deps       Dependencies
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine
}

// NewAPIServer creates and initializes a new API server instance.
// It sets up the Gin router, configures middleware, and registers all routes.
func NewAPIServer(cfg *Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Rules == nil || deps.Evaluator == nil {
		return nil, errors.New("api server requires a rule manager and an evaluator")
	}

	// Set Gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	router := gin.New()

	server := &Server{
		config: cfg,
		deps:   deps,
		router: router,
	}

	// Setup routes and middleware
	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// Start binds the configured address and serves in a background goroutine.
// A bind failure is returned; later serve errors are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	log.Infof("Starting API server on %s", ln.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server stopped unexpectedly: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
// It waits for in-flight requests to complete (up to 30 seconds).
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	log.Info("Shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("API server forced to shutdown: %v", err)
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// GetRouter returns the underlying Gin router instance.
// This is primarily useful for testing purposes to inject
// test HTTP requests without starting the full HTTP server.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

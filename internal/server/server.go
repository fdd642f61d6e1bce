package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/cxdb/internal/ratelimit"
	"github.com/ashita-ai/cxdb/internal/store"
)

// Server is the CXDB read gateway.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds dependencies and settings for the gateway.
// Optional (nil-safe): Limiter, MCPServer.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger

	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	MaxRequestBodyBytes int64
	MaxReadLimit        int
	AuthSecret          string

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
}

// New creates the gateway with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Store, cfg.Logger, cfg.Version, cfg.MaxRequestBodyBytes, cfg.MaxReadLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)

	mux.HandleFunc("GET /v1/contexts", h.HandleListContexts)
	mux.HandleFunc("POST /v1/contexts", h.HandleCreateContext)
	mux.HandleFunc("GET /v1/contexts/{id}", h.HandleGetContext)
	mux.HandleFunc("GET /v1/contexts/{id}/children", h.HandleGetChildren)
	mux.HandleFunc("GET /v1/contexts/{id}/turns", h.HandleGetTurns)
	mux.HandleFunc("POST /v1/contexts/{id}/turns", h.HandleAppendTurn)

	mux.HandleFunc("GET /v1/blobs/{hash}", h.HandleGetBlob)

	mux.HandleFunc("POST /v1/registry/bundles", h.HandlePublishBundle)
	mux.HandleFunc("GET /v1/registry/bundles/{id}", h.HandleGetBundle)
	mux.HandleFunc("GET /v1/registry/types/{type_id}/versions/{version}", h.HandleGetDescriptor)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Outside-in: request ID -> logging -> tracing -> recovery ->
	// rate limit -> auth -> routes.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.AuthSecret, handler)
	if cfg.Limiter != nil {
		handler = rateLimitMiddleware(cfg.Limiter, handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http gateway listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/auth"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/ratelimit"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
)

// Server is the guardvault HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Assets, Broker, Idempotency, Limiter,
// AuthLimiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Principals PrincipalStore
	JWTMgr     *auth.JWTManager
	Vaults     *vaults.Service
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Assets      *assets.Registry
	Broker      *Broker
	Idempotency IdempotencyStore  // Idempotency-Key on payments
	Limiter     ratelimit.Limiter // per principal on /v1
	AuthLimiter ratelimit.Limiter // per IP on /auth/token
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Principals:          cfg.Principals,
		JWTMgr:              cfg.JWTMgr,
		Vaults:              cfg.Vaults,
		Assets:              cfg.Assets,
		Broker:              cfg.Broker,
		Idempotency:         cfg.Idempotency,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	apiRL := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()
	route := func(pattern string, mw func(http.Handler) http.Handler, fn http.HandlerFunc) {
		mux.Handle(pattern, apiRL(mw(fn)))
	}
	anyToken := func(next http.Handler) http.Handler { return next }
	fullToken := requireUnscoped
	adminOnly := func(next http.Handler) http.Handler {
		return requireUnscoped(requireRole(model.RoleAdmin)(next))
	}

	// Auth (no token required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Principals and external holdings (admin-only).
	route("POST /v1/principals", adminOnly, h.HandleCreatePrincipal)
	route("POST /v1/holdings", adminOnly, h.HandleMintHoldings)
	route("GET /v1/holdings/{principal}", fullToken, h.HandleGetHoldings)
	route("GET /v1/assets", anyToken, h.HandleListAssets)

	// Owner operations. The vault itself enforces ownership; scoped agent
	// tokens are turned away before reaching it.
	route("POST /v1/vaults", fullToken, h.HandleCreateVault)
	route("GET /v1/vaults/me", fullToken, h.HandleGetMyVault)
	route("POST /v1/vaults/{id}/deposit", fullToken, h.HandleDeposit)
	route("POST /v1/vaults/{id}/withdraw", fullToken, h.HandleWithdraw)
	route("POST /v1/vaults/{id}/pause", fullToken, h.HandlePause)
	route("POST /v1/vaults/{id}/unpause", fullToken, h.HandleUnpause)
	route("POST /v1/vaults/{id}/agents", fullToken, h.HandleAddAgent)
	route("DELETE /v1/vaults/{id}/agents/{agent_id}", fullToken, h.HandleRemoveAgent)
	route("POST /v1/vaults/{id}/agents/{agent_id}/tokens", fullToken, h.HandleAgentToken)
	route("PUT /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}", fullToken, h.HandleSetPolicy)
	route("DELETE /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}", fullToken, h.HandleRemovePolicy)

	// Reads and the agent payment path (scoped tokens allowed on their vault).
	route("GET /v1/vaults/{id}", anyToken, h.HandleGetVault)
	route("GET /v1/vaults/{id}/agents", anyToken, h.HandleListAgents)
	route("GET /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}", anyToken, h.HandleGetPolicy)
	route("GET /v1/vaults/{id}/events", anyToken, h.HandleListEvents)
	route("POST /v1/vaults/{id}/preflight", anyToken, h.HandlePreflight)
	route("POST /v1/vaults/{id}/payments", anyToken, h.HandlePayment)

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", apiRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// principalKeyFunc keys rate limits by principal. Admins are exempt.
func principalKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || (claims.Role == model.RoleAdmin && !claims.Scoped()) {
		return ""
	}
	return "principal:" + claims.Subject
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

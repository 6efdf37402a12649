package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/auth"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// PrincipalStore holds API principals. Both storage backends implement it.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, a model.Account) (model.Account, error)
	GetPrincipal(ctx context.Context, name vault.Principal) (model.Account, error)
	CountPrincipals(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Name() string
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	principals          PrincipalStore
	jwtMgr              *auth.JWTManager
	vaults              *vaults.Service
	assets              *assets.Registry
	broker              *Broker
	idempotency         IdempotencyStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Idempotency, Assets (defaults to assets.Default()).
type HandlersDeps struct {
	Principals          PrincipalStore
	JWTMgr              *auth.JWTManager
	Vaults              *vaults.Service
	Assets              *assets.Registry
	Broker              *Broker
	Idempotency         IdempotencyStore
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	reg := d.Assets
	if reg == nil {
		reg = assets.Default()
	}
	return &Handlers{
		principals:          d.Principals,
		jwtMgr:              d.JWTMgr,
		vaults:              d.Vaults,
		assets:              reg,
		broker:              d.Broker,
		idempotency:         d.Idempotency,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	name, err := vault.ParsePrincipal(req.Principal)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	account, err := h.principals.GetPrincipal(r.Context(), name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to look up principal", err)
			return
		}
		// Equalize timing with the found-principal path.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, account.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(account)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "principal", account.Name, "role", account.Role,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE). Admins may follow every
// vault; everyone else must name a vault they can view with ?vault_id=.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	follow := uuid.Nil
	if raw := r.URL.Query().Get("vault_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid vault_id")
			return
		}
		if _, ok := h.viewableVault(w, r, id); !ok {
			return
		}
		follow = id
	} else if claims.Role != model.RoleAdmin || claims.Scoped() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "vault_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(follow)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	store := h.principals.Name() + ": connected"
	if err := h.principals.Ping(r.Context()); err != nil {
		status = "unhealthy"
		store = h.principals.Name() + ": disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   store,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleListAssets handles GET /v1/assets.
func (h *Handlers) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"assets":  h.assets.Assets(),
		"presets": h.assets.Presets(),
	})
}

// SeedAdmin creates the initial admin principal if none exist.
func (h *Handlers) SeedAdmin(ctx context.Context, name, adminAPIKey string) error {
	total, err := h.principals.CountPrincipals(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count principals: %w", err)
	}
	if adminAPIKey == "" {
		if total == 0 {
			return fmt.Errorf("seed admin: GUARDVAULT_ADMIN_API_KEY is empty and no principals exist; set it to bootstrap initial admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_principals", total)
		return nil
	}
	if total > 0 {
		h.logger.Info("principals table not empty, skipping admin seed")
		return nil
	}

	p, err := vault.ParsePrincipal(name)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := h.principals.CreatePrincipal(ctx, model.Account{
		Name:       p,
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create principal: %w", err)
	}

	h.logger.Info("seeded initial admin principal", "principal", p)
	return nil
}

// --- Shared helpers ---

// pathVaultID parses {id} and rejects scoped tokens issued for another
// vault.
func pathVaultID(w http.ResponseWriter, r *http.Request) (vault.VaultID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid vault id")
		return uuid.Nil, false
	}
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil && claims.Scoped() && *claims.VaultID != id {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is scoped to another vault")
		return uuid.Nil, false
	}
	return id, true
}

// pathAgentID parses {agent_id}.
func pathAgentID(w http.ResponseWriter, r *http.Request) (vault.AgentID, bool) {
	id, err := uuid.Parse(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

// viewableVault loads vault id if the caller is an admin, its owner or one
// of its active agents. Everyone else gets 404 so vault ids do not leak.
func (h *Handlers) viewableVault(w http.ResponseWriter, r *http.Request, id vault.VaultID) (vault.Snapshot, bool) {
	snap, err := h.vaults.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return vault.Snapshot{}, false
	}
	if !ctxutil.ClaimsFromContext(r.Context()).CanView(snap) {
		writeErrorDetails(w, r, http.StatusNotFound, string(vault.KindVaultNotFound), "vault not found",
			model.VaultErrorDetails{Kind: vault.KindVaultNotFound, Disposition: vault.DispositionFixConfig})
		return vault.Snapshot{}, false
	}
	return snap, true
}

func queryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

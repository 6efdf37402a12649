package server

import (
	"math"
	"net/http"
	"time"

	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// HandleCreateVault handles POST /v1/vaults. The caller becomes the owner;
// admins may create a vault on behalf of another principal.
func (h *Handlers) HandleCreateVault(w http.ResponseWriter, r *http.Request) {
	var req model.CreateVaultRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	owner := claims.Principal()
	if req.Owner != "" {
		p, err := vault.ParsePrincipal(req.Owner)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		if !p.Equal(owner) && claims.Role != model.RoleAdmin {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only admins can create vaults for other principals")
			return
		}
		owner = p
	}

	res, err := h.vaults.CreateVault(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.NewVaultView(res.Vault))
}

// HandleGetMyVault handles GET /v1/vaults/me.
func (h *Handlers) HandleGetMyVault(w http.ResponseWriter, r *http.Request) {
	snap, err := h.vaults.GetByOwner(r.Context(), ctxutil.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(snap))
}

// HandleGetVault handles GET /v1/vaults/{id}.
func (h *Handlers) HandleGetVault(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	snap, ok := h.viewableVault(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(snap))
}

// HandleDeposit handles POST /v1/vaults/{id}/deposit.
func (h *Handlers) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, true)
}

// HandleWithdraw handles POST /v1/vaults/{id}/withdraw.
func (h *Handlers) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, false)
}

func (h *Handlers) handleTransfer(w http.ResponseWriter, r *http.Request, deposit bool) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	var req model.TransferRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	amount, err := h.assets.Resolve(req.AssetID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	caller := ctxutil.PrincipalFromContext(r.Context())
	transfer := h.vaults.Withdraw
	if deposit {
		transfer = h.vaults.Deposit
	}
	res, err := transfer(r.Context(), id, caller, req.AssetID, amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(res.Vault))
}

// HandlePause handles POST /v1/vaults/{id}/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	res, err := h.vaults.Pause(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(res.Vault))
}

// HandleUnpause handles POST /v1/vaults/{id}/unpause.
func (h *Handlers) HandleUnpause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	res, err := h.vaults.Unpause(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(res.Vault))
}

// HandleListAgents handles GET /v1/vaults/{id}/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	snap, ok := h.viewableVault(w, r, id)
	if !ok {
		return
	}
	agents := snap.Agents
	if agents == nil {
		agents = []vault.AgentRecord{}
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleAddAgent handles POST /v1/vaults/{id}/agents. The capability in the
// response is the only copy the server ever returns.
func (h *Handlers) HandleAddAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	var req model.AddAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	grant, _, err := h.vaults.AddAgent(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()), vault.Principal(req.Principal))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.AddAgentResponse{
		AgentID:    grant.AgentID,
		Principal:  grant.Principal,
		Capability: grant.Capability.String(),
	})
}

// HandleRemoveAgent handles DELETE /v1/vaults/{id}/agents/{agent_id}.
func (h *Handlers) HandleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	res, err := h.vaults.RemoveAgent(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()), agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(res.Vault))
}

// defaultAgentTokenTTL applies when the request names no expiry.
const defaultAgentTokenTTL = 15 * time.Minute

// HandleAgentToken handles POST /v1/vaults/{id}/agents/{agent_id}/tokens.
// The owner mints a short-lived JWT for an active agent's principal, valid
// only on this vault. Scoped tokens cannot mint further tokens.
func (h *Handlers) HandleAgentToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req model.AgentTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	snap, err := h.vaults.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	caller := ctxutil.PrincipalFromContext(r.Context())
	if !caller.Equal(snap.Owner) {
		h.writeServiceError(w, r, &vault.Error{Kind: vault.KindNotOwner, Op: "issue_agent_token"})
		return
	}
	var agent *vault.AgentRecord
	for i := range snap.Agents {
		if snap.Agents[i].ID == agentID && snap.Agents[i].Active {
			agent = &snap.Agents[i]
			break
		}
	}
	if agent == nil {
		h.writeServiceError(w, r, &vault.Error{Kind: vault.KindAgentNotActive, Op: "issue_agent_token"})
		return
	}

	ttl := defaultAgentTokenTTL
	if req.ExpiresIn > 0 && req.ExpiresIn < math.MaxInt64/int64(time.Second) {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	token, expiresAt, err := h.jwtMgr.IssueScopedToken(snap.Owner, agent.Principal, id, ttl)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue agent token", err)
		return
	}
	h.logger.Info("agent token issued",
		"vault_id", id, "agent_id", agentID, "principal", agent.Principal,
		"expires_at", expiresAt, "request_id", ctxutil.RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusCreated, model.AgentTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		VaultID:   id,
		AgentID:   agentID,
		Principal: agent.Principal,
		ScopedBy:  snap.Owner,
	})
}

// HandleSetPolicy handles PUT /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}.
func (h *Handlers) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	asset := vault.AssetID(r.PathValue("asset_id"))
	var req model.SetPolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	limits, err := h.policyLimits(asset, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.vaults.SetPolicy(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()), agentID, asset, limits)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p, _ := findPolicy(res.Vault, agentID, asset)
	writeJSON(w, r, http.StatusOK, p)
}

// policyLimits expands a preset or converts explicit limits.
func (h *Handlers) policyLimits(asset vault.AssetID, req model.SetPolicyRequest) (vault.Limits, error) {
	explicit := req.MaxPerTx != (model.AmountInput{}) || req.TotalPerPeriod != (model.AmountInput{}) ||
		req.MaxTxPerPeriod != 0 || req.PeriodSeconds != 0
	if req.Preset != "" {
		if explicit {
			return vault.Limits{}, &vault.Error{Kind: vault.KindInvalidPolicy, Op: "set_spend_policy"}
		}
		return h.assets.Limits(req.Preset, asset)
	}
	perTx, err := h.assets.Resolve(asset, req.MaxPerTx)
	if err != nil {
		return vault.Limits{}, err
	}
	total, err := h.assets.Resolve(asset, req.TotalPerPeriod)
	if err != nil {
		return vault.Limits{}, err
	}
	if req.PeriodSeconds > math.MaxInt64/int64(time.Second) {
		return vault.Limits{}, &vault.Error{Kind: vault.KindInvalidPolicy, Op: "set_spend_policy"}
	}
	return vault.Limits{
		MaxPerTx:       perTx,
		TotalPerPeriod: total,
		MaxTxPerPeriod: req.MaxTxPerPeriod,
		PeriodLength:   time.Duration(req.PeriodSeconds) * time.Second,
	}, nil
}

func findPolicy(snap vault.Snapshot, agentID vault.AgentID, asset vault.AssetID) (vault.SpendPolicy, bool) {
	for _, p := range snap.Policies {
		if p.AgentID == agentID && p.AssetID == asset {
			return p, true
		}
	}
	return vault.SpendPolicy{}, false
}

// HandleRemovePolicy handles DELETE /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}.
func (h *Handlers) HandleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	res, err := h.vaults.RemovePolicy(r.Context(), id, ctxutil.PrincipalFromContext(r.Context()), agentID, vault.AssetID(r.PathValue("asset_id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewVaultView(res.Vault))
}

// HandleGetPolicy handles GET /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}.
// Policies of removed agents stay readable.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	if _, ok := h.viewableVault(w, r, id); !ok {
		return
	}
	view, err := h.vaults.Policy(r.Context(), id, agentID, vault.AssetID(r.PathValue("asset_id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

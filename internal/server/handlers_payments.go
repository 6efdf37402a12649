package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/vault"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// HandlePreflight handles POST /v1/vaults/{id}/preflight. It answers
// whether a payment would go through right now, without an authorization
// and without changing anything.
func (h *Handlers) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	var req model.PreflightRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if _, ok := h.viewableVault(w, r, id); !ok {
		return
	}
	amount, err := h.assets.Resolve(req.AssetID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	d, err := h.vaults.Preflight(r.Context(), id, req.AgentID, req.AssetID, vault.Principal(req.Recipient), amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandlePayment handles POST /v1/vaults/{id}/payments. A capability in the
// X-Vault-Capability header authorizes the payment; without one the
// authenticated principal must be the agent itself. An Idempotency-Key
// header makes retries replay the first response.
func (h *Handlers) HandlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	var req model.PaymentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	amount, err := h.assets.Resolve(req.AssetID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, paymentsEndpoint(id), req)
	if !proceed {
		return
	}

	var authz vault.Authorization = vault.AccountAuth{
		Vault:  id,
		Caller: ctxutil.PrincipalFromContext(r.Context()),
	}
	if c, ok := ctxutil.CapabilityFromContext(r.Context()); ok {
		authz = c
		if req.AgentID == uuid.Nil {
			req.AgentID = c.AgentID()
		}
	}

	res, err := h.vaults.ExecutePayment(r.Context(), vaults.Payment{
		VaultID:   id,
		Auth:      authz,
		AgentID:   req.AgentID,
		Asset:     req.AssetID,
		Recipient: vault.Principal(req.Recipient),
		Amount:    amount,
	})
	if err != nil {
		// A failed payment changes nothing, so the key is free for a retry.
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err)
		return
	}
	resp := model.PaymentResponse{
		VaultID:      id,
		Seq:          res.Event.Seq,
		EventHash:    res.Event.Hash,
		Balance:      res.Balance,
		Remaining:    res.Remaining,
		RemainingTxs: res.RemainingTxs,
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListEvents handles GET /v1/vaults/{id}/events?after_seq=&limit=.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVaultID(w, r)
	if !ok {
		return
	}
	after, err := queryInt64(r, "after_seq", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, err := queryInt64(r, "limit", defaultEventsLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if limit == 0 || limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	if _, ok := h.viewableVault(w, r, id); !ok {
		return
	}

	events, err := h.vaults.Events(r.Context(), id, after, int(limit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []model.RecordedEvent{}
	}
	writeList(w, r, events, int(limit), len(events) == int(limit))
}

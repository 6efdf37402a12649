package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/guardvault/internal/auth"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// HandleCreatePrincipal handles POST /v1/principals (admin-only).
func (h *Handlers) HandleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePrincipalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	name, err := vault.ParsePrincipal(req.Principal)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}
	if err := model.ValidateRole(req.Role); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if len(req.APIKey) < model.MinAPIKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"api_key must be at least 16 characters")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}
	account, err := h.principals.CreatePrincipal(r.Context(), model.Account{
		Name:       name,
		Role:       req.Role,
		APIKeyHash: hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "principal already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create principal", err)
		return
	}

	h.logger.Info("principal created", "principal", account.Name, "role", account.Role,
		"by", ctxutil.PrincipalFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, account)
}

// HandleMintHoldings handles POST /v1/holdings (admin-only). It credits a
// principal's external holdings, the funds deposits are pulled from.
func (h *Handlers) HandleMintHoldings(w http.ResponseWriter, r *http.Request) {
	var req model.MintHoldingsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	amount, err := h.assets.Resolve(req.AssetID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p := vault.Principal(req.Principal)
	if err := h.vaults.Fund(r.Context(), p, req.AssetID, amount); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeHoldings(w, r, p)
}

// HandleGetHoldings handles GET /v1/holdings/{principal}. Admins may read
// anyone's holdings, other callers only their own.
func (h *Handlers) HandleGetHoldings(w http.ResponseWriter, r *http.Request) {
	p, err := vault.ParsePrincipal(r.PathValue("principal"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims.Role != model.RoleAdmin && !claims.Principal().Equal(p) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot read another principal's holdings")
		return
	}
	h.writeHoldings(w, r, p)
}

func (h *Handlers) writeHoldings(w http.ResponseWriter, r *http.Request, p vault.Principal) {
	p, err := vault.ParsePrincipal(string(p))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	holdings, err := h.vaults.Holdings(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if holdings == nil {
		holdings = map[vault.AssetID]int64{}
	}
	writeJSON(w, r, http.StatusOK, model.HoldingsView{Principal: p, Holdings: holdings})
}

package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// vaultStatus maps a vault error kind onto an HTTP status.
func vaultStatus(k vault.Kind) int {
	switch k {
	case vault.KindNotOwner, vault.KindNotAuthorized:
		return http.StatusForbidden
	case vault.KindVaultNotFound:
		return http.StatusNotFound
	case vault.KindAgentAlreadyActive, vault.KindVaultAlreadyExists, vault.KindVaultPaused:
		return http.StatusConflict
	case vault.KindZeroAmount, vault.KindZeroAddress, vault.KindAmountOverflow, vault.KindInvalidAsset:
		return http.StatusBadRequest
	case vault.KindReentrancy, vault.KindLedgerTransfer:
		return http.StatusInternalServerError
	default:
		// Limits, missing policy, inactive agent, invalid policy, balance.
		return http.StatusUnprocessableEntity
	}
}

// writeServiceError renders err from the vault service. Vault rejections
// carry their kind as the error code and the disposition in details.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if k := vault.KindOf(err); k != "" {
		status := vaultStatus(k)
		if status >= 500 {
			h.logger.Error("vault operation failed", "kind", k, "error", err,
				"request_id", ctxutil.RequestIDFromContext(r.Context()))
		}
		writeErrorDetails(w, r, status, string(k), err.Error(), model.VaultErrorDetails{
			Kind:        k,
			Disposition: vault.DispositionOf(err),
		})
		return
	}
	switch {
	case errors.Is(err, assets.ErrInvalidAmount), errors.Is(err, assets.ErrUnknownPreset):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// writeInternalError logs err and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

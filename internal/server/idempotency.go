package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// IdempotencyStore reserves and replays Idempotency-Key responses. Both
// storage backends implement it.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, principal vault.Principal, endpoint, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, principal vault.Principal, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, principal vault.Principal, endpoint, key string) error
}

// maxIdempotencyKeyLen bounds the header so keys stay index-friendly.
const maxIdempotencyKeyLen = 255

type idempotencyHandle struct {
	key       string
	endpoint  string
	principal vault.Principal
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks/reuses/reserves an idempotency key.
// Returns (nil, true) when no idempotency key is present and caller should proceed normally.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" || h.idempotency == nil {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	principal := ctxutil.PrincipalFromContext(r.Context())
	lookup, err := h.idempotency.BeginIdempotency(r.Context(), principal, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &idempotencyHandle{key: key, endpoint: endpoint, principal: principal}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite finalizes a key without failing the response of
// a mutation that already committed. It runs on a bounded background
// context so request cancellation cannot leave the key in progress.
func (h *Handlers) completeIdempotentWrite(r *http.Request, idem *idempotencyHandle, statusCode int, data any) {
	if idem == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3 && writeCtx.Err() == nil; attempt++ {
		if lastErr = h.idempotency.CompleteIdempotency(writeCtx, idem.principal, idem.endpoint, idem.key, statusCode, data); lastErr == nil {
			return
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt,
			"error", lastErr,
			"endpoint", idem.endpoint,
			"principal", idem.principal,
		)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed payment",
		"error", lastErr,
		"endpoint", idem.endpoint,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
}

// clearIdempotentWrite releases the key after a request that changed
// nothing, so the client can retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.idempotency.ClearInProgressIdempotency(r.Context(), idem.principal, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"principal", idem.principal,
		)
	}
}

func paymentsEndpoint(id vault.VaultID) string {
	return fmt.Sprintf("POST:/v1/vaults/%s/payments", id)
}

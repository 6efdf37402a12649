package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// VaultErrorDetails is attached to errors that carry a vault rejection kind,
// so orchestrators can branch without parsing messages.
type VaultErrorDetails struct {
	Kind        vault.Kind        `json:"kind"`
	Disposition vault.Disposition `json:"disposition"`
}

// ErrorCode constants for standard API error codes. Vault rejections use
// the vault.Kind string as their code instead.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Principal string `json:"principal"`
	APIKey    string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePrincipalRequest is the request body for POST /v1/principals.
type CreatePrincipalRequest struct {
	Principal string `json:"principal"`
	Role      Role   `json:"role"`
	APIKey    string `json:"api_key"`
}

// MintHoldingsRequest is the request body for POST /v1/holdings. It credits
// a principal's external holdings, standing in for an on-ramp.
type MintHoldingsRequest struct {
	Principal string        `json:"principal"`
	AssetID   vault.AssetID `json:"asset_id"`
	Amount    AmountInput   `json:"amount"`
}

// AmountInput accepts either an exact smallest-unit integer (Units) or a
// human-readable decimal (Display, e.g. "12.50") converted through the
// asset registry. Exactly one must be set.
type AmountInput struct {
	Units   *int64 `json:"units,omitempty"`
	Display string `json:"display,omitempty"`
}

// Validate checks that exactly one representation is present.
func (a AmountInput) Validate() error {
	switch {
	case a.Units == nil && a.Display == "":
		return fmt.Errorf("amount: one of units or display is required")
	case a.Units != nil && a.Display != "":
		return fmt.Errorf("amount: units and display are mutually exclusive")
	}
	return nil
}

// CreateVaultRequest is the request body for POST /v1/vaults. Owner defaults
// to the authenticated principal; only admins may create vaults for others.
type CreateVaultRequest struct {
	Owner string `json:"owner,omitempty"`
}

// TransferRequest is the request body for deposit and withdraw.
type TransferRequest struct {
	AssetID vault.AssetID `json:"asset_id"`
	Amount  AmountInput   `json:"amount"`
}

// AddAgentRequest is the request body for POST /v1/vaults/{id}/agents.
type AddAgentRequest struct {
	Principal string `json:"principal"`
}

// AddAgentResponse carries the capability token. It is returned exactly
// once and never stored in plaintext.
type AddAgentResponse struct {
	AgentID    vault.AgentID   `json:"agent_id"`
	Principal  vault.Principal `json:"principal"`
	Capability string          `json:"capability"`
}

// AgentTokenRequest is the request body for POST
// /v1/vaults/{id}/agents/{agent_id}/tokens.
type AgentTokenRequest struct {
	ExpiresIn int64 `json:"expires_in,omitempty"` // seconds; capped server-side
}

// AgentTokenResponse carries a JWT that authenticates the agent's principal
// on one vault only. It lets an agent runtime pay with AccountAuth without
// holding a long-lived API key.
type AgentTokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	VaultID   vault.VaultID   `json:"vault_id"`
	AgentID   vault.AgentID   `json:"agent_id"`
	Principal vault.Principal `json:"principal"`
	ScopedBy  vault.Principal `json:"scoped_by"`
}

// SetPolicyRequest is the request body for PUT
// /v1/vaults/{id}/agents/{agent_id}/policies/{asset_id}. Limits may be given
// as units or, via Preset, taken from the asset registry.
type SetPolicyRequest struct {
	Preset         string      `json:"preset,omitempty"`
	MaxPerTx       AmountInput `json:"max_per_tx"`
	TotalPerPeriod AmountInput `json:"total_per_period"`
	MaxTxPerPeriod int64       `json:"max_tx_per_period"`
	PeriodSeconds  int64       `json:"period_seconds"`
}

// PaymentRequest is the request body for POST /v1/vaults/{id}/payments.
type PaymentRequest struct {
	AgentID   uuid.UUID     `json:"agent_id"`
	AssetID   vault.AssetID `json:"asset_id"`
	Recipient string        `json:"recipient"`
	Amount    AmountInput   `json:"amount"`
}

// PreflightRequest is the request body for POST /v1/vaults/{id}/preflight.
type PreflightRequest = PaymentRequest

// PaymentResponse reports a committed payment.
type PaymentResponse struct {
	VaultID      vault.VaultID `json:"vault_id"`
	Seq          int64         `json:"seq"`
	EventHash    string        `json:"event_hash"`
	Balance      int64         `json:"balance"`
	Remaining    int64         `json:"remaining"`
	RemainingTxs int64         `json:"remaining_txs"`
}

// VaultView is the external representation of a vault.
type VaultView struct {
	ID        vault.VaultID           `json:"id"`
	Owner     vault.Principal         `json:"owner"`
	Paused    bool                    `json:"paused"`
	CreatedAt time.Time               `json:"created_at"`
	Balances  map[vault.AssetID]int64 `json:"balances"`
	Agents    []vault.AgentRecord     `json:"agents"`
	Policies  []vault.SpendPolicy     `json:"policies"`
}

// NewVaultView converts a snapshot.
func NewVaultView(s vault.Snapshot) VaultView {
	if s.Balances == nil {
		s.Balances = map[vault.AssetID]int64{}
	}
	if s.Agents == nil {
		s.Agents = []vault.AgentRecord{}
	}
	if s.Policies == nil {
		s.Policies = []vault.SpendPolicy{}
	}
	return VaultView(s)
}

// HoldingsView lists a principal's external holdings.
type HoldingsView struct {
	Principal vault.Principal         `json:"principal"`
	Holdings  map[vault.AssetID]int64 `json:"holdings"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

package vault

import (
	"errors"
	"fmt"
)

// Kind classifies why a vault operation was rejected. Callers branch on the
// kind, never on the message text.
type Kind string

const (
	KindNotOwner           Kind = "NOT_OWNER"
	KindNotAuthorized      Kind = "NOT_AUTHORIZED"
	KindNoPolicySet        Kind = "NO_POLICY_SET"
	KindAgentNotActive     Kind = "AGENT_NOT_ACTIVE"
	KindAgentAlreadyActive Kind = "AGENT_ALREADY_ACTIVE"
	KindVaultPaused        Kind = "VAULT_PAUSED"
	KindZeroAmount         Kind = "ZERO_AMOUNT"
	KindZeroAddress        Kind = "ZERO_ADDRESS"
	KindExceedsMaxPerTx    Kind = "EXCEEDS_MAX_PER_TX"
	KindExceedsPeriodLimit Kind = "EXCEEDS_PERIOD_LIMIT"
	KindExceedsTxCount     Kind = "EXCEEDS_TX_COUNT"
	KindInsufficientFunds  Kind = "INSUFFICIENT_BALANCE"
	KindVaultAlreadyExists Kind = "VAULT_ALREADY_EXISTS"
	KindVaultNotFound      Kind = "VAULT_NOT_FOUND"
	KindInvalidPolicy      Kind = "INVALID_POLICY"
	KindInvalidAsset       Kind = "INVALID_ASSET"
	KindAmountOverflow     Kind = "AMOUNT_OVERFLOW"
	KindReentrancy         Kind = "REENTRANT_CALL"
	KindLedgerTransfer     Kind = "LEDGER_TRANSFER_FAILED"
)

// Error is returned by every rejected vault operation. Op names the
// operation ("execute_payment", "withdraw", ...) and Err carries an
// underlying cause when one exists (e.g. a ledger failure).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "vault: " + string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("vault: %s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("vault: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrVaultPaused)
// works regardless of which operation produced err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotOwner           = &Error{Kind: KindNotOwner}
	ErrNotAuthorized      = &Error{Kind: KindNotAuthorized}
	ErrNoPolicySet        = &Error{Kind: KindNoPolicySet}
	ErrAgentNotActive     = &Error{Kind: KindAgentNotActive}
	ErrAgentAlreadyActive = &Error{Kind: KindAgentAlreadyActive}
	ErrVaultPaused        = &Error{Kind: KindVaultPaused}
	ErrZeroAmount         = &Error{Kind: KindZeroAmount}
	ErrZeroAddress        = &Error{Kind: KindZeroAddress}
	ErrExceedsMaxPerTx    = &Error{Kind: KindExceedsMaxPerTx}
	ErrExceedsPeriodLimit = &Error{Kind: KindExceedsPeriodLimit}
	ErrExceedsTxCount     = &Error{Kind: KindExceedsTxCount}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrVaultAlreadyExists = &Error{Kind: KindVaultAlreadyExists}
	ErrVaultNotFound      = &Error{Kind: KindVaultNotFound}
	ErrInvalidPolicy      = &Error{Kind: KindInvalidPolicy}
	ErrInvalidAsset       = &Error{Kind: KindInvalidAsset}
	ErrAmountOverflow     = &Error{Kind: KindAmountOverflow}
	ErrReentrancy         = &Error{Kind: KindReentrancy}
	ErrLedgerTransfer     = &Error{Kind: KindLedgerTransfer}
)

func fail(op string, kind Kind) error {
	return &Error{Kind: kind, Op: op}
}

// KindOf returns the vault error kind carried by err, or "" if err is not a
// vault error.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// Disposition tells the orchestrator what to do after a rejected payment.
type Disposition string

const (
	// DispositionRetryRoute: try a different asset or route.
	DispositionRetryRoute Disposition = "retry_route"
	// DispositionAskHuman: stop and ask the owner to sign manually.
	DispositionAskHuman Disposition = "ask_human"
	// DispositionFixConfig: the vault's agent/policy setup is incomplete.
	DispositionFixConfig Disposition = "fix_config"
	// DispositionInvalidRequest: the request itself is malformed.
	DispositionInvalidRequest Disposition = "invalid_request"
	// DispositionInternal: infrastructure failure; safe to resubmit.
	DispositionInternal Disposition = "internal"
)

// DispositionOf maps an error onto the action an orchestrator should take.
func DispositionOf(err error) Disposition {
	switch KindOf(err) {
	case KindInsufficientFunds:
		return DispositionRetryRoute
	case KindExceedsMaxPerTx, KindExceedsPeriodLimit, KindExceedsTxCount,
		KindNotAuthorized, KindVaultPaused, KindNotOwner:
		return DispositionAskHuman
	case KindNoPolicySet, KindAgentNotActive, KindAgentAlreadyActive,
		KindInvalidPolicy, KindVaultNotFound, KindVaultAlreadyExists:
		return DispositionFixConfig
	case KindZeroAmount, KindZeroAddress, KindAmountOverflow, KindInvalidAsset:
		return DispositionInvalidRequest
	default:
		return DispositionInternal
	}
}

package vault

import (
	"context"
	"time"
)

// Ledger is the value-transfer primitive underneath the vault: a fungible
// asset transfer or a native-currency transfer. Implementations run inside
// the same transaction as the vault state change, so a returned error
// aborts both.
type Ledger interface {
	// Pull moves amount of asset from the principal's external holdings
	// into vault custody.
	Pull(ctx context.Context, from Principal, asset AssetID, amount int64) error
	// Push moves amount of asset out of vault custody to the principal.
	// On account-based ledgers this may run recipient code.
	Push(ctx context.Context, to Principal, asset AssetID, amount int64) error
}

// Clock supplies the ledger's notion of now.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall-clock time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

type noLedger struct{}

func (noLedger) Pull(context.Context, Principal, AssetID, int64) error {
	return &Error{Kind: KindLedgerTransfer, Op: "pull"}
}

func (noLedger) Push(context.Context, Principal, AssetID, int64) error {
	return &Error{Kind: KindLedgerTransfer, Op: "push"}
}

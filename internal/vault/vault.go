package vault

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Vault is a guarded account: the owner has unrestricted control, agents may
// only spend through ExecutePayment within their spend policies.
//
// A Vault is not safe for concurrent use. Callers serialize access by
// loading, mutating and committing it inside a single store transaction.
type Vault struct {
	id        VaultID
	owner     Principal
	paused    bool
	createdAt time.Time

	balances   map[AssetID]int64
	agents     map[AgentID]*AgentRecord
	principals map[Principal]AgentID // active agents only
	policies   map[policyKey]*SpendPolicy

	ledger  Ledger
	clock   Clock
	emitter Emitter

	// entered is held while control is inside the ledger adapter.
	entered bool
}

// Option configures the collaborators of a Vault.
type Option func(*Vault)

// WithLedger sets the value-transfer adapter.
func WithLedger(l Ledger) Option {
	return func(v *Vault) { v.ledger = l }
}

// WithClock sets the time source used for period windows and event times.
func WithClock(c Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithEmitter sets where events go.
func WithEmitter(e Emitter) Option {
	return func(v *Vault) { v.emitter = e }
}

func newVault(id VaultID, owner Principal, createdAt time.Time) *Vault {
	return &Vault{
		id:         id,
		owner:      owner,
		createdAt:  createdAt,
		balances:   make(map[AssetID]int64),
		agents:     make(map[AgentID]*AgentRecord),
		principals: make(map[Principal]AgentID),
		policies:   make(map[policyKey]*SpendPolicy),
		ledger:     noLedger{},
		clock:      SystemClock,
		emitter:    discard{},
	}
}

func (v *Vault) apply(opts []Option) {
	for _, o := range opts {
		o(v)
	}
}

// ID returns the vault identifier.
func (v *Vault) ID() VaultID { return v.id }

// Owner returns the vault owner.
func (v *Vault) Owner() Principal { return v.owner }

// Paused reports whether agent payments are suspended.
func (v *Vault) Paused() bool { return v.paused }

// CreatedAt returns the creation time.
func (v *Vault) CreatedAt() time.Time { return v.createdAt }

// Balance returns the vault's balance of asset. Assets never deposited, or
// drained to zero, report 0.
func (v *Vault) Balance(asset AssetID) int64 { return v.balances[asset] }

// Balances returns a copy of all non-zero balances.
func (v *Vault) Balances() map[AssetID]int64 {
	out := make(map[AssetID]int64, len(v.balances))
	for a, n := range v.balances {
		out[a] = n
	}
	return out
}

func (v *Vault) requireOwner(op string, caller Principal) error {
	if !caller.Equal(v.owner) {
		return fail(op, KindNotOwner)
	}
	return nil
}

// enter takes the reentrancy guard. The returned func releases it.
func (v *Vault) enter(op string) (func(), error) {
	if v.entered {
		return nil, fail(op, KindReentrancy)
	}
	v.entered = true
	return func() { v.entered = false }, nil
}

func (v *Vault) emit(e Event) {
	e.VaultID = v.id
	v.emitter.Emit(e)
}

func (v *Vault) credit(asset AssetID, amount int64) {
	v.balances[asset] += amount
}

// debit assumes the caller checked the balance. Zero balances are dropped
// from the map.
func (v *Vault) debit(asset AssetID, amount int64) {
	left := v.balances[asset] - amount
	if left == 0 {
		delete(v.balances, asset)
		return
	}
	v.balances[asset] = left
}

// Deposit pulls amount of asset from the owner's external holdings into the
// vault.
func (v *Vault) Deposit(ctx context.Context, caller Principal, asset AssetID, amount int64) error {
	const op = "deposit"
	if err := v.requireOwner(op, caller); err != nil {
		return err
	}
	if amount <= 0 {
		return fail(op, KindZeroAmount)
	}
	if err := asset.Validate(); err != nil {
		return fail(op, KindInvalidAsset)
	}
	if v.balances[asset] > math.MaxInt64-amount {
		return fail(op, KindAmountOverflow)
	}
	release, err := v.enter(op)
	if err != nil {
		return err
	}
	defer release()

	if err := v.ledger.Pull(ctx, v.owner, asset, amount); err != nil {
		if k := KindOf(err); k == KindInsufficientFunds {
			return &Error{Kind: k, Op: op, Err: err}
		}
		return &Error{Kind: KindLedgerTransfer, Op: op, Err: err}
	}
	v.credit(asset, amount)
	v.emit(Event{Type: EventDeposited, OccurredAt: v.clock.Now(), Owner: v.owner, AssetID: asset, Amount: amount})
	return nil
}

// Withdraw pays amount of asset out to the owner. It ignores the pause flag
// and every spend policy.
func (v *Vault) Withdraw(ctx context.Context, caller Principal, asset AssetID, amount int64) error {
	const op = "withdraw"
	if err := v.requireOwner(op, caller); err != nil {
		return err
	}
	if amount <= 0 {
		return fail(op, KindZeroAmount)
	}
	if v.balances[asset] < amount {
		return fail(op, KindInsufficientFunds)
	}
	release, err := v.enter(op)
	if err != nil {
		return err
	}
	defer release()

	v.debit(asset, amount)
	if err := v.ledger.Push(ctx, v.owner, asset, amount); err != nil {
		v.credit(asset, amount)
		return &Error{Kind: KindLedgerTransfer, Op: op, Err: err}
	}
	v.emit(Event{Type: EventWithdrawn, OccurredAt: v.clock.Now(), Owner: v.owner, AssetID: asset, Amount: amount})
	return nil
}

// Pause suspends agent payments. Pausing a paused vault does nothing.
func (v *Vault) Pause(caller Principal) error {
	if err := v.requireOwner("pause", caller); err != nil {
		return err
	}
	if v.paused {
		return nil
	}
	v.paused = true
	v.emit(Event{Type: EventVaultPaused, OccurredAt: v.clock.Now(), Owner: v.owner})
	return nil
}

// Unpause resumes agent payments. Unpausing an active vault does nothing.
func (v *Vault) Unpause(caller Principal) error {
	if err := v.requireOwner("unpause", caller); err != nil {
		return err
	}
	if !v.paused {
		return nil
	}
	v.paused = false
	v.emit(Event{Type: EventVaultUnpaused, OccurredAt: v.clock.Now(), Owner: v.owner})
	return nil
}

// ExecutePayment moves amount of asset from the vault to recipient on behalf
// of an agent. Every check runs before any state changes; a rejected call
// leaves the vault exactly as it was.
func (v *Vault) ExecutePayment(ctx context.Context, auth Authorization, agentID AgentID, asset AssetID, recipient Principal, amount int64) error {
	const op = "execute_payment"
	if auth == nil {
		return fail(op, KindNotAuthorized)
	}
	release, err := v.enter(op)
	if err != nil {
		return err
	}
	defer release()

	now := v.clock.Now()
	to, stored, next, err := v.checkPayment(op, auth, agentID, asset, recipient, amount, now)
	if err != nil {
		return err
	}

	v.debit(asset, amount)
	if err := v.ledger.Push(ctx, to, asset, amount); err != nil {
		v.credit(asset, amount)
		return &Error{Kind: KindLedgerTransfer, Op: op, Err: err}
	}
	next.SpentThisPeriod += amount
	next.TxCountThisPeriod++
	*stored = next

	v.emit(Event{
		Type:       EventPaymentExecuted,
		OccurredAt: now,
		AgentID:    agentID.String(),
		AssetID:    asset,
		Recipient:  to,
		Amount:     amount,
	})
	return nil
}

// checkPayment runs the payment preconditions in order. A nil auth skips the
// token check, which only Preflight does. It returns the canonical
// recipient, the stored policy and the rolled-over working copy to commit.
func (v *Vault) checkPayment(op string, auth Authorization, agentID AgentID, asset AssetID, recipient Principal, amount int64, now time.Time) (Principal, *SpendPolicy, SpendPolicy, error) {
	if v.paused {
		return "", nil, SpendPolicy{}, fail(op, KindVaultPaused)
	}
	if auth != nil && !v.Bound(auth, agentID) {
		return "", nil, SpendPolicy{}, fail(op, KindNotAuthorized)
	}
	if !v.IsAgentActive(agentID) {
		return "", nil, SpendPolicy{}, fail(op, KindNotAuthorized)
	}
	if amount <= 0 {
		return "", nil, SpendPolicy{}, fail(op, KindZeroAmount)
	}
	to, err := ParsePrincipal(string(recipient))
	if err != nil {
		return "", nil, SpendPolicy{}, fail(op, KindZeroAddress)
	}
	stored, ok := v.policies[policyKey{agent: agentID, asset: asset}]
	if !ok {
		return "", nil, SpendPolicy{}, fail(op, KindNoPolicySet)
	}
	next := stored.rolled(now)
	if k := next.admit(amount); k != "" {
		return "", nil, SpendPolicy{}, fail(op, k)
	}
	if v.balances[asset] < amount {
		return "", nil, SpendPolicy{}, fail(op, KindInsufficientFunds)
	}
	return to, stored, next, nil
}

// newID is swapped in tests that need predictable agent ids.
var newID = uuid.New

func sortedAgents(m map[AgentID]*AgentRecord) []AgentRecord {
	out := make([]AgentRecord, 0, len(m))
	for _, r := range m {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

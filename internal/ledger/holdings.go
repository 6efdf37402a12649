// Package ledger provides the in-process value-transfer primitive used by
// tests, local development and the MCP demo mode. Persistent deployments use
// the transactional holdings ledgers in internal/storage instead.
package ledger

import (
	"context"
	"math"
	"sync"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// CreditHook runs after a credit lands, the way a contract recipient's code
// runs on an account-based ledger. A non-nil error reverts the credit.
type CreditHook func(ctx context.Context, to vault.Principal, asset vault.AssetID, amount int64) error

// Holdings implements vault.Ledger over in-memory principal balances.
// Funds pulled into a vault leave the principal's holdings; funds pushed out
// arrive in the recipient's.
type Holdings struct {
	mu       sync.Mutex
	balances map[vault.Principal]map[vault.AssetID]int64
	hook     CreditHook
}

// NewHoldings returns an empty ledger.
func NewHoldings() *Holdings {
	return &Holdings{balances: make(map[vault.Principal]map[vault.AssetID]int64)}
}

// OnCredit installs a hook that runs on every Push.
func (h *Holdings) OnCredit(hook CreditHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = hook
}

// Mint credits p's external holdings, e.g. to fund an owner before deposit.
func (h *Holdings) Mint(p vault.Principal, asset vault.AssetID, amount int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.add(p, asset, amount)
}

// BalanceOf returns p's external holdings of asset.
func (h *Holdings) BalanceOf(p vault.Principal, asset vault.AssetID) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.balances[p][asset]
}

// Pull implements vault.Ledger.
func (h *Holdings) Pull(_ context.Context, from vault.Principal, asset vault.AssetID, amount int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balances[from][asset] < amount {
		return &vault.Error{Kind: vault.KindInsufficientFunds, Op: "ledger pull"}
	}
	h.sub(from, asset, amount)
	return nil
}

// Push implements vault.Ledger. The credit hook runs without the ledger
// lock held so that it may call back into the ledger.
func (h *Holdings) Push(ctx context.Context, to vault.Principal, asset vault.AssetID, amount int64) error {
	h.mu.Lock()
	if err := h.add(to, asset, amount); err != nil {
		h.mu.Unlock()
		return err
	}
	hook := h.hook
	h.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, to, asset, amount); err != nil {
		h.mu.Lock()
		h.sub(to, asset, amount)
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *Holdings) add(p vault.Principal, asset vault.AssetID, amount int64) error {
	m, ok := h.balances[p]
	if !ok {
		m = make(map[vault.AssetID]int64)
		h.balances[p] = m
	}
	if m[asset] > math.MaxInt64-amount {
		return &vault.Error{Kind: vault.KindAmountOverflow, Op: "ledger credit"}
	}
	m[asset] += amount
	return nil
}

func (h *Holdings) sub(p vault.Principal, asset vault.AssetID, amount int64) {
	m := h.balances[p]
	m[asset] -= amount
	if m[asset] == 0 {
		delete(m, asset)
	}
	if len(m) == 0 {
		delete(h.balances, p)
	}
}

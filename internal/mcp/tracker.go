package mcp

import (
	"sync"
	"time"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// preflightTracker records recent vault_check_payment calls so
// vault_execute_payment can tell an agent that skipped the check.
//
// The nudge is advisory. The tracker is in-memory and per process, so a
// restart only costs a spurious hint.
type preflightTracker struct {
	mu     sync.Mutex
	checks map[preflightKey]time.Time
	window time.Duration
	now    func() time.Time
}

type preflightKey struct {
	vaultID vault.VaultID
	agentID vault.AgentID
	assetID vault.AssetID
}

func newPreflightTracker(window time.Duration) *preflightTracker {
	return &preflightTracker{
		checks: make(map[preflightKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes a preflight for the agent's payments of asset.
func (t *preflightTracker) Record(vaultID vault.VaultID, agentID vault.AgentID, assetID vault.AssetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[preflightKey{vaultID, agentID, assetID}] = t.now()

	// Bound the map when many distinct agents pass through.
	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether a preflight was recorded within the window.
func (t *preflightTracker) WasChecked(vaultID vault.VaultID, agentID vault.AgentID, assetID vault.AssetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := preflightKey{vaultID, agentID, assetID}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *preflightTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}

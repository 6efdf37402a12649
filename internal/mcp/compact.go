package mcp

import (
	"sort"
	"time"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// compactVault returns what an agent needs to plan spending: balances in
// display units, active agents and each policy's remaining allowance.
// Revoked agents and capability digests are left out.
func (s *Server) compactVault(snap vault.Snapshot) map[string]any {
	ids := make([]string, 0, len(snap.Balances))
	for a := range snap.Balances {
		ids = append(ids, string(a))
	}
	sort.Strings(ids)
	balances := make(map[string]string, len(ids))
	for _, a := range ids {
		balances[a] = s.assets.Format(vault.AssetID(a), snap.Balances[vault.AssetID(a)])
	}

	agents := make([]map[string]any, 0, len(snap.Agents))
	active := make(map[vault.AgentID]bool, len(snap.Agents))
	for _, a := range snap.Agents {
		if !a.Active {
			continue
		}
		active[a.ID] = true
		agents = append(agents, map[string]any{
			"agent_id":  a.ID,
			"principal": a.Principal,
			"added_at":  a.AddedAt,
		})
	}

	now := time.Now()
	policies := make([]map[string]any, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		if !active[p.AgentID] {
			continue
		}
		remaining, txs := p.Remaining(now)
		policies = append(policies, map[string]any{
			"agent_id":          p.AgentID,
			"asset_id":          p.AssetID,
			"max_per_tx":        s.assets.Format(p.AssetID, p.MaxPerTx),
			"total_per_period":  s.assets.Format(p.AssetID, p.TotalPerPeriod),
			"max_tx_per_period": p.MaxTxPerPeriod,
			"period":            p.PeriodLength.String(),
			"remaining":         s.assets.Format(p.AssetID, remaining),
			"remaining_txs":     txs,
		})
	}

	return map[string]any{
		"vault_id":   snap.ID,
		"owner":      snap.Owner,
		"paused":     snap.Paused,
		"created_at": snap.CreatedAt,
		"balances":   balances,
		"agents":     agents,
		"policies":   policies,
	}
}

// compactPolicy renders a policy view with display amounts next to units.
func (s *Server) compactPolicy(v vaults.PolicyView) map[string]any {
	p := v.Policy
	return map[string]any{
		"agent_id":          p.AgentID,
		"asset_id":          p.AssetID,
		"agent_active":      v.AgentActive,
		"max_per_tx":        s.assets.Format(p.AssetID, p.MaxPerTx),
		"total_per_period":  s.assets.Format(p.AssetID, p.TotalPerPeriod),
		"max_tx_per_period": p.MaxTxPerPeriod,
		"period":            p.PeriodLength.String(),
		"remaining":         s.assets.Format(p.AssetID, v.Remaining),
		"remaining_units":   v.Remaining,
		"remaining_txs":     v.RemainingTxs,
		"period_end":        v.PeriodEnd,
	}
}

// compactEvent drops hash chain internals (prev_hash, recorded_at) that
// agents don't act on and formats the amount.
func (s *Server) compactEvent(e model.RecordedEvent) map[string]any {
	m := map[string]any{
		"seq":         e.Seq,
		"type":        e.Event.Type,
		"occurred_at": e.Event.OccurredAt,
	}
	ev := e.Event
	if ev.AgentID != "" {
		m["agent_id"] = ev.AgentID
	}
	if ev.Principal != "" {
		m["principal"] = ev.Principal
	}
	if ev.AssetID != "" {
		m["asset_id"] = ev.AssetID
	}
	if ev.Recipient != "" {
		m["recipient"] = ev.Recipient
	}
	if ev.Amount != 0 {
		m["amount"] = s.assets.Format(ev.AssetID, ev.Amount)
	}
	if ev.Limits != nil {
		m["max_per_tx"] = s.assets.Format(ev.AssetID, ev.Limits.MaxPerTx)
		m["total_per_period"] = s.assets.Format(ev.AssetID, ev.Limits.TotalPerPeriod)
		m["max_tx_per_period"] = ev.Limits.MaxTxPerPeriod
		m["period"] = ev.Limits.PeriodLength.String()
	}
	return m
}

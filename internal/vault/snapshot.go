package vault

import "time"

// Snapshot is the persistent form of a vault. Stores write it after every
// successful mutation and Restore rebuilds the vault from it.
type Snapshot struct {
	ID        VaultID           `json:"id"`
	Owner     Principal         `json:"owner"`
	Paused    bool              `json:"paused"`
	CreatedAt time.Time         `json:"created_at"`
	Balances  map[AssetID]int64 `json:"balances"`
	Agents    []AgentRecord     `json:"agents"`
	Policies  []SpendPolicy     `json:"policies"`
}

// Snapshot captures the vault's state. The result shares nothing with v.
func (v *Vault) Snapshot() Snapshot {
	agents := sortedAgents(v.agents)
	for i := range agents {
		if agents[i].RemovedAt != nil {
			t := *agents[i].RemovedAt
			agents[i].RemovedAt = &t
		}
	}
	return Snapshot{
		ID:        v.id,
		Owner:     v.owner,
		Paused:    v.paused,
		CreatedAt: v.createdAt,
		Balances:  v.Balances(),
		Agents:    agents,
		Policies:  v.Policies(),
	}
}

// Restore rebuilds a vault from a snapshot. Zero balances are dropped and
// the principal index is rebuilt from active agents.
func Restore(s Snapshot, opts ...Option) *Vault {
	v := newVault(s.ID, s.Owner, s.CreatedAt)
	v.paused = s.Paused
	for a, n := range s.Balances {
		if n != 0 {
			v.balances[a] = n
		}
	}
	for i := range s.Agents {
		rec := s.Agents[i]
		if rec.RemovedAt != nil {
			t := *rec.RemovedAt
			rec.RemovedAt = &t
		}
		v.agents[rec.ID] = &rec
		if rec.Active {
			v.principals[rec.Principal] = rec.ID
		}
	}
	for i := range s.Policies {
		p := s.Policies[i]
		v.policies[p.key()] = &p
	}
	v.apply(opts)
	return v
}

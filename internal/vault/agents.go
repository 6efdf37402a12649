package vault

import "time"

// AgentRecord is the registry row for one minted authorization. Records are
// never deleted; revocation flips Active and stamps RemovedAt.
type AgentRecord struct {
	ID               AgentID    `json:"agent_id"`
	Principal        Principal  `json:"principal"`
	Active           bool       `json:"active"`
	AddedAt          time.Time  `json:"added_at"`
	RemovedAt        *time.Time `json:"removed_at,omitempty"`
	CapabilityDigest string     `json:"-"`
}

// Grant is returned to the owner by AddAgent. The capability is shown once;
// the vault keeps only its digest.
type Grant struct {
	AgentID    AgentID
	Principal  Principal
	Capability Capability
}

// AddAgent authorizes principal to spend under policies the owner attaches
// later. Every call mints a fresh AgentID and capability, so a principal
// that was removed and re-added never regains its old authorization.
func (v *Vault) AddAgent(caller Principal, principal Principal) (Grant, error) {
	const op = "add_agent"
	if err := v.requireOwner(op, caller); err != nil {
		return Grant{}, err
	}
	p, err := ParsePrincipal(string(principal))
	if err != nil {
		return Grant{}, fail(op, KindZeroAddress)
	}
	if id, ok := v.principals[p]; ok && v.agents[id].Active {
		return Grant{}, fail(op, KindAgentAlreadyActive)
	}

	agentID := newID()
	capability, digest, err := mintCapability(v.id, agentID)
	if err != nil {
		return Grant{}, err
	}
	now := v.clock.Now()
	v.agents[agentID] = &AgentRecord{
		ID:               agentID,
		Principal:        p,
		Active:           true,
		AddedAt:          now,
		CapabilityDigest: digest,
	}
	v.principals[p] = agentID

	v.emit(Event{Type: EventAgentAdded, OccurredAt: now, AgentID: agentID.String(), Principal: p})
	return Grant{AgentID: agentID, Principal: p, Capability: capability}, nil
}

// RemoveAgent revokes an agent. Its spend policies stay stored and
// queryable but can no longer authorize anything.
func (v *Vault) RemoveAgent(caller Principal, agentID AgentID) error {
	const op = "remove_agent"
	if err := v.requireOwner(op, caller); err != nil {
		return err
	}
	rec, ok := v.agents[agentID]
	if !ok || !rec.Active {
		return fail(op, KindAgentNotActive)
	}
	now := v.clock.Now()
	rec.Active = false
	rec.RemovedAt = &now
	if v.principals[rec.Principal] == agentID {
		delete(v.principals, rec.Principal)
	}
	v.emit(Event{Type: EventAgentRemoved, OccurredAt: now, AgentID: agentID.String()})
	return nil
}

// IsAgentActive reports whether agentID is currently authorized.
func (v *Vault) IsAgentActive(agentID AgentID) bool {
	rec, ok := v.agents[agentID]
	return ok && rec.Active
}

// Bound reports whether auth was issued by this vault for agentID. It does
// not consider revocation; see IsAgentActive.
func (v *Vault) Bound(auth Authorization, agentID AgentID) bool {
	if auth == nil || auth.BoundVault() != v.id {
		return false
	}
	rec, ok := v.agents[agentID]
	if !ok {
		return false
	}
	switch a := auth.(type) {
	case Capability:
		return a.agentID == agentID && digestMatches(a.secret, rec.CapabilityDigest)
	case *Capability:
		return a != nil && a.agentID == agentID && digestMatches(a.secret, rec.CapabilityDigest)
	case AccountAuth:
		return rec.Principal.Equal(a.Caller)
	case *AccountAuth:
		return a != nil && rec.Principal.Equal(a.Caller)
	default:
		return false
	}
}

// Agent returns the record for agentID, active or not.
func (v *Vault) Agent(agentID AgentID) (AgentRecord, bool) {
	rec, ok := v.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// AgentByPrincipal returns the active agent mapped to principal.
func (v *Vault) AgentByPrincipal(principal Principal) (AgentRecord, bool) {
	p, err := ParsePrincipal(string(principal))
	if err != nil {
		return AgentRecord{}, false
	}
	id, ok := v.principals[p]
	if !ok {
		return AgentRecord{}, false
	}
	return v.Agent(id)
}

// Agents lists every agent ever added, oldest first.
func (v *Vault) Agents() []AgentRecord {
	return sortedAgents(v.agents)
}

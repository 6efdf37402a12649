package vault

// Decision is the outcome of a payment dry run.
type Decision struct {
	Allowed      bool        `json:"allowed"`
	Kind         Kind        `json:"kind,omitempty"`
	Disposition  Disposition `json:"disposition,omitempty"`
	Remaining    int64       `json:"remaining"`
	RemainingTxs int64       `json:"remaining_txs"`
	Balance      int64       `json:"balance"`
}

// Preflight evaluates a payment without an authorization token and without
// changing state, so an orchestrator can decide between executing
// autonomously and asking the owner to sign.
func (v *Vault) Preflight(agentID AgentID, asset AssetID, recipient Principal, amount int64) Decision {
	now := v.clock.Now()
	d := Decision{Balance: v.balances[asset]}
	if p, ok := v.policies[policyKey{agent: agentID, asset: asset}]; ok {
		d.Remaining, d.RemainingTxs = p.Remaining(now)
	}
	if _, _, _, err := v.checkPayment("preflight", nil, agentID, asset, recipient, amount, now); err != nil {
		d.Kind = KindOf(err)
		d.Disposition = DispositionOf(err)
		return d
	}
	d.Allowed = true
	return d
}

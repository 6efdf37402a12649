package vault

import (
	"sort"
	"time"
)

// Limits is the owner-configured part of a spend policy.
type Limits struct {
	MaxPerTx       int64         `json:"max_per_tx"`
	TotalPerPeriod int64         `json:"total_per_period"`
	MaxTxPerPeriod int64         `json:"max_tx_per_period"`
	PeriodLength   time.Duration `json:"period_length"`
}

// Validate rejects limits that could never admit a payment.
func (l Limits) Validate() error {
	if l.MaxPerTx <= 0 || l.TotalPerPeriod <= 0 || l.MaxTxPerPeriod <= 0 || l.PeriodLength <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// SpendPolicy bounds one agent's spending of one asset over a rolling period.
type SpendPolicy struct {
	AgentID AgentID `json:"agent_id"`
	AssetID AssetID `json:"asset_id"`
	Limits
	PeriodStart       time.Time `json:"period_start"`
	SpentThisPeriod   int64     `json:"spent_this_period"`
	TxCountThisPeriod int64     `json:"tx_count_this_period"`
}

type policyKey struct {
	agent AgentID
	asset AssetID
}

func (p *SpendPolicy) key() policyKey { return policyKey{agent: p.AgentID, asset: p.AssetID} }

// PeriodEnd is the instant the current window lapses.
func (p SpendPolicy) PeriodEnd() time.Time {
	return p.PeriodStart.Add(p.PeriodLength)
}

// windowStart is the precision a window start is kept at. Postgres
// timestamptz stores microseconds, so a finer start would move on reload.
func windowStart(now time.Time) time.Time {
	return now.Truncate(time.Microsecond)
}

// rolled returns the policy as it stands at now: if the window has lapsed the
// counters are zeroed and a new window starts at now. The receiver is a copy;
// the stored record only changes when a payment commits.
func (p SpendPolicy) rolled(now time.Time) SpendPolicy {
	if !now.Before(p.PeriodEnd()) {
		p.SpentThisPeriod = 0
		p.TxCountThisPeriod = 0
		p.PeriodStart = windowStart(now)
	}
	return p
}

// admit runs the limit checks in order against an already-rolled policy.
func (p SpendPolicy) admit(amount int64) Kind {
	if amount > p.MaxPerTx {
		return KindExceedsMaxPerTx
	}
	// spent+amount <= total, written so it cannot overflow.
	if p.SpentThisPeriod > p.TotalPerPeriod || amount > p.TotalPerPeriod-p.SpentThisPeriod {
		return KindExceedsPeriodLimit
	}
	if p.TxCountThisPeriod >= p.MaxTxPerPeriod {
		return KindExceedsTxCount
	}
	return ""
}

// Remaining reports the budget left in the window as of now.
func (p SpendPolicy) Remaining(now time.Time) (amount, txs int64) {
	r := p.rolled(now)
	amount = r.TotalPerPeriod - r.SpentThisPeriod
	txs = r.MaxTxPerPeriod - r.TxCountThisPeriod
	return max(amount, 0), max(txs, 0)
}

// SetSpendPolicy replaces the agent's policy for asset. Counters always
// restart from zero with a new window beginning now.
func (v *Vault) SetSpendPolicy(caller Principal, agentID AgentID, asset AssetID, limits Limits) error {
	const op = "set_spend_policy"
	if err := v.requireOwner(op, caller); err != nil {
		return err
	}
	if !v.IsAgentActive(agentID) {
		return fail(op, KindAgentNotActive)
	}
	if err := asset.Validate(); err != nil {
		return fail(op, KindInvalidAsset)
	}
	if err := limits.Validate(); err != nil {
		return fail(op, KindInvalidPolicy)
	}
	now := v.clock.Now()
	p := &SpendPolicy{AgentID: agentID, AssetID: asset, Limits: limits, PeriodStart: windowStart(now)}
	v.policies[p.key()] = p

	l := limits
	v.emit(Event{Type: EventPolicySet, OccurredAt: now, AgentID: agentID.String(), AssetID: asset, Limits: &l})
	return nil
}

// RemoveSpendPolicy deletes the agent's policy for asset.
func (v *Vault) RemoveSpendPolicy(caller Principal, agentID AgentID, asset AssetID) error {
	const op = "remove_spend_policy"
	if err := v.requireOwner(op, caller); err != nil {
		return err
	}
	k := policyKey{agent: agentID, asset: asset}
	if _, ok := v.policies[k]; !ok {
		return fail(op, KindNoPolicySet)
	}
	delete(v.policies, k)
	v.emit(Event{Type: EventPolicyRemoved, OccurredAt: v.clock.Now(), AgentID: agentID.String(), AssetID: asset})
	return nil
}

// GetSpendPolicy returns the stored policy, including policies of revoked
// agents. Counters are as last committed; use Remaining for the view at a
// given instant.
func (v *Vault) GetSpendPolicy(agentID AgentID, asset AssetID) (SpendPolicy, bool) {
	p, ok := v.policies[policyKey{agent: agentID, asset: asset}]
	if !ok {
		return SpendPolicy{}, false
	}
	return *p, true
}

// Policies lists all stored policies ordered by agent then asset.
func (v *Vault) Policies() []SpendPolicy {
	out := make([]SpendPolicy, 0, len(v.policies))
	for _, p := range v.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID.String() < out[j].AgentID.String()
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

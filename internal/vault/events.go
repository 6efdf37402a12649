package vault

import "time"

// EventType names a vault state transition.
type EventType string

const (
	EventVaultCreated    EventType = "VaultCreated"
	EventDeposited       EventType = "Deposited"
	EventWithdrawn       EventType = "Withdrawn"
	EventAgentAdded      EventType = "AgentAdded"
	EventAgentRemoved    EventType = "AgentRemoved"
	EventPolicySet       EventType = "PolicySet"
	EventPolicyRemoved   EventType = "PolicyRemoved"
	EventPaymentExecuted EventType = "PaymentExecuted"
	EventVaultPaused     EventType = "VaultPaused"
	EventVaultUnpaused   EventType = "VaultUnpaused"
)

// Event is one entry of the audit stream. Fields mirror the parameters of
// the call that produced it and nothing else; unset fields are omitted.
type Event struct {
	Type       EventType `json:"type"`
	VaultID    VaultID   `json:"vault_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Owner      Principal `json:"owner,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Principal  Principal `json:"principal,omitempty"`
	AssetID    AssetID   `json:"asset_id,omitempty"`
	Recipient  Principal `json:"recipient,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Limits     *Limits   `json:"limits,omitempty"`
}

// Emitter receives events as operations succeed. Events emitted during an
// operation that later aborts are discarded by the store together with the
// rest of the transaction.
type Emitter interface {
	Emit(Event)
}

// Recorder is an Emitter that buffers events in order.
type Recorder struct {
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) { r.events = append(r.events, e) }

// Events returns the buffered events.
func (r *Recorder) Events() []Event { return r.events }

// Reset drops buffered events.
func (r *Recorder) Reset() { r.events = r.events[:0] }

type discard struct{}

func (discard) Emit(Event) {}

package vault

import (
	"context"
	"sync"
)

// Registry maps owners to their vault. Register must fail with
// ErrVaultAlreadyExists when the owner already has one, atomically with
// persisting the new vault and its creation events.
type Registry interface {
	Register(ctx context.Context, snap Snapshot, events []Event) error
}

// Factory issues at most one vault per owner.
type Factory struct {
	registry Registry
	clock    Clock
}

// NewFactory returns a factory that records vaults in registry.
func NewFactory(registry Registry, clock Clock) *Factory {
	if clock == nil {
		clock = SystemClock
	}
	return &Factory{registry: registry, clock: clock}
}

// CreateVault creates and registers a vault for owner. opts configure the
// returned instance.
func (f *Factory) CreateVault(ctx context.Context, owner Principal, opts ...Option) (*Vault, error) {
	const op = "create_vault"
	p, err := ParsePrincipal(string(owner))
	if err != nil {
		return nil, fail(op, KindZeroAddress)
	}
	now := f.clock.Now()
	v := newVault(newID(), p, now)
	v.clock = f.clock

	var rec Recorder
	v.emitter = &rec
	v.emit(Event{Type: EventVaultCreated, OccurredAt: now, Owner: p})
	if err := f.registry.Register(ctx, v.Snapshot(), rec.Events()); err != nil {
		return nil, err
	}

	v.emitter = discard{}
	v.apply(opts)
	return v, nil
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	owners map[Principal]VaultID
	snaps  map[VaultID]Snapshot
	events map[VaultID][]Event
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		owners: make(map[Principal]VaultID),
		snaps:  make(map[VaultID]Snapshot),
		events: make(map[VaultID][]Event),
	}
}

// Register implements Registry.
func (r *MemoryRegistry) Register(_ context.Context, snap Snapshot, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[snap.Owner]; ok {
		return fail("create_vault", KindVaultAlreadyExists)
	}
	r.owners[snap.Owner] = snap.ID
	r.snaps[snap.ID] = snap
	r.events[snap.ID] = append([]Event(nil), events...)
	return nil
}

// Lookup returns the vault registered for owner.
func (r *MemoryRegistry) Lookup(owner Principal) (VaultID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[owner]
	return id, ok
}

// Events returns the creation events recorded for id.
func (r *MemoryRegistry) Events(id VaultID) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[id]...)
}

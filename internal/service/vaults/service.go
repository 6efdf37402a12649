// Package vaults is the vault business logic shared by the HTTP API and the
// MCP server. Every mutation runs as one store transaction: the vault is
// loaded under a write lock, the operation applied, and state, ledger
// movements and events committed together.
package vaults

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/telemetry"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// Store is the persistence the service needs. Both the Postgres and the
// SQLite stores implement it.
type Store interface {
	CreateVault(ctx context.Context, owner vault.Principal, clock vault.Clock) (vault.Snapshot, []model.RecordedEvent, error)
	UpdateVault(ctx context.Context, id vault.VaultID, fn func(*vault.Vault) error, opts ...vault.Option) ([]model.RecordedEvent, error)
	GetVault(ctx context.Context, id vault.VaultID) (vault.Snapshot, error)
	GetVaultByOwner(ctx context.Context, owner vault.Principal) (vault.Snapshot, error)
	ListEvents(ctx context.Context, id vault.VaultID, afterSeq int64, limit int) ([]model.RecordedEvent, error)
	CreditHoldings(ctx context.Context, p vault.Principal, asset vault.AssetID, amount int64) error
	HoldingsOf(ctx context.Context, p vault.Principal) (map[vault.AssetID]int64, error)
}

// CommitHook observes events after their transaction commits.
type CommitHook func(ctx context.Context, events []model.RecordedEvent)

// Service encapsulates vault operations.
type Service struct {
	store  Store
	clock  vault.Clock
	logger *slog.Logger

	hookMu   sync.RWMutex
	onCommit CommitHook

	payments        metric.Int64Counter
	paymentVolume   metric.Int64Counter
	commitDuration  metric.Float64Histogram
	eventsCommitted metric.Int64Counter
}

// New creates a Service. A nil clock uses the system clock.
func New(store Store, clock vault.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = vault.SystemClock
	}
	meter := telemetry.Meter("guardvault/vaults")
	payments, _ := meter.Int64Counter("guardvault.payments",
		metric.WithDescription("Payment attempts by outcome"),
	)
	volume, _ := meter.Int64Counter("guardvault.payments.volume",
		metric.WithDescription("Smallest units moved by executed payments"),
	)
	commitDur, _ := meter.Float64Histogram("guardvault.vault.commit.duration",
		metric.WithDescription("Time to apply and commit a vault mutation (ms)"),
		metric.WithUnit("ms"),
	)
	events, _ := meter.Int64Counter("guardvault.events.committed",
		metric.WithDescription("Vault events appended to the audit chain"),
	)
	return &Service{
		store:           store,
		clock:           clock,
		logger:          logger,
		payments:        payments,
		paymentVolume:   volume,
		commitDuration:  commitDur,
		eventsCommitted: events,
	}
}

// OnCommit installs a hook that receives every committed batch of events.
// The embedded store uses it to feed the event broker, which the Postgres
// store does through NOTIFY instead.
func (s *Service) OnCommit(h CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onCommit = h
}

// Result is the outcome of a committed mutation.
type Result struct {
	Vault  vault.Snapshot
	Events []model.RecordedEvent
}

// update applies fn to vault id inside one store transaction and returns the
// state it committed.
func (s *Service) update(ctx context.Context, op string, id vault.VaultID, fn func(*vault.Vault) error) (Result, error) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("guardvault.vault_id", id.String()),
		attribute.String("guardvault.op", op),
	)
	start := time.Now()
	var snap vault.Snapshot
	events, err := s.store.UpdateVault(ctx, id, func(v *vault.Vault) error {
		if err := fn(v); err != nil {
			return err
		}
		snap = v.Snapshot()
		return nil
	}, vault.WithClock(s.clock))
	s.commitDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		if k := vault.KindOf(err); k != "" {
			s.logger.Info("vault: rejected", "op", op, "vault_id", id, "kind", k)
		} else {
			s.logger.Error("vault: update failed", "op", op, "vault_id", id, "error", err)
		}
		return Result{}, err
	}
	s.committed(ctx, events)
	return Result{Vault: snap, Events: events}, nil
}

func (s *Service) committed(ctx context.Context, events []model.RecordedEvent) {
	if len(events) == 0 {
		return
	}
	s.eventsCommitted.Add(ctx, int64(len(events)))
	for _, e := range events {
		s.logger.Debug("vault: event committed", "vault_id", e.VaultID, "seq", e.Seq, "type", e.Event.Type)
	}
	s.hookMu.RLock()
	h := s.onCommit
	s.hookMu.RUnlock()
	if h != nil {
		h(ctx, events)
	}
}

// CreateVault creates the vault for owner. Each owner gets at most one.
func (s *Service) CreateVault(ctx context.Context, owner vault.Principal) (Result, error) {
	snap, events, err := s.store.CreateVault(ctx, owner, s.clock)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("vault: created", "vault_id", snap.ID, "owner", snap.Owner)
	s.committed(ctx, events)
	return Result{Vault: snap, Events: events}, nil
}

// Get returns the committed state of vault id.
func (s *Service) Get(ctx context.Context, id vault.VaultID) (vault.Snapshot, error) {
	return s.store.GetVault(ctx, id)
}

// GetByOwner returns the vault owned by owner.
func (s *Service) GetByOwner(ctx context.Context, owner vault.Principal) (vault.Snapshot, error) {
	return s.store.GetVaultByOwner(ctx, owner)
}

// Events lists vault events after afterSeq.
func (s *Service) Events(ctx context.Context, id vault.VaultID, afterSeq int64, limit int) ([]model.RecordedEvent, error) {
	if _, err := s.store.GetVault(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, afterSeq, limit)
}

// Deposit moves amount from the owner's holdings into the vault.
func (s *Service) Deposit(ctx context.Context, id vault.VaultID, caller vault.Principal, asset vault.AssetID, amount int64) (Result, error) {
	return s.update(ctx, "deposit", id, func(v *vault.Vault) error {
		return v.Deposit(ctx, caller, asset, amount)
	})
}

// Withdraw moves amount from the vault back to the owner.
func (s *Service) Withdraw(ctx context.Context, id vault.VaultID, caller vault.Principal, asset vault.AssetID, amount int64) (Result, error) {
	return s.update(ctx, "withdraw", id, func(v *vault.Vault) error {
		return v.Withdraw(ctx, caller, asset, amount)
	})
}

// Pause stops agent payments.
func (s *Service) Pause(ctx context.Context, id vault.VaultID, caller vault.Principal) (Result, error) {
	return s.update(ctx, "pause", id, func(v *vault.Vault) error { return v.Pause(caller) })
}

// Unpause resumes agent payments.
func (s *Service) Unpause(ctx context.Context, id vault.VaultID, caller vault.Principal) (Result, error) {
	return s.update(ctx, "unpause", id, func(v *vault.Vault) error { return v.Unpause(caller) })
}

// AddAgent authorizes principal and returns its one-time capability.
func (s *Service) AddAgent(ctx context.Context, id vault.VaultID, caller, principal vault.Principal) (vault.Grant, Result, error) {
	var grant vault.Grant
	res, err := s.update(ctx, "add_agent", id, func(v *vault.Vault) error {
		g, err := v.AddAgent(caller, principal)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		return vault.Grant{}, Result{}, err
	}
	s.logger.Info("vault: agent added", "vault_id", id, "agent_id", grant.AgentID, "principal", grant.Principal)
	return grant, res, nil
}

// RemoveAgent revokes an agent. Its policies stay stored.
func (s *Service) RemoveAgent(ctx context.Context, id vault.VaultID, caller vault.Principal, agentID vault.AgentID) (Result, error) {
	return s.update(ctx, "remove_agent", id, func(v *vault.Vault) error {
		return v.RemoveAgent(caller, agentID)
	})
}

// SetPolicy replaces the agent's policy for asset, resetting its counters.
func (s *Service) SetPolicy(ctx context.Context, id vault.VaultID, caller vault.Principal, agentID vault.AgentID, asset vault.AssetID, limits vault.Limits) (Result, error) {
	return s.update(ctx, "set_spend_policy", id, func(v *vault.Vault) error {
		return v.SetSpendPolicy(caller, agentID, asset, limits)
	})
}

// RemovePolicy deletes the agent's policy for asset.
func (s *Service) RemovePolicy(ctx context.Context, id vault.VaultID, caller vault.Principal, agentID vault.AgentID, asset vault.AssetID) (Result, error) {
	return s.update(ctx, "remove_spend_policy", id, func(v *vault.Vault) error {
		return v.RemoveSpendPolicy(caller, agentID, asset)
	})
}

// PolicyView is a stored policy with its budget as of now.
type PolicyView struct {
	Policy       vault.SpendPolicy `json:"policy"`
	AgentActive  bool              `json:"agent_active"`
	Remaining    int64             `json:"remaining"`
	RemainingTxs int64             `json:"remaining_txs"`
	PeriodEnd    time.Time         `json:"period_end"`
}

// Policy returns the agent's policy for asset, including policies of
// revoked agents.
func (s *Service) Policy(ctx context.Context, id vault.VaultID, agentID vault.AgentID, asset vault.AssetID) (PolicyView, error) {
	snap, err := s.store.GetVault(ctx, id)
	if err != nil {
		return PolicyView{}, err
	}
	v := vault.Restore(snap, vault.WithClock(s.clock))
	p, ok := v.GetSpendPolicy(agentID, asset)
	if !ok {
		return PolicyView{}, &vault.Error{Kind: vault.KindNoPolicySet, Op: "get_spend_policy"}
	}
	now := s.clock.Now()
	view := PolicyView{Policy: p, AgentActive: v.IsAgentActive(agentID)}
	view.Remaining, view.RemainingTxs = p.Remaining(now)
	view.PeriodEnd = p.PeriodEnd()
	if !now.Before(view.PeriodEnd) {
		view.PeriodEnd = now.Add(p.PeriodLength)
	}
	return view, nil
}

// Preflight dry-runs a payment against committed state.
func (s *Service) Preflight(ctx context.Context, id vault.VaultID, agentID vault.AgentID, asset vault.AssetID, recipient vault.Principal, amount int64) (vault.Decision, error) {
	snap, err := s.store.GetVault(ctx, id)
	if err != nil {
		return vault.Decision{}, err
	}
	return vault.Restore(snap, vault.WithClock(s.clock)).Preflight(agentID, asset, recipient, amount), nil
}

// Payment is an agent's request to pay recipient out of vault VaultID.
type Payment struct {
	VaultID   vault.VaultID
	Auth      vault.Authorization
	AgentID   vault.AgentID
	Asset     vault.AssetID
	Recipient vault.Principal
	Amount    int64
}

// PaymentResult describes an executed payment.
type PaymentResult struct {
	Event        model.RecordedEvent
	Balance      int64
	Remaining    int64
	RemainingTxs int64
}

// ExecutePayment runs an agent payment. A rejected payment changes nothing
// and returns a *vault.Error.
func (s *Service) ExecutePayment(ctx context.Context, p Payment) (PaymentResult, error) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("guardvault.agent_id", p.AgentID.String()),
		attribute.String("guardvault.asset_id", string(p.Asset)),
	)
	var out PaymentResult
	res, err := s.update(ctx, "execute_payment", p.VaultID, func(v *vault.Vault) error {
		if err := v.ExecutePayment(ctx, p.Auth, p.AgentID, p.Asset, p.Recipient, p.Amount); err != nil {
			return err
		}
		out.Balance = v.Balance(p.Asset)
		if pol, ok := v.GetSpendPolicy(p.AgentID, p.Asset); ok {
			out.Remaining, out.RemainingTxs = pol.Remaining(s.clock.Now())
		}
		return nil
	})
	if err != nil {
		outcome := string(vault.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		s.payments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		return PaymentResult{}, err
	}
	if len(res.Events) != 1 {
		return PaymentResult{}, fmt.Errorf("vaults: payment committed %d events, want 1", len(res.Events))
	}
	out.Event = res.Events[0]

	attrs := metric.WithAttributes(attribute.String("asset", string(p.Asset)))
	s.payments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "executed")))
	s.paymentVolume.Add(ctx, p.Amount, attrs)
	s.logger.Info("vault: payment executed",
		"vault_id", p.VaultID, "agent_id", p.AgentID, "asset", p.Asset,
		"recipient", out.Event.Event.Recipient, "amount", p.Amount, "seq", out.Event.Seq)
	return out, nil
}

// Fund credits a principal's external holdings. It stands in for an
// on-chain transfer into the account and is restricted to admins upstream.
func (s *Service) Fund(ctx context.Context, p vault.Principal, asset vault.AssetID, amount int64) error {
	p, err := vault.ParsePrincipal(string(p))
	if err != nil {
		return &vault.Error{Kind: vault.KindZeroAddress, Op: "fund"}
	}
	if err := asset.Validate(); err != nil {
		return &vault.Error{Kind: vault.KindInvalidAsset, Op: "fund"}
	}
	if err := s.store.CreditHoldings(ctx, p, asset, amount); err != nil {
		return err
	}
	s.logger.Info("holdings: funded", "principal", p, "asset", asset, "amount", amount)
	return nil
}

// Holdings returns p's external holdings.
func (s *Service) Holdings(ctx context.Context, p vault.Principal) (map[vault.AssetID]int64, error) {
	return s.store.HoldingsOf(ctx, p)
}

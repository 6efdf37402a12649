package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Register implements vault.Registry.
func (s *Store) Register(ctx context.Context, snap vault.Snapshot, events []vault.Event) error {
	_, err := s.register(ctx, snap, events)
	return err
}

func (s *Store) register(ctx context.Context, snap vault.Snapshot, events []vault.Event) ([]model.RecordedEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vaults (id, owner, paused, created_at) VALUES (?, ?, ?, ?)`,
		snap.ID.String(), string(snap.Owner), snap.Paused, formatTime(snap.CreatedAt),
	); err != nil {
		if isUnique(err) {
			return nil, &vault.Error{Kind: vault.KindVaultAlreadyExists, Op: "create_vault"}
		}
		return nil, fmt.Errorf("sqlite: insert vault: %w", err)
	}
	recorded, err := commitState(ctx, tx, snap, 0, "", events)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit register: %w", err)
	}
	return recorded, nil
}

// CreateVault runs the factory against this store and returns the new
// vault's snapshot and recorded creation events.
func (s *Store) CreateVault(ctx context.Context, owner vault.Principal, clock vault.Clock) (vault.Snapshot, []model.RecordedEvent, error) {
	reg := &capturingRegistry{s: s}
	v, err := vault.NewFactory(reg, clock).CreateVault(ctx, owner)
	if err != nil {
		return vault.Snapshot{}, nil, err
	}
	return v.Snapshot(), reg.recorded, nil
}

type capturingRegistry struct {
	s        *Store
	recorded []model.RecordedEvent
}

func (c *capturingRegistry) Register(ctx context.Context, snap vault.Snapshot, events []vault.Event) error {
	rec, err := c.s.register(ctx, snap, events)
	c.recorded = rec
	return err
}

// UpdateVault loads vault id, applies fn and commits the new state, ledger
// movements and events in one IMMEDIATE transaction. An error from fn
// aborts all of it; if fn emits no events nothing is written.
func (s *Store) UpdateVault(ctx context.Context, id vault.VaultID, fn func(*vault.Vault) error, opts ...vault.Option) ([]model.RecordedEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap, seq, head, err := loadVault(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	var rec vault.Recorder
	all := append(append([]vault.Option(nil), opts...),
		vault.WithLedger(&txLedger{tx: tx}),
		vault.WithEmitter(&rec),
	)
	v := vault.Restore(snap, all...)
	if err := fn(v); err != nil {
		return nil, err
	}
	if len(rec.Events()) == 0 {
		return nil, nil
	}

	recorded, err := commitState(ctx, tx, v.Snapshot(), seq, head, rec.Events())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit update: %w", err)
	}
	return recorded, nil
}

// GetVault returns the committed state of vault id.
func (s *Store) GetVault(ctx context.Context, id vault.VaultID) (vault.Snapshot, error) {
	snap, _, _, err := loadVault(ctx, s.db, id)
	return snap, err
}

// GetVaultByOwner returns the vault owned by owner.
func (s *Store) GetVaultByOwner(ctx context.Context, owner vault.Principal) (vault.Snapshot, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM vaults WHERE owner = ?`, string(owner)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vault.Snapshot{}, &vault.Error{Kind: vault.KindVaultNotFound, Op: "get_vault"}
		}
		return vault.Snapshot{}, fmt.Errorf("sqlite: get vault by owner: %w", err)
	}
	vid, err := uuid.Parse(id)
	if err != nil {
		return vault.Snapshot{}, fmt.Errorf("sqlite: vault id: %w", err)
	}
	return s.GetVault(ctx, vid)
}

// ListVaultIDs returns every vault id in creation order.
func (s *Store) ListVaultIDs(ctx context.Context) ([]vault.VaultID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM vaults ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list vault IDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []vault.VaultID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan vault id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: vault id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListEvents returns up to limit events of vault id with seq > afterSeq.
func (s *Store) ListEvents(ctx context.Context, id vault.VaultID, afterSeq int64, limit int) ([]model.RecordedEvent, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, hash, prev_hash, payload, recorded_at FROM vault_events
		 WHERE vault_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		id.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RecordedEvent
	for rows.Next() {
		re := model.RecordedEvent{VaultID: id}
		var payload, recorded string
		if err := rows.Scan(&re.Seq, &re.Hash, &re.PrevHash, &payload, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &re.Event); err != nil {
			return nil, fmt.Errorf("sqlite: decode event %d: %w", re.Seq, err)
		}
		if re.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

func loadVault(ctx context.Context, q queryer, id vault.VaultID) (vault.Snapshot, int64, string, error) {
	snap := vault.Snapshot{ID: id, Balances: map[vault.AssetID]int64{}}
	var owner, created, head string
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT owner, paused, created_at, event_seq, event_head FROM vaults WHERE id = ?`, id.String(),
	).Scan(&owner, &snap.Paused, &created, &seq, &head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vault.Snapshot{}, 0, "", &vault.Error{Kind: vault.KindVaultNotFound, Op: "load_vault"}
		}
		return vault.Snapshot{}, 0, "", fmt.Errorf("sqlite: load vault: %w", err)
	}
	snap.Owner = vault.Principal(owner)
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return vault.Snapshot{}, 0, "", err
	}
	if err := loadBalances(ctx, q, &snap); err != nil {
		return vault.Snapshot{}, 0, "", err
	}
	if snap.Agents, err = loadAgents(ctx, q, id); err != nil {
		return vault.Snapshot{}, 0, "", err
	}
	if snap.Policies, err = loadPolicies(ctx, q, id); err != nil {
		return vault.Snapshot{}, 0, "", err
	}
	return snap, seq, head, nil
}

func loadBalances(ctx context.Context, q queryer, snap *vault.Snapshot) error {
	rows, err := q.QueryContext(ctx, `SELECT asset_id, amount FROM vault_balances WHERE vault_id = ?`, snap.ID.String())
	if err != nil {
		return fmt.Errorf("sqlite: load balances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var asset string
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return fmt.Errorf("sqlite: scan balance: %w", err)
		}
		snap.Balances[vault.AssetID(asset)] = amount
	}
	return rows.Err()
}

func loadAgents(ctx context.Context, q queryer, id vault.VaultID) ([]vault.AgentRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, principal, active, added_at, removed_at, capability_digest
		 FROM vault_agents WHERE vault_id = ? ORDER BY added_at, id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: load agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []vault.AgentRecord
	for rows.Next() {
		var r vault.AgentRecord
		var aid, principal, added string
		var removed sql.NullString
		if err := rows.Scan(&aid, &principal, &r.Active, &added, &removed, &r.CapabilityDigest); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		if r.ID, err = uuid.Parse(aid); err != nil {
			return nil, fmt.Errorf("sqlite: agent id: %w", err)
		}
		r.Principal = vault.Principal(principal)
		if r.AddedAt, err = parseTime(added); err != nil {
			return nil, err
		}
		if removed.Valid {
			t, err := parseTime(removed.String)
			if err != nil {
				return nil, err
			}
			r.RemovedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadPolicies(ctx context.Context, q queryer, id vault.VaultID) ([]vault.SpendPolicy, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT agent_id, asset_id, max_per_tx, total_per_period, max_tx_per_period,
		        period_length_ns, period_start, spent_this_period, tx_count_this_period
		 FROM spend_policies WHERE vault_id = ? ORDER BY agent_id, asset_id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: load policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []vault.SpendPolicy
	for rows.Next() {
		var p vault.SpendPolicy
		var aid, asset, start string
		var periodNS int64
		if err := rows.Scan(&aid, &asset, &p.MaxPerTx, &p.TotalPerPeriod, &p.MaxTxPerPeriod,
			&periodNS, &start, &p.SpentThisPeriod, &p.TxCountThisPeriod); err != nil {
			return nil, fmt.Errorf("sqlite: scan policy: %w", err)
		}
		if p.AgentID, err = uuid.Parse(aid); err != nil {
			return nil, fmt.Errorf("sqlite: policy agent id: %w", err)
		}
		p.AssetID = vault.AssetID(asset)
		p.PeriodLength = time.Duration(periodNS)
		if p.PeriodStart, err = parseTime(start); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// commitState overwrites the vault's stored state with snap and appends
// events to its chain.
func commitState(ctx context.Context, tx *sql.Tx, snap vault.Snapshot, seq int64, head string, events []vault.Event) ([]model.RecordedEvent, error) {
	recorded, err := chainEvents(snap.ID, seq, head, events)
	if err != nil {
		return nil, err
	}
	if len(recorded) > 0 {
		last := recorded[len(recorded)-1]
		seq, head = last.Seq, last.Hash
	}
	id := snap.ID.String()

	exec := func(query string, args ...any) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("sqlite: write vault state: %w", err)
		}
		return nil
	}

	if err := exec(`UPDATE vaults SET paused = ?, event_seq = ?, event_head = ? WHERE id = ?`,
		snap.Paused, seq, head, id); err != nil {
		return nil, err
	}

	if err := exec(`DELETE FROM vault_balances WHERE vault_id = ?`, id); err != nil {
		return nil, err
	}
	for asset, amount := range snap.Balances {
		if amount == 0 {
			continue
		}
		if err := exec(`INSERT INTO vault_balances (vault_id, asset_id, amount) VALUES (?, ?, ?)`,
			id, string(asset), amount); err != nil {
			return nil, err
		}
	}

	for _, a := range snap.Agents {
		var removed sql.NullString
		if a.RemovedAt != nil {
			removed = sql.NullString{String: formatTime(*a.RemovedAt), Valid: true}
		}
		if err := exec(`INSERT INTO vault_agents (id, vault_id, principal, active, added_at, removed_at, capability_digest)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET active = excluded.active, removed_at = excluded.removed_at`,
			a.ID.String(), id, string(a.Principal), a.Active, formatTime(a.AddedAt), removed, a.CapabilityDigest); err != nil {
			return nil, err
		}
	}

	if err := exec(`DELETE FROM spend_policies WHERE vault_id = ?`, id); err != nil {
		return nil, err
	}
	for _, p := range snap.Policies {
		if err := exec(`INSERT INTO spend_policies (vault_id, agent_id, asset_id, max_per_tx, total_per_period,
			     max_tx_per_period, period_length_ns, period_start, spent_this_period, tx_count_this_period)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.AgentID.String(), string(p.AssetID), p.MaxPerTx, p.TotalPerPeriod,
			p.MaxTxPerPeriod, int64(p.PeriodLength), formatTime(p.PeriodStart), p.SpentThisPeriod, p.TxCountThisPeriod); err != nil {
			return nil, err
		}
	}

	now := formatTime(time.Now())
	for i := range recorded {
		re := &recorded[i]
		payload, err := json.Marshal(re.Event)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal event %d: %w", re.Seq, err)
		}
		if err := exec(`INSERT INTO vault_events (vault_id, seq, event_type, hash, prev_hash, payload, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, re.Seq, string(re.Event.Type), re.Hash, re.PrevHash, string(payload), now); err != nil {
			return nil, err
		}
		re.RecordedAt, _ = parseTime(now)
	}
	return recorded, nil
}

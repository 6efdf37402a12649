package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// chainHead is the last event of a vault's audit chain.
type chainHead struct {
	seq  int64
	hash string
}

// Register implements vault.Registry: it inserts a new vault together with
// its creation events. A second vault for the same owner fails with
// vault.ErrVaultAlreadyExists.
func (db *DB) Register(ctx context.Context, snap vault.Snapshot, events []vault.Event) error {
	_, err := db.register(ctx, snap, events)
	return err
}

func (db *DB) register(ctx context.Context, snap vault.Snapshot, events []vault.Event) ([]model.RecordedEvent, error) {
	var recorded []model.RecordedEvent
	err := db.inVaultTx(ctx, "create_vault", snap.ID, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin register: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO vaults (id, owner, paused, created_at) VALUES ($1, $2, $3, $4)`,
			snap.ID, string(snap.Owner), snap.Paused, snap.CreatedAt,
		); err != nil {
			if hasCode(err, codeUniqueViolation) {
				return &vault.Error{Kind: vault.KindVaultAlreadyExists, Op: "create_vault"}
			}
			return fmt.Errorf("storage: insert vault: %w", err)
		}

		recorded, err = db.commitState(ctx, tx, snap, chainHead{}, events)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit register: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// CreateVault runs the factory against this store and returns the new
// vault's snapshot and recorded creation events.
func (db *DB) CreateVault(ctx context.Context, owner vault.Principal, clock vault.Clock) (vault.Snapshot, []model.RecordedEvent, error) {
	reg := &capturingRegistry{db: db}
	v, err := vault.NewFactory(reg, clock).CreateVault(ctx, owner)
	if err != nil {
		return vault.Snapshot{}, nil, err
	}
	return v.Snapshot(), reg.recorded, nil
}

// capturingRegistry keeps the recorded events that Register discards.
type capturingRegistry struct {
	db       *DB
	recorded []model.RecordedEvent
}

func (c *capturingRegistry) Register(ctx context.Context, snap vault.Snapshot, events []vault.Event) error {
	rec, err := c.db.register(ctx, snap, events)
	c.recorded = rec
	return err
}

// UpdateVault loads vault id under a row lock, applies fn and commits the
// resulting state, the ledger movements fn caused and the events it emitted
// in one transaction. An error from fn aborts all of it. If fn emits no
// events nothing is written.
//
// fn may run more than once when the transaction is retried; it must derive
// everything from the vault it is handed.
func (db *DB) UpdateVault(ctx context.Context, id vault.VaultID, fn func(*vault.Vault) error, opts ...vault.Option) ([]model.RecordedEvent, error) {
	var recorded []model.RecordedEvent
	err := db.inVaultTx(ctx, "update_vault", id, func() error {
		recorded = nil
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		snap, head, err := loadVault(ctx, tx, id, true)
		if err != nil {
			return err
		}

		var rec vault.Recorder
		all := append(append([]vault.Option(nil), opts...),
			vault.WithLedger(&txLedger{tx: tx}),
			vault.WithEmitter(&rec),
		)
		v := vault.Restore(snap, all...)
		if err := fn(v); err != nil {
			return err
		}
		if len(rec.Events()) == 0 {
			return nil
		}

		recorded, err = db.commitState(ctx, tx, v.Snapshot(), head, rec.Events())
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// GetVault returns the committed state of vault id.
func (db *DB) GetVault(ctx context.Context, id vault.VaultID) (vault.Snapshot, error) {
	snap, _, err := loadVault(ctx, db.pool, id, false)
	return snap, err
}

// GetVaultByOwner returns the vault owned by owner.
func (db *DB) GetVaultByOwner(ctx context.Context, owner vault.Principal) (vault.Snapshot, error) {
	var id vault.VaultID
	err := db.pool.QueryRow(ctx, `SELECT id FROM vaults WHERE owner = $1`, string(owner)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vault.Snapshot{}, &vault.Error{Kind: vault.KindVaultNotFound, Op: "get_vault"}
		}
		return vault.Snapshot{}, fmt.Errorf("storage: get vault by owner: %w", err)
	}
	return db.GetVault(ctx, id)
}

// ListVaultIDs returns every vault id in creation order.
func (db *DB) ListVaultIDs(ctx context.Context) ([]vault.VaultID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM vaults ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list vault IDs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[vault.VaultID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan vault IDs: %w", err)
	}
	return ids, nil
}

func loadVault(ctx context.Context, q querier, id vault.VaultID, forUpdate bool) (vault.Snapshot, chainHead, error) {
	sql := `SELECT owner, paused, created_at, event_seq, event_head FROM vaults WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	snap := vault.Snapshot{ID: id, Balances: map[vault.AssetID]int64{}}
	var head chainHead
	var owner string
	err := q.QueryRow(ctx, sql, id).Scan(&owner, &snap.Paused, &snap.CreatedAt, &head.seq, &head.hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vault.Snapshot{}, chainHead{}, &vault.Error{Kind: vault.KindVaultNotFound, Op: "load_vault"}
		}
		return vault.Snapshot{}, chainHead{}, fmt.Errorf("storage: load vault: %w", err)
	}
	snap.Owner = vault.Principal(owner)
	snap.CreatedAt = snap.CreatedAt.UTC()

	rows, err := q.Query(ctx, `SELECT asset_id, amount FROM vault_balances WHERE vault_id = $1`, id)
	if err != nil {
		return vault.Snapshot{}, chainHead{}, fmt.Errorf("storage: load balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var asset string
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return vault.Snapshot{}, chainHead{}, fmt.Errorf("storage: scan balance: %w", err)
		}
		snap.Balances[vault.AssetID(asset)] = amount
	}
	if err := rows.Err(); err != nil {
		return vault.Snapshot{}, chainHead{}, fmt.Errorf("storage: load balances: %w", err)
	}

	if snap.Agents, err = loadAgents(ctx, q, id); err != nil {
		return vault.Snapshot{}, chainHead{}, err
	}
	if snap.Policies, err = loadPolicies(ctx, q, id); err != nil {
		return vault.Snapshot{}, chainHead{}, err
	}
	return snap, head, nil
}

func loadAgents(ctx context.Context, q querier, id vault.VaultID) ([]vault.AgentRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT id, principal, active, added_at, removed_at, capability_digest
		 FROM vault_agents WHERE vault_id = $1 ORDER BY added_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: load agents: %w", err)
	}
	defer rows.Close()

	var out []vault.AgentRecord
	for rows.Next() {
		var r vault.AgentRecord
		var principal string
		if err := rows.Scan(&r.ID, &principal, &r.Active, &r.AddedAt, &r.RemovedAt, &r.CapabilityDigest); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		r.Principal = vault.Principal(principal)
		r.AddedAt = r.AddedAt.UTC()
		if r.RemovedAt != nil {
			t := r.RemovedAt.UTC()
			r.RemovedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadPolicies(ctx context.Context, q querier, id vault.VaultID) ([]vault.SpendPolicy, error) {
	rows, err := q.Query(ctx,
		`SELECT agent_id, asset_id, max_per_tx, total_per_period, max_tx_per_period,
		        period_length_ns, period_start, spent_this_period, tx_count_this_period
		 FROM spend_policies WHERE vault_id = $1 ORDER BY agent_id, asset_id`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: load policies: %w", err)
	}
	defer rows.Close()

	var out []vault.SpendPolicy
	for rows.Next() {
		var p vault.SpendPolicy
		var asset string
		var periodNS int64
		if err := rows.Scan(&p.AgentID, &asset, &p.MaxPerTx, &p.TotalPerPeriod, &p.MaxTxPerPeriod,
			&periodNS, &p.PeriodStart, &p.SpentThisPeriod, &p.TxCountThisPeriod); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		p.AssetID = vault.AssetID(asset)
		p.PeriodLength = time.Duration(periodNS)
		p.PeriodStart = p.PeriodStart.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// commitState writes snap over the vault's stored state and appends events
// to its audit chain. The caller holds the vault row lock.
func (db *DB) commitState(ctx context.Context, tx pgx.Tx, snap vault.Snapshot, head chainHead, events []vault.Event) ([]model.RecordedEvent, error) {
	recorded, err := chainEvents(snap.ID, head, events)
	if err != nil {
		return nil, err
	}
	if len(recorded) > 0 {
		last := recorded[len(recorded)-1]
		head = chainHead{seq: last.Seq, hash: last.Hash}
	}

	b := &pgx.Batch{}
	b.Queue(`UPDATE vaults SET paused = $2, event_seq = $3, event_head = $4, updated_at = now() WHERE id = $1`,
		snap.ID, snap.Paused, head.seq, head.hash)

	b.Queue(`DELETE FROM vault_balances WHERE vault_id = $1`, snap.ID)
	for asset, amount := range snap.Balances {
		if amount == 0 {
			continue
		}
		b.Queue(`INSERT INTO vault_balances (vault_id, asset_id, amount) VALUES ($1, $2, $3)`,
			snap.ID, string(asset), amount)
	}

	// Agents are never deleted. Snapshot order is by added_at, so a revoked
	// record is written inactive before a later record re-activates the same
	// principal.
	for _, a := range snap.Agents {
		b.Queue(`INSERT INTO vault_agents (id, vault_id, principal, active, added_at, removed_at, capability_digest)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, removed_at = EXCLUDED.removed_at`,
			a.ID, snap.ID, string(a.Principal), a.Active, a.AddedAt, a.RemovedAt, a.CapabilityDigest)
	}

	b.Queue(`DELETE FROM spend_policies WHERE vault_id = $1`, snap.ID)
	for _, p := range snap.Policies {
		b.Queue(`INSERT INTO spend_policies (vault_id, agent_id, asset_id, max_per_tx, total_per_period,
			     max_tx_per_period, period_length_ns, period_start, spent_this_period, tx_count_this_period)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			snap.ID, p.AgentID, string(p.AssetID), p.MaxPerTx, p.TotalPerPeriod,
			p.MaxTxPerPeriod, int64(p.PeriodLength), p.PeriodStart, p.SpentThisPeriod, p.TxCountThisPeriod)
	}

	if err := queueEvents(b, recorded); err != nil {
		return nil, err
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return nil, fmt.Errorf("storage: write vault state: %w", err)
	}
	return recorded, nil
}

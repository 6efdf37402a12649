// Package sqlite is the embedded single-node store. It offers the same
// operations as the Postgres store over a database/sql handle backed by
// modernc.org/sqlite, so guardvault can run without a database server.
//
// Writers are serialized by SQLite itself: every transaction is opened
// IMMEDIATE, taking the write lock before the vault is read.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/guardvault/internal/integrity"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// The sentinels are shared with the Postgres store so callers can match
// either backend with one errors.Is.
var (
	ErrNotFound  = storage.ErrNotFound
	ErrDuplicate = storage.ErrDuplicate
)

const maxEventPage = 1000

// Store is the SQLite-backed vault store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection: the in-memory database lives on it, and a single
	// writer never sees SQLITE_BUSY from itself.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open handle and creates the schema if it is missing.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS principals (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL,
	api_key_hash TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS vaults (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL UNIQUE,
	paused     INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	event_seq  INTEGER NOT NULL DEFAULT 0,
	event_head TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS vault_balances (
	vault_id TEXT NOT NULL REFERENCES vaults (id),
	asset_id TEXT NOT NULL,
	amount   INTEGER NOT NULL CHECK (amount > 0),
	PRIMARY KEY (vault_id, asset_id)
);
CREATE TABLE IF NOT EXISTS vault_agents (
	id                TEXT PRIMARY KEY,
	vault_id          TEXT NOT NULL REFERENCES vaults (id),
	principal         TEXT NOT NULL,
	active            INTEGER NOT NULL,
	added_at          TEXT NOT NULL,
	removed_at        TEXT,
	capability_digest TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS spend_policies (
	vault_id             TEXT NOT NULL REFERENCES vaults (id),
	agent_id             TEXT NOT NULL,
	asset_id             TEXT NOT NULL,
	max_per_tx           INTEGER NOT NULL,
	total_per_period     INTEGER NOT NULL,
	max_tx_per_period    INTEGER NOT NULL,
	period_length_ns     INTEGER NOT NULL,
	period_start         TEXT NOT NULL,
	spent_this_period    INTEGER NOT NULL,
	tx_count_this_period INTEGER NOT NULL,
	PRIMARY KEY (vault_id, agent_id, asset_id)
);
CREATE TABLE IF NOT EXISTS vault_events (
	vault_id    TEXT NOT NULL REFERENCES vaults (id),
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	hash        TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (vault_id, seq)
);
CREATE TABLE IF NOT EXISTS holdings (
	principal TEXT NOT NULL,
	asset_id  TEXT NOT NULL,
	amount    INTEGER NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (principal, asset_id)
);
CREATE TABLE IF NOT EXISTS integrity_proofs (
	id            TEXT PRIMARY KEY,
	vault_id      TEXT NOT NULL REFERENCES vaults (id),
	first_seq     INTEGER NOT NULL,
	last_seq      INTEGER NOT NULL,
	event_count   INTEGER NOT NULL,
	root_hash     TEXT NOT NULL,
	previous_root TEXT,
	archive_key   TEXT,
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	principal       TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL CHECK (status IN ('in_progress', 'completed')),
	status_code     INTEGER,
	response_data   BLOB,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (principal, endpoint, idempotency_key)
);`

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Name identifies the backend in health output.
func (s *Store) Name() string { return "sqlite" }

// Close closes the underlying handle.
func (s *Store) Close(context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}

func isUnique(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// txLedger moves value between holdings rows and the vault inside one
// transaction. SQLite silently widens overflowing integers to REAL, so
// credits are range-checked here before they are written.
type txLedger struct {
	tx *sql.Tx
}

func (l *txLedger) Pull(ctx context.Context, from vault.Principal, asset vault.AssetID, amount int64) error {
	res, err := l.tx.ExecContext(ctx,
		`UPDATE holdings SET amount = amount - ? WHERE principal = ? AND asset_id = ? AND amount >= ?`,
		amount, string(from), string(asset), amount)
	if err != nil {
		return fmt.Errorf("sqlite: debit holdings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: debit holdings: %w", err)
	}
	if n == 0 {
		return &vault.Error{Kind: vault.KindInsufficientFunds, Op: "ledger pull"}
	}
	return nil
}

func (l *txLedger) Push(ctx context.Context, to vault.Principal, asset vault.AssetID, amount int64) error {
	return creditHoldings(ctx, l.tx, to, asset, amount)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func creditHoldings(ctx context.Context, q execQuerier, to vault.Principal, asset vault.AssetID, amount int64) error {
	var current int64
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM holdings WHERE principal = ? AND asset_id = ?`, string(to), string(asset),
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read holdings: %w", err)
	}
	if current > math.MaxInt64-amount {
		return &vault.Error{Kind: vault.KindAmountOverflow, Op: "ledger push"}
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO holdings (principal, asset_id, amount) VALUES (?, ?, ?)
		 ON CONFLICT (principal, asset_id) DO UPDATE SET amount = amount + excluded.amount`,
		string(to), string(asset), amount,
	); err != nil {
		return fmt.Errorf("sqlite: credit holdings: %w", err)
	}
	return nil
}

// CreditHoldings adds amount to p's external holdings of asset.
func (s *Store) CreditHoldings(ctx context.Context, p vault.Principal, asset vault.AssetID, amount int64) error {
	if amount <= 0 {
		return &vault.Error{Kind: vault.KindZeroAmount, Op: "credit_holdings"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := creditHoldings(ctx, tx, p, asset, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit credit: %w", err)
	}
	return nil
}

// HoldingsOf returns p's non-zero external holdings.
func (s *Store) HoldingsOf(ctx context.Context, p vault.Principal) (map[vault.AssetID]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, amount FROM holdings WHERE principal = ? AND amount > 0`, string(p))
	if err != nil {
		return nil, fmt.Errorf("sqlite: holdings of: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[vault.AssetID]int64)
	for rows.Next() {
		var asset string
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("sqlite: scan holding: %w", err)
		}
		out[vault.AssetID(asset)] = amount
	}
	return out, rows.Err()
}

// CreatePrincipal inserts an API principal. A taken name fails with
// ErrDuplicate.
func (s *Store) CreatePrincipal(ctx context.Context, a model.Account) (model.Account, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, name, role, api_key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID.String(), string(a.Name), string(a.Role), a.APIKeyHash, formatTime(a.CreatedAt))
	if err != nil {
		if isUnique(err) {
			return model.Account{}, fmt.Errorf("sqlite: principal %s: %w", a.Name, ErrDuplicate)
		}
		return model.Account{}, fmt.Errorf("sqlite: create principal: %w", err)
	}
	return a, nil
}

// GetPrincipal returns the principal named name.
func (s *Store) GetPrincipal(ctx context.Context, name vault.Principal) (model.Account, error) {
	var a model.Account
	var id, n, role, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM principals WHERE name = ?`, string(name),
	).Scan(&id, &n, &role, &a.APIKeyHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("sqlite: principal %s: %w", name, ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("sqlite: get principal: %w", err)
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Account{}, fmt.Errorf("sqlite: principal id: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return model.Account{}, err
	}
	a.Name = vault.Principal(n)
	a.Role = model.Role(role)
	return a, nil
}

// CountPrincipals returns the number of API principals.
func (s *Store) CountPrincipals(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM principals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count principals: %w", err)
	}
	return n, nil
}

// GetLatestIntegrityProof returns the most recent proof for a vault, or nil.
func (s *Store) GetLatestIntegrityProof(ctx context.Context, vaultID vault.VaultID) (*model.IntegrityProof, error) {
	var p model.IntegrityProof
	var id, vid, created string
	var prev, key sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vault_id, first_seq, last_seq, event_count, root_hash, previous_root, archive_key, created_at
		 FROM integrity_proofs WHERE vault_id = ? ORDER BY last_seq DESC LIMIT 1`, vaultID.String(),
	).Scan(&id, &vid, &p.FirstSeq, &p.LastSeq, &p.EventCount, &p.RootHash, &prev, &key, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get latest integrity proof: %w", err)
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("sqlite: proof id: %w", err)
	}
	p.VaultID = vaultID
	if prev.Valid {
		p.PreviousRoot = &prev.String
	}
	if key.Valid {
		p.ArchiveKey = &key.String
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIntegrityProof inserts a new integrity proof.
func (s *Store) CreateIntegrityProof(ctx context.Context, p model.IntegrityProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrity_proofs (id, vault_id, first_seq, last_seq, event_count, root_hash, previous_root, archive_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.VaultID.String(), p.FirstSeq, p.LastSeq, p.EventCount, p.RootHash,
		nullString(p.PreviousRoot), nullString(p.ArchiveKey), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create integrity proof: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// chainEvents numbers events after (seq, prev) and links each to its
// predecessor.
func chainEvents(id vault.VaultID, seq int64, prev string, events []vault.Event) ([]model.RecordedEvent, error) {
	out := make([]model.RecordedEvent, 0, len(events))
	for _, e := range events {
		seq++
		h, err := integrity.EventHash(prev, seq, e)
		if err != nil {
			return nil, fmt.Errorf("sqlite: hash event %d: %w", seq, err)
		}
		out = append(out, model.RecordedEvent{VaultID: id, Seq: seq, Hash: h, PrevHash: prev, Event: e})
		prev = h
	}
	return out, nil
}

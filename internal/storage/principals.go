package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// CreatePrincipal inserts an API principal. A taken name fails with
// ErrDuplicate.
func (db *DB) CreatePrincipal(ctx context.Context, a model.Account) (model.Account, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO principals (id, name, role, api_key_hash) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		a.ID, string(a.Name), string(a.Role), a.APIKeyHash,
	).Scan(&a.CreatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return model.Account{}, fmt.Errorf("storage: principal %s: %w", a.Name, ErrDuplicate)
		}
		return model.Account{}, fmt.Errorf("storage: create principal: %w", err)
	}
	return a, nil
}

// GetPrincipal returns the principal named name.
func (db *DB) GetPrincipal(ctx context.Context, name vault.Principal) (model.Account, error) {
	var a model.Account
	var n, role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM principals WHERE name = $1`,
		string(name),
	).Scan(&a.ID, &n, &role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, fmt.Errorf("storage: principal %s: %w", name, ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("storage: get principal: %w", err)
	}
	a.Name = vault.Principal(n)
	a.Role = model.Role(role)
	return a, nil
}

// CountPrincipals returns the number of API principals.
func (db *DB) CountPrincipals(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM principals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count principals: %w", err)
	}
	return n, nil
}

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

// GetLatestIntegrityProof returns the most recent integrity proof for a vault.
// Returns nil if no proofs exist.
func (db *DB) GetLatestIntegrityProof(ctx context.Context, vaultID vault.VaultID) (*model.IntegrityProof, error) {
	var p model.IntegrityProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, vault_id, first_seq, last_seq, event_count, root_hash, previous_root, archive_key, created_at
		 FROM integrity_proofs
		 WHERE vault_id = $1
		 ORDER BY last_seq DESC
		 LIMIT 1`, vaultID,
	).Scan(&p.ID, &p.VaultID, &p.FirstSeq, &p.LastSeq, &p.EventCount, &p.RootHash, &p.PreviousRoot, &p.ArchiveKey, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest integrity proof: %w", err)
	}
	return &p, nil
}

// CreateIntegrityProof inserts a new integrity proof.
func (db *DB) CreateIntegrityProof(ctx context.Context, p model.IntegrityProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO integrity_proofs (id, vault_id, first_seq, last_seq, event_count, root_hash, previous_root, archive_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.VaultID, p.FirstSeq, p.LastSeq, p.EventCount, p.RootHash, p.PreviousRoot, p.ArchiveKey, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create integrity proof: %w", err)
	}
	return nil
}

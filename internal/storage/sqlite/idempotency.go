package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// BeginIdempotency reserves a key for processing. See storage.DB.BeginIdempotency.
func (s *Store) BeginIdempotency(ctx context.Context, principal vault.Principal, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (principal, endpoint, idempotency_key, request_hash, status, updated_at)
		 VALUES (?, ?, ?, ?, 'in_progress', ?)
		 ON CONFLICT DO NOTHING`,
		string(principal), endpoint, key, requestHash, formatTime(time.Now()))
	if err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("sqlite: begin idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return storage.IdempotencyLookup{}, nil
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE principal = ? AND endpoint = ? AND idempotency_key = ?`,
		string(principal), endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("sqlite: lookup idempotency: %w", err)
	}
	return storage.ResolveIdempotency(requestHash, storedHash, status, statusCode, responseData)
}

// CompleteIdempotency stores the final response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, principal vault.Principal, endpoint, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("sqlite: marshal idempotency response: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = ?, response_data = ?, updated_at = ?
		 WHERE principal = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		statusCode, payload, formatTime(time.Now()), string(principal), endpoint, key)
	if err != nil {
		return fmt.Errorf("sqlite: complete idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation so the client can retry.
func (s *Store) ClearInProgressIdempotency(ctx context.Context, principal vault.Principal, endpoint, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE principal = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		string(principal), endpoint, key); err != nil {
		return fmt.Errorf("sqlite: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < ?)
		    OR (status = 'in_progress' AND updated_at < ?)`,
		formatTime(now.Add(-completedTTL)), formatTime(now.Add(-inProgressTTL)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// Vault transactions lock one vault row, so conflicts are rare: a deadlock
// against a holdings row or a serialization failure under a stricter
// default isolation level.
const (
	vaultTxAttempts  = 4
	vaultTxBaseDelay = 10 * time.Millisecond
)

func newRetryCounter(meter metric.Meter) metric.Int64Counter {
	c, _ := meter.Int64Counter("guardvault.storage.tx_retries",
		metric.WithDescription("Vault transactions replayed after a transient conflict"),
	)
	return c
}

// transientCode returns the SQLSTATE of a conflict worth replaying, or "".
func transientCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return pgErr.Code
	}
	return ""
}

// inVaultTx runs fn until it succeeds, fails for a non-transient reason or
// uses up its attempts. fn opens its own transaction and must derive all
// state from it, since a replay starts from scratch. Replays back off
// exponentially with jitter and are counted per vault operation.
func (db *DB) inVaultTx(ctx context.Context, op string, id vault.VaultID, fn func() error) error {
	delay := vaultTxBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		code := transientCode(err)
		if code == "" {
			return err
		}
		if attempt == vaultTxAttempts {
			return fmt.Errorf("storage: %s vault %s: gave up after %d attempts: %w", op, id, attempt, err)
		}

		db.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("sqlstate", code),
		))
		db.logger.Debug("storage: replaying vault transaction",
			"op", op, "vault_id", id, "attempt", attempt, "sqlstate", code)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}

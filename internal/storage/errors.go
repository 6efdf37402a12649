package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with a unique key.
var ErrDuplicate = errors.New("storage: duplicate")

// Postgres SQLSTATE codes the store maps onto domain errors.
const (
	codeUniqueViolation      = "23505"
	codeOutOfRange           = "22003"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

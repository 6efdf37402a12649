// Package migrations holds the Postgres schema for vaults, events,
// principals and idempotency keys. storage.DB.RunMigrations applies the
// files in name order and records each in schema_migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// RecordedEvent is a vault event as persisted: numbered per vault and chained
// to its predecessor by hash.
type RecordedEvent struct {
	VaultID    vault.VaultID `json:"vault_id"`
	Seq        int64         `json:"seq"`
	Hash       string        `json:"hash"`
	PrevHash   string        `json:"prev_hash"`
	Event      vault.Event   `json:"event"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// EventNotification is the payload published on the event channel. It is
// kept small to fit the NOTIFY payload limit; subscribers fetch the full
// event by sequence when they need it.
type EventNotification struct {
	VaultID vault.VaultID   `json:"vault_id"`
	Seq     int64           `json:"seq"`
	Type    vault.EventType `json:"type"`
	Hash    string          `json:"hash"`
}

// IntegrityProof is a Merkle root over a contiguous run of one vault's event
// hashes.
type IntegrityProof struct {
	ID           uuid.UUID     `json:"id"`
	VaultID      vault.VaultID `json:"vault_id"`
	FirstSeq     int64         `json:"first_seq"`
	LastSeq      int64         `json:"last_seq"`
	EventCount   int           `json:"event_count"`
	RootHash     string        `json:"root_hash"`
	PreviousRoot *string       `json:"previous_root,omitempty"`
	ArchiveKey   *string       `json:"archive_key,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

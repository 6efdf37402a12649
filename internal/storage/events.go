package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/guardvault/internal/integrity"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// maxEventPage caps ListEvents.
const maxEventPage = 1000

// chainEvents numbers events after head and links each to its predecessor.
func chainEvents(id vault.VaultID, head chainHead, events []vault.Event) ([]model.RecordedEvent, error) {
	out := make([]model.RecordedEvent, 0, len(events))
	prev, seq := head.hash, head.seq
	for _, e := range events {
		seq++
		h, err := integrity.EventHash(prev, seq, e)
		if err != nil {
			return nil, fmt.Errorf("storage: hash event %d: %w", seq, err)
		}
		out = append(out, model.RecordedEvent{VaultID: id, Seq: seq, Hash: h, PrevHash: prev, Event: e})
		prev = h
	}
	return out, nil
}

// queueEvents appends inserts and notifications for recorded to b.
func queueEvents(b *pgx.Batch, recorded []model.RecordedEvent) error {
	for _, re := range recorded {
		payload, err := json.Marshal(re.Event)
		if err != nil {
			return fmt.Errorf("storage: marshal event %d: %w", re.Seq, err)
		}
		b.Queue(`INSERT INTO vault_events (vault_id, seq, event_type, hash, prev_hash, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			re.VaultID, re.Seq, string(re.Event.Type), re.Hash, re.PrevHash, payload)

		note, err := json.Marshal(model.EventNotification{
			VaultID: re.VaultID, Seq: re.Seq, Type: re.Event.Type, Hash: re.Hash,
		})
		if err != nil {
			return fmt.Errorf("storage: marshal notification: %w", err)
		}
		b.Queue(`SELECT pg_notify($1, $2)`, ChannelEvents, string(note))
	}
	return nil
}

// ListEvents returns up to limit events of vault id with seq > afterSeq, in
// sequence order.
func (db *DB) ListEvents(ctx context.Context, id vault.VaultID, afterSeq int64, limit int) ([]model.RecordedEvent, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows, err := db.pool.Query(ctx,
		`SELECT seq, hash, prev_hash, payload, recorded_at
		 FROM vault_events WHERE vault_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`, id, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.RecordedEvent
	for rows.Next() {
		re := model.RecordedEvent{VaultID: id}
		var payload []byte
		if err := rows.Scan(&re.Seq, &re.Hash, &re.PrevHash, &payload, &re.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &re.Event); err != nil {
			return nil, fmt.Errorf("storage: decode event %d: %w", re.Seq, err)
		}
		re.RecordedAt = re.RecordedAt.UTC()
		out = append(out, re)
	}
	return out, rows.Err()
}

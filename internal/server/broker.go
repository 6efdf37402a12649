package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// Notifier is a LISTEN/NOTIFY source. *storage.DB implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans committed vault events out to SSE subscribers. With a
// Notifier it relays Postgres notifications, so events committed by any
// instance reach every subscriber. Without one, the vault service's commit
// hook calls Publish directly.
type Broker struct {
	source Notifier
	logger *slog.Logger

	mu sync.RWMutex
	// subscribers maps each channel to the vault it follows; uuid.Nil
	// follows every vault.
	subscribers map[chan []byte]vault.VaultID
}

// NewBroker creates an SSE broker. source may be nil.
func NewBroker(source Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]vault.VaultID),
	}
}

// Start relays notifications from the source until ctx is cancelled. It
// blocks, so call it in a goroutine. Without a source it returns at once.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil {
		return
	}
	if err := b.source.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen events", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		var note model.EventNotification
		if err := json.Unmarshal([]byte(payload), &note); err != nil {
			b.logger.Warn("broker: malformed notification", "error", err)
			continue
		}
		b.broadcast(note.VaultID, formatSSE(string(note.Type), payload))
	}
}

// Publish broadcasts committed events. Its signature matches
// vaults.CommitHook.
func (b *Broker) Publish(_ context.Context, events []model.RecordedEvent) {
	for _, e := range events {
		payload, err := json.Marshal(model.EventNotification{
			VaultID: e.VaultID, Seq: e.Seq, Type: e.Event.Type, Hash: e.Hash,
		})
		if err != nil {
			b.logger.Warn("broker: marshal notification", "error", err)
			continue
		}
		b.broadcast(e.VaultID, formatSSE(string(e.Event.Type), string(payload)))
	}
}

// Subscribe returns a channel that receives SSE-formatted events of vault
// id, or of every vault when id is uuid.Nil. The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe(id vault.VaultID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = id
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to matching subscribers. Subscribers with a full
// buffer miss the event rather than block the others.
func (b *Broker) broadcast(id vault.VaultID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, follow := range b.subscribers {
		if follow != uuid.Nil && follow != id {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

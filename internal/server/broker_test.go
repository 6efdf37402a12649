package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func assertSilent(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	a, b := uuid.New(), uuid.New()

	all := broker.Subscribe(uuid.Nil)
	onlyA := broker.Subscribe(a)
	defer broker.Unsubscribe(all)
	defer broker.Unsubscribe(onlyA)

	broker.broadcast(a, formatSSE("Deposited", `{"seq":1}`))
	assert.Equal(t, "event: Deposited\ndata: {\"seq\":1}\n\n", receive(t, all))
	assert.Equal(t, "event: Deposited\ndata: {\"seq\":1}\n\n", receive(t, onlyA))

	broker.broadcast(b, formatSSE("VaultPaused", `{"seq":2}`))
	assert.Contains(t, receive(t, all), "VaultPaused")
	assertSilent(t, onlyA)
}

func TestBrokerPublish(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	id := uuid.New()
	ch := broker.Subscribe(id)
	defer broker.Unsubscribe(ch)

	broker.Publish(context.Background(), []model.RecordedEvent{
		{VaultID: id, Seq: 3, Hash: "abc", Event: vault.Event{Type: vault.EventPaymentExecuted}},
	})

	got := receive(t, ch)
	require.True(t, strings.HasPrefix(got, "event: PaymentExecuted\ndata: "))
	data := strings.TrimSuffix(strings.TrimPrefix(got, "event: PaymentExecuted\ndata: "), "\n\n")
	var note model.EventNotification
	require.NoError(t, json.Unmarshal([]byte(data), &note))
	assert.Equal(t, model.EventNotification{VaultID: id, Seq: 3, Type: vault.EventPaymentExecuted, Hash: "abc"}, note)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	slow := broker.Subscribe(uuid.Nil)
	fast := broker.Subscribe(uuid.Nil)
	defer broker.Unsubscribe(slow)
	defer broker.Unsubscribe(fast)

	// Fill the slow subscriber's buffer.
	for i := 0; i < cap(slow); i++ {
		broker.broadcast(uuid.New(), formatSSE("Deposited", "{}"))
	}
	for i := 0; i < cap(fast); i++ {
		<-fast
	}

	done := make(chan struct{})
	go func() {
		broker.broadcast(uuid.New(), formatSSE("Withdrawn", "{}"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Contains(t, receive(t, fast), "Withdrawn")
}

type fakeNotifier struct {
	listened []string
	payloads chan string
}

func (f *fakeNotifier) Listen(_ context.Context, channel string) error {
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case p := <-f.payloads:
		if p == "" {
			return "", "", errors.New("connection reset")
		}
		return storage.ChannelEvents, p, nil
	}
}

func TestBrokerRelaysNotifications(t *testing.T) {
	src := &fakeNotifier{payloads: make(chan string, 4)}
	broker := NewBroker(src, testLogger())
	id := uuid.New()
	ch := broker.Subscribe(id)
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(stopped)
	}()

	payload, err := json.Marshal(model.EventNotification{VaultID: id, Seq: 1, Type: vault.EventVaultCreated, Hash: "h"})
	require.NoError(t, err)
	src.payloads <- ""         // transient error is retried
	src.payloads <- "not json" // malformed payload is skipped
	src.payloads <- string(payload)

	assert.Equal(t, "event: VaultCreated\ndata: "+string(payload)+"\n\n", receive(t, ch))
	assert.Equal(t, []string{storage.ChannelEvents}, src.listened)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

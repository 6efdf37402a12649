package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPreflightTracker_RecordAndCheck(t *testing.T) {
	tracker := newPreflightTracker(time.Hour)
	v, a := uuid.New(), uuid.New()

	if tracker.WasChecked(v, a, "USDC") {
		t.Fatal("expected WasChecked to return false before any Record")
	}
	tracker.Record(v, a, "USDC")
	if !tracker.WasChecked(v, a, "USDC") {
		t.Fatal("expected WasChecked to return true after Record")
	}
}

func TestPreflightTracker_KeyedByAgentAndAsset(t *testing.T) {
	tracker := newPreflightTracker(time.Hour)
	v, a := uuid.New(), uuid.New()
	tracker.Record(v, a, "USDC")

	if tracker.WasChecked(v, a, "EURC") {
		t.Fatal("a check for USDC must not cover EURC")
	}
	if tracker.WasChecked(v, uuid.New(), "USDC") {
		t.Fatal("a check for one agent must not cover another")
	}
	if tracker.WasChecked(uuid.New(), a, "USDC") {
		t.Fatal("a check on one vault must not cover another")
	}
}

func TestPreflightTracker_Expiry(t *testing.T) {
	tracker := newPreflightTracker(time.Minute)
	base := time.Now()
	tracker.now = func() time.Time { return base }
	v, a := uuid.New(), uuid.New()
	tracker.Record(v, a, "USDC")

	tracker.now = func() time.Time { return base.Add(2 * time.Minute) }
	if tracker.WasChecked(v, a, "USDC") {
		t.Fatal("expected WasChecked to return false after window expired")
	}
	if len(tracker.checks) != 0 {
		t.Fatal("expired entry should be deleted on lookup")
	}
}

func TestPreflightTracker_PurgeStale(t *testing.T) {
	tracker := newPreflightTracker(time.Minute)
	base := time.Now()
	tracker.now = func() time.Time { return base }
	for i := 0; i < 1000; i++ {
		tracker.Record(uuid.New(), uuid.New(), "USDC")
	}

	tracker.now = func() time.Time { return base.Add(time.Hour) }
	fresh := uuid.New()
	tracker.Record(fresh, fresh, "USDC") // 1001st entry triggers the purge

	if len(tracker.checks) != 1 {
		t.Fatalf("expected only the fresh entry to survive, got %d", len(tracker.checks))
	}
}

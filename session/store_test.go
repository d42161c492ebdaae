package session

import (
	"testing"
	"time"
)

func TestAddAndGetByIndexes(t *testing.T) {
	store := NewStore()

	s := NewSession("pcef;1;1", 16777238, time.Now())
	s.FramedIPv4 = "10.0.0.5"
	store.Add(s)

	if got, ok := store.GetById("pcef;1;1"); !ok || got != s {
		t.Fatalf("expected to find session by id")
	}
	if got, ok := store.GetByFramedIPv4("10.0.0.5"); !ok || got != s {
		t.Fatalf("expected to find session by framed ipv4")
	}
}

func TestRemoveClearsIndexes(t *testing.T) {
	store := NewStore()

	s := NewSession("pcef;1;1", 16777238, time.Now())
	s.FramedIPv4 = "10.0.0.5"
	store.Add(s)

	store.Remove("pcef;1;1")

	if _, ok := store.GetById("pcef;1;1"); ok {
		t.Fatalf("expected session to be gone from primary table")
	}
	if _, ok := store.GetByFramedIPv4("10.0.0.5"); ok {
		t.Fatalf("expected framed ipv4 index to be cleared")
	}
}

func TestAddOverwritesSecondaryIndexOnCollision(t *testing.T) {
	store := NewStore()

	older := NewSession("pcef;1;1", 16777238, time.Now())
	older.FramedIPv4 = "10.0.0.5"
	store.Add(older)

	newer := NewSession("pcef;1;2", 16777238, time.Now())
	newer.FramedIPv4 = "10.0.0.5"
	store.Add(newer)

	got, ok := store.GetByFramedIPv4("10.0.0.5")
	if !ok || got.Id != "pcef;1;2" {
		t.Fatalf("expected the newer session to win the secondary index")
	}

	// The displaced session still has its primary record.
	if _, ok := store.GetById("pcef;1;1"); !ok {
		t.Fatalf("expected the displaced session to remain reachable by id")
	}
}

func TestRemoveOnlyClearsIndexIfStillOwner(t *testing.T) {
	store := NewStore()

	older := NewSession("pcef;1;1", 16777238, time.Now())
	older.FramedIPv4 = "10.0.0.5"
	store.Add(older)

	newer := NewSession("pcef;1;2", 16777238, time.Now())
	newer.FramedIPv4 = "10.0.0.5"
	store.Add(newer)

	// Removing the displaced session must not clear the index now owned
	// by the newer session.
	store.Remove("pcef;1;1")

	got, ok := store.GetByFramedIPv4("10.0.0.5")
	if !ok || got.Id != "pcef;1;2" {
		t.Fatalf("expected index to still point at the newer session")
	}
}

func TestAppendMessageDeduplicates(t *testing.T) {
	s := NewSession("pcef;1;1", 16777238, time.Now())

	if !s.AppendMessage(1, 100, true, "CCR-I", time.Now()) {
		t.Fatalf("expected first append to succeed")
	}
	if s.AppendMessage(1, 100, true, "CCR-I", time.Now()) {
		t.Fatalf("expected duplicate append to be rejected")
	}
	if len(s.Log()) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(s.Log()))
	}
}

func TestTerminateSetsEndTimeAndInactive(t *testing.T) {
	s := NewSession("pcef;1;1", 16777238, time.Now())
	now := time.Now()
	s.Terminate(now, false)

	if s.IsActive() {
		t.Fatalf("expected session to be inactive after Terminate")
	}
	if s.EndTime.IsZero() {
		t.Fatalf("expected EndTime to be set")
	}
}

func TestSubscribersGetOrCreateDedupesByMsisdnImsi(t *testing.T) {
	reg := NewSubscribers()

	a := reg.GetOrCreate("5511999999999", "724880000000000", "", "", "")
	b := reg.GetOrCreate("5511999999999", "724880000000000", "", "", "")

	if a != b {
		t.Fatalf("expected the same Subscriber instance for the same (MSISDN, IMSI)")
	}
}

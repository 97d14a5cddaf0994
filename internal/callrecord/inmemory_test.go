package callrecord

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	for i := 0; i < 5; i++ {
		record := Record{
			CallSid:             fmt.Sprintf("CA%02d", i),
			CallerLanguage:      "Spanish",
			StartedAt:           time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC),
			CallerMeanLatencyMs: float64(100 * i),
		}
		if err := store.SaveCall(ctx, record); err != nil {
			t.Fatalf("SaveCall: %v", err)
		}
	}

	recent, err := store.RecentCalls(ctx, 3)
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	if recent[0].CallSid != "CA02" || recent[2].CallSid != "CA04" {
		t.Fatalf("expected chronological tail, got %q..%q", recent[0].CallSid, recent[2].CallSid)
	}
	for _, r := range recent {
		if r.ID == "" {
			t.Fatalf("expected generated ID for %q", r.CallSid)
		}
		if r.EndedAt.IsZero() {
			t.Fatalf("expected ended timestamp for %q", r.CallSid)
		}
	}
}

func TestInMemoryStoreEmpty(t *testing.T) {
	store := NewInMemoryStore()
	recent, err := store.RecentCalls(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if recent != nil {
		t.Fatalf("expected nil for empty store, got %v", recent)
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", store)
	}
}

package store

import (
	"encoding/json"
	"testing"
	"time"

	"salonq/internal/models"
)

func TestComputeEntryEventHashChangesWithChainLink(t *testing.T) {
	createdAt := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"status":"waiting"}`)

	first := ComputeEntryEventHash("", "entry-1", "entry.created", payload, createdAt, 1)
	second := ComputeEntryEventHash(first, "entry-1", "entry.approve", payload, createdAt, 2)
	tampered := ComputeEntryEventHash("bogus", "entry-1", "entry.approve", payload, createdAt, 2)

	if first == "" || second == "" {
		t.Fatalf("expected non-empty hashes")
	}
	if second == tampered {
		t.Fatalf("expected hash to depend on previous link")
	}
}

func TestRehydrateEntryFoldsEvents(t *testing.T) {
	checkIn := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	started := checkIn.Add(30 * time.Minute)

	mustMarshal := func(v interface{}) json.RawMessage {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return raw
	}

	events := []EntryEvent{
		{
			EntryID:  "entry-1",
			EntrySeq: 1,
			Type:     "entry.created",
			Payload: mustMarshal(map[string]interface{}{
				"entry_id":      "entry-1",
				"salon_id":      "salon-1",
				"queue_number":  4,
				"scope_day":     "2026-08-31",
				"status":        models.StatusWaiting,
				"check_in_time": checkIn,
				"amount":        250.0,
			}),
		},
		{
			EntryID:  "entry-1",
			EntrySeq: 2,
			Type:     "entry.payment_recorded",
			Payload: mustMarshal(map[string]interface{}{
				"status":         models.StatusWaiting,
				"payment_status": models.PaymentPaid,
			}),
		},
		{
			EntryID:  "entry-1",
			EntrySeq: 3,
			Type:     "entry.start",
			Payload: mustMarshal(map[string]interface{}{
				"status":     models.StatusInProgress,
				"started_at": started,
			}),
		},
	}

	entry, err := RehydrateEntry(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if entry.EntryID != "entry-1" || entry.QueueNumber != 4 {
		t.Fatalf("unexpected identity: %+v", entry)
	}
	if entry.Status != models.StatusInProgress {
		t.Fatalf("expected latest status in_progress, got %s", entry.Status)
	}
	if entry.PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected payment status to survive later events, got %s", entry.PaymentStatus)
	}
	if entry.StartedAt == nil || !entry.StartedAt.Equal(started) {
		t.Fatalf("expected started_at %v, got %v", started, entry.StartedAt)
	}
	if entry.Amount != 250 {
		t.Fatalf("expected amount 250, got %v", entry.Amount)
	}
}

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"salonq/internal/store"
)

type fakeNotifyStore struct {
	events   []store.OutboxEvent
	notified []string
	offset   time.Time
}

func (f *fakeNotifyStore) ListOutboxEventsSince(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, event := range f.events {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		out = append(out, event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeNotifyStore) MarkEntryNotified(ctx context.Context, entryID string) error {
	f.notified = append(f.notified, entryID)
	return nil
}

func (f *fakeNotifyStore) GetNotifyOffset(ctx context.Context) (time.Time, error) {
	return f.offset, nil
}

func (f *fakeNotifyStore) SetNotifyOffset(ctx context.Context, offset time.Time) error {
	f.offset = offset
	return nil
}

func makeEvent(t *testing.T, eventType, entryID, phone string, createdAt time.Time) store.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"entry_id":       entryID,
		"customer_name":  "Dewi",
		"queue_number":   3,
		"scope_day":      "2026-08-31",
		"estimated_wait": 30,
		"phone":          phone,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return store.OutboxEvent{
		EventID:   entryID + "-" + eventType,
		SalonID:   "salon-1",
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	}
}

func TestWorkerMarksNotifiedAndAdvancesOffset(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	st := &fakeNotifyStore{
		events: []store.OutboxEvent{
			makeEvent(t, "entry.created", "entry-1", "081234567890", now),
			makeEvent(t, "entry.approve", "entry-2", "081234567891", now.Add(time.Minute)),
		},
	}

	w := New(st, Config{BatchSize: 10})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(st.notified) != 2 {
		t.Fatalf("expected 2 notified entries, got %d", len(st.notified))
	}
	if !st.offset.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected offset to advance to last event, got %v", st.offset)
	}
}

func TestWorkerSkipsUnknownEventTypes(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	st := &fakeNotifyStore{
		events: []store.OutboxEvent{
			makeEvent(t, "entry.complete", "entry-1", "081234567890", now),
		},
	}

	w := New(st, Config{BatchSize: 10})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(st.notified) != 0 {
		t.Fatalf("expected no notifications, got %d", len(st.notified))
	}
	if !st.offset.Equal(now) {
		t.Fatalf("expected offset past skipped event, got %v", st.offset)
	}
}

func TestWorkerProviderFailureDoesNotMark(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	st := &fakeNotifyStore{
		events: []store.OutboxEvent{
			makeEvent(t, "entry.created", "entry-1", "081234567890", now),
		},
	}

	w := New(st, Config{BatchSize: 10, SMSProvider: "fail", EmailProvider: "fail"})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(st.notified) != 0 {
		t.Fatalf("expected no notified entries on provider failure, got %d", len(st.notified))
	}
}

func TestWorkerResumesFromOffset(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	st := &fakeNotifyStore{
		events: []store.OutboxEvent{
			makeEvent(t, "entry.created", "entry-1", "081234567890", now),
			makeEvent(t, "entry.created", "entry-2", "081234567891", now.Add(time.Minute)),
		},
		offset: now,
	}

	w := New(st, Config{BatchSize: 10})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(st.notified) != 1 || st.notified[0] != "entry-2" {
		t.Fatalf("expected only entry-2 notified, got %v", st.notified)
	}
}

func TestNewProviderKinds(t *testing.T) {
	if _, ok := newProvider("sms", "").(logProvider); !ok {
		t.Fatalf("expected default kind to be logProvider")
	}
	if _, ok := newProvider("sms", "noop").(noopProvider); !ok {
		t.Fatalf("expected noop kind to be noopProvider")
	}
	if _, ok := newProvider("sms", "fail").(failProvider); !ok {
		t.Fatalf("expected fail kind to be failProvider")
	}
	p, ok := newProvider("email", "https://hooks.example.com/notify").(*webhookProvider)
	if !ok {
		t.Fatalf("expected URL kind to be webhookProvider")
	}
	if p.url != "https://hooks.example.com/notify" {
		t.Fatalf("unexpected webhook url %q", p.url)
	}
}

func TestRenderTemplateSubstitutesNumbers(t *testing.T) {
	payload := payloadData{
		"customer_name":  "Dewi",
		"queue_number":   float64(7),
		"estimated_wait": float64(45),
	}
	message := renderTemplate("Hi {customer_name}, number {queue_number}, wait {estimated_wait} min.", payload)
	want := "Hi Dewi, number 7, wait 45 min."
	if message != want {
		t.Fatalf("expected %q, got %q", want, message)
	}
}

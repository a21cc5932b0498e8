package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"salonq/internal/models"
)

// EntryEvent is one link in an entry's append-only audit chain. Hash covers
// the previous hash, so tampering with history breaks verification.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	EntryID         string     `json:"entry_id"`
	SalonID         string     `json:"salon_id"`
	QueueNumber     int        `json:"queue_number"`
	ScopeDay        string     `json:"scope_day"`
	Status          string     `json:"status"`
	PaymentStatus   string     `json:"payment_status"`
	RejectionReason *string    `json:"rejection_reason"`
	CheckInTime     *time.Time `json:"check_in_time"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	PaidAt          *time.Time `json:"paid_at"`
	Amount          *float64   `json:"amount"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// RehydrateEntry folds an entry's event chain back into its latest observable
// state. Fields absent from a payload keep their previous value.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.EntryID != "" {
			entry.EntryID = payload.EntryID
		}
		if payload.SalonID != "" {
			entry.SalonID = payload.SalonID
		}
		if payload.QueueNumber > 0 {
			entry.QueueNumber = payload.QueueNumber
		}
		if payload.ScopeDay != "" {
			entry.ScopeDay = payload.ScopeDay
		}
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.PaymentStatus != "" {
			entry.PaymentStatus = payload.PaymentStatus
		}
		if payload.RejectionReason != nil {
			entry.RejectionReason = payload.RejectionReason
		}
		if payload.CheckInTime != nil {
			entry.CheckInTime = *payload.CheckInTime
		}
		if payload.StartedAt != nil {
			entry.StartedAt = payload.StartedAt
		}
		if payload.CompletedAt != nil {
			entry.CompletedAt = payload.CompletedAt
		}
		if payload.PaidAt != nil {
			entry.PaidAt = payload.PaidAt
		}
		if payload.Amount != nil {
			entry.Amount = *payload.Amount
		}
	}
	return entry, nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"salonq/internal/models"
)

type CheckInInput struct {
	RequestID       string
	SalonID         string
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	ServiceIDs      []string
	StaffID         string
	AppointmentDate string
	AppointmentTime string
	Notes           string
	PaymentMethod   string
	CheckInTime     time.Time
}

// Scheduled reports whether the intake is a scheduled booking rather than a
// walk-in. Scheduled bookings enter pending_approval; walk-ins enter waiting.
func (in CheckInInput) Scheduled() bool {
	return in.AppointmentDate != ""
}

type EntryActionInput struct {
	RequestID  string
	SalonID    string
	EntryID    string
	Reason     string
	Phone      string
	OccurredAt time.Time
}

type RecordPaymentInput struct {
	RequestID        string
	SalonID          string
	EntryID          string
	GatewayOrderID   string
	GatewayPaymentID string
	PaymentMethod    string
	PaidAt           time.Time
}

// EntryStore is the booking lifecycle engine behind the HTTP layer. Mutating
// operations return (entry, applied, error): applied is false when the request
// id was already processed and the stored outcome is being replayed.
type EntryStore interface {
	CheckIn(ctx context.Context, input CheckInInput) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, salonID, entryID string) (models.QueueEntry, error)
	ListQueue(ctx context.Context, salonID, statusFilter string) ([]models.QueueEntry, error)
	ListEntriesByPhone(ctx context.Context, salonID, phone string) ([]models.QueueEntry, error)

	Approve(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	Reject(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	JoinQueue(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	StartService(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	CompleteService(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	Cancel(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	MarkNoShow(ctx context.Context, input EntryActionInput) (models.QueueEntry, bool, error)
	RecordPayment(ctx context.Context, input RecordPaymentInput) (models.QueueEntry, bool, error)

	PositionOf(ctx context.Context, salonID, entryID string) (int, bool, error)
	EstimateWait(ctx context.Context, salonID string) (int, error)
	PromoteDueEntries(ctx context.Context, now time.Time, batchSize int) (int, error)

	ListServices(ctx context.Context, salonID string) ([]models.Service, error)
	ListStaff(ctx context.Context, salonID string) ([]models.Staff, error)
	ListRefundIntents(ctx context.Context, salonID string) ([]RefundIntent, error)
	ListOutboxEvents(ctx context.Context, salonID string, after time.Time, limit int) ([]OutboxEvent, error)
	ListEntryEvents(ctx context.Context, salonID, entryID string) ([]EntryEvent, error)

	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	UserID    string
	SalonID   string
	Role      string
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	SalonID   string          `json:"salon_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type RefundIntent struct {
	RefundID         string    `json:"refund_id"`
	SalonID          string    `json:"salon_id"`
	EntryID          string    `json:"entry_id"`
	Amount           float64   `json:"amount"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const ScopeDayLayout = "2006-01-02"

// ScopeDayFor resolves the (salon, day) sequence scope for an intake: the
// appointment date when scheduled, otherwise the salon-local calendar day of
// the check-in instant.
func ScopeDayFor(checkIn time.Time, loc *time.Location, appointmentDate string) string {
	if appointmentDate != "" {
		return appointmentDate
	}
	if loc == nil {
		loc = time.UTC
	}
	return checkIn.In(loc).Format(ScopeDayLayout)
}

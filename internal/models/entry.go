package models

import "time"

// QueueEntry is a customer's place in a salon's daily queue, covering both
// walk-ins and scheduled bookings. QueueNumber is unique within
// (SalonID, ScopeDay).
type QueueEntry struct {
	EntryID          string     `json:"entry_id"`
	SalonID          string     `json:"salon_id"`
	RequestID        string     `json:"request_id"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone"`
	CustomerEmail    string     `json:"customer_email,omitempty"`
	ServiceIDs       []string   `json:"service_ids"`
	StaffID          *string    `json:"staff_id,omitempty"`
	QueueNumber      int        `json:"queue_number"`
	ScopeDay         string     `json:"scope_day"`
	EstimatedWait    int        `json:"estimated_wait_minutes"`
	AppointmentDate  *string    `json:"appointment_date,omitempty"`
	AppointmentTime  *string    `json:"appointment_time,omitempty"`
	Status           string     `json:"status"`
	CheckInTime      time.Time  `json:"check_in_time"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	Amount           float64    `json:"amount"`
	PaymentStatus    string     `json:"payment_status"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	GatewayOrderID   *string    `json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string    `json:"gateway_payment_id,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
}

const (
	StatusPendingApproval = "pending_approval"
	StatusConfirmed       = "confirmed"
	StatusWaiting         = "waiting"
	StatusInProgress      = "in_progress"
	StatusCompleted       = "completed"
	StatusRejected        = "rejected"
	StatusCancelled       = "cancelled"
	StatusNoShow          = "no_show"
)

const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// TerminalStatus reports whether a status ends the lifecycle.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Positionable reports whether a queue position is meaningful for the status.
// Confirmed and pending entries get a provisional position against the live
// waiting set.
func Positionable(status string) bool {
	switch status {
	case StatusPendingApproval, StatusConfirmed, StatusWaiting:
		return true
	}
	return false
}

// Payable reports whether a payment may still be recorded for the status.
func Payable(status string) bool {
	switch status {
	case StatusPendingApproval, StatusConfirmed, StatusWaiting:
		return true
	}
	return false
}

package store

import "errors"

var (
	ErrSalonNotFound      = errors.New("salon not found")
	ErrServiceNotFound    = errors.New("service not found")
	ErrStaffNotFound      = errors.New("staff not found")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrConflict           = errors.New("concurrent modification")
	ErrAllocationConflict = errors.New("queue number allocation failed")
	ErrPaymentState       = errors.New("payment not allowed in current state")
	ErrReasonRequired     = errors.New("rejection reason required")
	ErrPhoneMismatch      = errors.New("phone does not match entry")
	ErrSessionNotFound    = errors.New("session not found")
)

package store

import (
	"testing"
	"time"
)

func TestScopeDayForPrefersAppointmentDate(t *testing.T) {
	checkIn := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if got := ScopeDayFor(checkIn, time.UTC, "2026-09-15"); got != "2026-09-15" {
		t.Fatalf("expected appointment date, got %s", got)
	}
}

func TestScopeDayForUsesLocalCalendarDay(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 18:00 UTC is 01:00 the next day in Jakarta.
	checkIn := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	if got := ScopeDayFor(checkIn, jakarta, ""); got != "2026-08-31" {
		t.Fatalf("expected local day rollover, got %s", got)
	}
	if got := ScopeDayFor(checkIn, time.UTC, ""); got != "2026-08-30" {
		t.Fatalf("expected UTC day, got %s", got)
	}
}

func TestScopeDayForNilLocationFallsBackToUTC(t *testing.T) {
	checkIn := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	if got := ScopeDayFor(checkIn, nil, ""); got != "2026-08-30" {
		t.Fatalf("expected UTC fallback, got %s", got)
	}
}

package store

import (
	"testing"

	"salonq/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"approve", "pending_approval", true},
		{"approve", "confirmed", false},
		{"approve", "waiting", false},
		{"reject", "pending_approval", true},
		{"reject", "rejected", false},
		{"reject", "waiting", false},
		{"join", "confirmed", true},
		{"join", "pending_approval", false},
		{"join", "waiting", false},
		{"start", "waiting", true},
		{"start", "confirmed", false},
		{"start", "in_progress", false},
		{"complete", "in_progress", true},
		{"complete", "waiting", false},
		{"complete", "completed", false},
		{"cancel", "waiting", true},
		{"cancel", "in_progress", false},
		{"cancel", "completed", false},
		{"no_show", "waiting", true},
		{"no_show", "in_progress", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesAdmitNoTransitions(t *testing.T) {
	terminal := []string{
		models.StatusCompleted, models.StatusRejected,
		models.StatusCancelled, models.StatusNoShow,
	}
	actions := []string{"approve", "reject", "join", "start", "complete", "cancel", "no_show"}
	for _, from := range terminal {
		if !models.TerminalStatus(from) {
			t.Fatalf("expected %q to be terminal", from)
		}
		for _, action := range actions {
			if ValidTransition(action, from) {
				t.Fatalf("ValidTransition(%q, %q) must be false", action, from)
			}
		}
	}
	if models.TerminalStatus(models.StatusInProgress) {
		t.Fatal("in_progress is not terminal")
	}
}

func TestTargetStatus(t *testing.T) {
	cases := map[string]string{
		"approve":  "confirmed",
		"reject":   "rejected",
		"join":     "waiting",
		"start":    "in_progress",
		"complete": "completed",
		"cancel":   "cancelled",
		"no_show":  "no_show",
	}
	for action, want := range cases {
		got, ok := TargetStatus(action)
		if !ok || got != want {
			t.Fatalf("TargetStatus(%q)=%q,%v, want %q", action, got, ok, want)
		}
	}
	if _, ok := TargetStatus("transfer"); ok {
		t.Fatal("expected unknown action to have no target")
	}
}

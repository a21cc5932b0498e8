package store

import "salonq/internal/models"

var transitionMap = map[string][]string{
	"approve":  {models.StatusPendingApproval},
	"reject":   {models.StatusPendingApproval},
	"join":     {models.StatusConfirmed},
	"start":    {models.StatusWaiting},
	"complete": {models.StatusInProgress},
	"cancel":   {models.StatusWaiting},
	"no_show":  {models.StatusWaiting},
}

var targetMap = map[string]string{
	"approve":  models.StatusConfirmed,
	"reject":   models.StatusRejected,
	"join":     models.StatusWaiting,
	"start":    models.StatusInProgress,
	"complete": models.StatusCompleted,
	"cancel":   models.StatusCancelled,
	"no_show":  models.StatusNoShow,
}

// ValidTransition reports whether action may be applied to an entry whose
// current status is fromStatus. Terminal statuses admit no transitions.
func ValidTransition(action, fromStatus string) bool {
	if models.TerminalStatus(fromStatus) {
		return false
	}
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TargetStatus(action string) (string, bool) {
	status, ok := targetMap[action]
	return status, ok
}

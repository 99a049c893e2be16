package store

import "queueless/api/internal/models"

var transitionMap = map[string][]string{
	"call_next": {models.StatusWaiting},
	"complete":  {models.StatusBeingServed},
	"cancel":    {models.StatusWaiting, models.StatusBeingServed},
	"skip":      {models.StatusWaiting, models.StatusBeingServed},
}

// targetStatus maps an action to the status it transitions into.
var targetStatus = map[string]string{
	"call_next": models.StatusBeingServed,
	"complete":  models.StatusCompleted,
	"cancel":    models.StatusCanceled,
	"skip":      models.StatusSkipped,
}

func ValidTransition(action, fromStatus string) bool {
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
	status, ok := targetStatus[action]
	return status, ok
}

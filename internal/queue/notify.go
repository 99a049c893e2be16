package queue

import (
	"fmt"

	"queueless/api/internal/models"
)

// Message maps a token's status and queue position to a user-facing
// notification. Returns "" when no notification is due.
func Message(status string, position, nearThreshold int) string {
	if status == models.StatusBeingServed {
		return "It's your turn! Please proceed to the counter."
	}
	if status != models.StatusWaiting {
		return ""
	}
	switch {
	case position == 1:
		return "You're next! Please prepare to be called."
	case position > 1 && position <= nearThreshold:
		return fmt.Sprintf("Your turn is coming up! You're #%d in line.", position)
	}
	return ""
}

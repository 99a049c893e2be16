package models

import "time"

type Token struct {
	TokenID     string     `json:"id"`
	Number      int        `json:"token_number"`
	UserID      string     `json:"user_id"`
	ServiceID   string     `json:"service_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting     = "waiting"
	StatusBeingServed = "being_served"
	StatusCompleted   = "completed"
	StatusSkipped     = "skipped"
	StatusCanceled    = "canceled"
)

// Terminal reports whether no further transitions are permitted from status.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

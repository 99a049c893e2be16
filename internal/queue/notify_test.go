package queue

import (
	"testing"

	"queueless/api/internal/models"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		position  int
		threshold int
		want      string
	}{
		{
			name:   "being served",
			status: models.StatusBeingServed,
			want:   "It's your turn! Please proceed to the counter.",
		},
		{
			name:      "waiting first in line",
			status:    models.StatusWaiting,
			position:  1,
			threshold: 3,
			want:      "You're next! Please prepare to be called.",
		},
		{
			name:      "waiting within threshold",
			status:    models.StatusWaiting,
			position:  3,
			threshold: 3,
			want:      "Your turn is coming up! You're #3 in line.",
		},
		{
			name:      "waiting past threshold",
			status:    models.StatusWaiting,
			position:  4,
			threshold: 3,
			want:      "",
		},
		{
			name:   "completed",
			status: models.StatusCompleted,
			want:   "",
		},
		{
			name:   "canceled",
			status: models.StatusCanceled,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.status, tt.position, tt.threshold); got != tt.want {
				t.Fatalf("Message(%q, %d, %d) = %q, want %q", tt.status, tt.position, tt.threshold, got, tt.want)
			}
		})
	}
}

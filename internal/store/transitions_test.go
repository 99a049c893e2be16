package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "being_served", false},
		{"call_next", "completed", false},
		{"complete", "being_served", true},
		{"complete", "waiting", false},
		{"complete", "skipped", false},
		{"cancel", "waiting", true},
		{"cancel", "being_served", true},
		{"cancel", "canceled", false},
		{"cancel", "completed", false},
		{"skip", "waiting", true},
		{"skip", "being_served", true},
		{"skip", "skipped", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	cases := []struct {
		action string
		status string
		ok     bool
	}{
		{"call_next", "being_served", true},
		{"complete", "completed", true},
		{"cancel", "canceled", true},
		{"skip", "skipped", true},
		{"unknown", "", false},
	}

	for _, tt := range cases {
		status, ok := TargetStatus(tt.action)
		if status != tt.status || ok != tt.ok {
			t.Fatalf("TargetStatus(%q)=(%q, %v), want (%q, %v)", tt.action, status, ok, tt.status, tt.ok)
		}
	}
}

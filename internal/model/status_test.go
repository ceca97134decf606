package model

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusError, TaskStatusSkipped, TaskStatusCancelled}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		wantErr  bool
	}{
		{TaskStatusPending, TaskStatusRunning, false},
		{TaskStatusPending, TaskStatusSkipped, false},
		{TaskStatusPending, TaskStatusError, false},
		{TaskStatusPending, TaskStatusCancelled, false},
		{TaskStatusRunning, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusError, false},
		{TaskStatusRunning, TaskStatusCancelled, false},
		{TaskStatusRunning, TaskStatusSkipped, true},
		{TaskStatusRunning, TaskStatusPending, true},
		{TaskStatusCompleted, TaskStatusRunning, true},
		{TaskStatusCancelled, TaskStatusCompleted, true},
		{TaskStatusSkipped, TaskStatusRunning, true},
		{TaskStatusError, TaskStatusPending, true},
	}

	for _, tt := range tests {
		err := ValidateTaskTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTaskTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestValidateTaskTransition_UnknownStatus(t *testing.T) {
	if err := ValidateTaskTransition("bogus", TaskStatusRunning); err == nil {
		t.Error("expected error for unknown status")
	}
}

package models

import "testing"

func TestDispatchStatus_Valid(t *testing.T) {
	valid := []DispatchStatus{DispatchQueued, DispatchRunning, DispatchCompleted, DispatchFailed, DispatchTimeout}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}

	if DispatchStatus("cancelled").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestDispatchStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   DispatchStatus
		terminal bool
	}{
		{DispatchQueued, false},
		{DispatchRunning, false},
		{DispatchCompleted, true},
		{DispatchFailed, true},
		{DispatchTimeout, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%q.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTaskType_Valid(t *testing.T) {
	valid := []TaskType{TaskStoryCreation, TaskImplementation, TaskReview, TaskFix}
	for _, tt := range valid {
		if !tt.Valid() {
			t.Errorf("task type %q should be valid", tt)
		}
	}

	if TaskType("deploy").Valid() {
		t.Error("unknown task type should not be valid")
	}
}

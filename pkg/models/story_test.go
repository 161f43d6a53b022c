package models

import "testing"

func TestStoryPhase_Terminal(t *testing.T) {
	tests := []struct {
		phase    StoryPhase
		terminal bool
	}{
		{PhasePending, false},
		{PhaseStoryCreation, false},
		{PhaseInDev, false},
		{PhaseInReview, false},
		{PhaseNeedsFixes, false},
		{PhaseComplete, true},
		{PhaseEscalated, true},
	}

	for _, tt := range tests {
		if got := tt.phase.Terminal(); got != tt.terminal {
			t.Errorf("%q.Terminal() = %v, want %v", tt.phase, got, tt.terminal)
		}
	}
}

func TestVerdict_Worse(t *testing.T) {
	tests := []struct {
		a, b, want Verdict
	}{
		{VerdictShipIt, VerdictShipIt, VerdictShipIt},
		{VerdictShipIt, VerdictMinorFix, VerdictMinorFix},
		{VerdictMinorFix, VerdictMajorRework, VerdictMajorRework},
		{VerdictMajorRework, VerdictShipIt, VerdictMajorRework},
	}

	for _, tt := range tests {
		if got := tt.a.Worse(tt.b); got != tt.want {
			t.Errorf("%q.Worse(%q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRunState_Valid(t *testing.T) {
	valid := []RunState{RunIdle, RunRunning, RunPaused, RunComplete, RunFailed}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("state %q should be valid", s)
		}
	}

	if RunState("STOPPED").Valid() {
		t.Error("unknown state should not be valid")
	}
}

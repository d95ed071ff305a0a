package types

import "testing"

func TestCanTransition_Lifecycle(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{StatusPending, StatusAssigned},
		{StatusAssigned, StatusInProgress},
		{StatusAssigned, StatusWaitingInput},
		{StatusInProgress, StatusWaitingInput},
		{StatusWaitingInput, StatusInProgress}, // loop
		{StatusWaitingInput, StatusDeciding},
		{StatusInProgress, StatusDeciding},
		{StatusDeciding, StatusCompleted},
		{StatusDeciding, StatusWaitingInput}, // refinement round
		{StatusPending, StatusFailed},
		{StatusInProgress, StatusCancelled},
		{StatusDeciding, StatusFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct{ from, to TaskStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusInProgress},
		{StatusAssigned, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusInProgress},
		{StatusCompleted, StatusCompleted},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusAssigned, StatusInProgress, StatusWaitingInput, StatusDeciding} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidTaskType(t *testing.T) {
	if !ValidTaskType(TaskBugfix) {
		t.Error("BUGFIX should be valid")
	}
	if ValidTaskType(TaskType("NONSENSE")) {
		t.Error("NONSENSE should be invalid")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty content: got %d", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Errorf("short content rounds up to 1: got %d", got)
	}
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("8 chars = 2 tokens: got %d", got)
	}
}

func TestHasAssignee(t *testing.T) {
	task := &Task{Assignees: []string{"a", "b"}}
	if !task.HasAssignee("a") || task.HasAssignee("z") {
		t.Error("assignee lookup wrong")
	}
}

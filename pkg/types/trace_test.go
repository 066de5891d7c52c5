package types

import (
	"testing"
	"time"
)

func TestStepStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from StepStatus
		to   StepStatus
		want bool
	}{
		{"pending to running", StepPending, StepRunning, true},
		{"pending to completed", StepPending, StepCompleted, true},
		{"pending to failed", StepPending, StepFailed, true},
		{"running to completed", StepRunning, StepCompleted, true},
		{"running to failed", StepRunning, StepFailed, true},
		{"running back to pending", StepRunning, StepPending, false},
		{"completed to failed", StepCompleted, StepFailed, false},
		{"failed to running", StepFailed, StepRunning, false},
		{"completed stays completed", StepCompleted, StepCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTraceOpenAndFailedSteps(t *testing.T) {
	trace := NewTrace("build widget")
	trace.Steps = []ActionStep{
		{ActionID: "a1", Kind: ActionWorkflow, Status: StepCompleted, Timestamp: time.Now()},
		{ActionID: "a2", Kind: ActionReview, Status: StepRunning, Timestamp: time.Now()},
		{ActionID: "a3", Kind: ActionCommit, Status: StepFailed, Timestamp: time.Now()},
		{ActionID: "a4", Kind: ActionResolve, Status: StepPending, Timestamp: time.Now()},
	}

	open := trace.OpenSteps()
	if len(open) != 2 {
		t.Fatalf("OpenSteps() len = %d, want 2", len(open))
	}
	if open[0].ActionID != "a2" || open[1].ActionID != "a4" {
		t.Errorf("OpenSteps() = %v, want a2 and a4", open)
	}

	failed := trace.FailedSteps()
	if len(failed) != 1 || failed[0].ActionID != "a3" {
		t.Errorf("FailedSteps() = %v, want a3 only", failed)
	}

	if step := trace.Step("a3"); step == nil || step.Kind != ActionCommit {
		t.Errorf("Step(a3) = %v, want the commit step", step)
	}
	if step := trace.Step("missing"); step != nil {
		t.Errorf("Step(missing) = %v, want nil", step)
	}
}

func TestTaskIterations(t *testing.T) {
	task := NewTask("fix the parser", "parser panics on empty input", "default")
	if task.Status != TaskPending {
		t.Fatalf("new task status = %s, want %s", task.Status, TaskPending)
	}
	if task.LatestIteration() != nil {
		t.Fatal("new task should have no iterations")
	}

	first := task.AddIteration("fix the parser")
	second := task.AddIteration("previous attempt failed tests; address the panic directly")

	if first.Number != 1 || second.Number != 2 {
		t.Errorf("iteration numbers = %d, %d; want 1, 2", first.Number, second.Number)
	}
	if latest := task.LatestIteration(); latest.ID != second.ID {
		t.Errorf("LatestIteration() = %s, want %s", latest.ID, second.ID)
	}
}

func TestTaskStatusActive(t *testing.T) {
	active := []TaskStatus{TaskInProgress, TaskIterating}
	inactive := []TaskStatus{TaskPending, TaskCompleted, TaskFailed}

	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s.Active() = false, want true", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Errorf("%s.Active() = true, want false", s)
		}
	}
}

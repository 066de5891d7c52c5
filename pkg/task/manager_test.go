package task

import (
	"testing"

	"github.com/entrhq/rover/pkg/types"
)

func newTestManager(t *testing.T) *FileManager {
	t.Helper()
	m, err := NewFileManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileManager() error: %v", err)
	}
	return m
}

func TestCreateGetUpdate(t *testing.T) {
	m := newTestManager(t)

	task := types.NewTask("fix parser", "panics on empty input", "default")
	if err := m.Create(task); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := m.Create(task); err == nil {
		t.Fatal("expected error creating a duplicate task")
	}

	got, err := m.Get(task.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Title != "fix parser" || got.Status != types.TaskPending {
		t.Errorf("Get() = %+v, want pending task titled 'fix parser'", got)
	}

	got.BranchName = "rover/fix-parser"
	if err := m.Update(got); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	got, _ = m.Get(task.ID)
	if got.BranchName != "rover/fix-parser" {
		t.Errorf("BranchName = %q after update", got.BranchName)
	}
}

func TestCountActive(t *testing.T) {
	m := newTestManager(t)

	statuses := []types.TaskStatus{
		types.TaskPending,
		types.TaskInProgress,
		types.TaskIterating,
		types.TaskCompleted,
		types.TaskFailed,
	}
	for i, status := range statuses {
		task := types.NewTask("t", "", "default")
		if err := m.Create(task); err != nil {
			t.Fatalf("Create(%d) error: %v", i, err)
		}
		if err := m.SetStatus(task.ID, status); err != nil {
			t.Fatalf("SetStatus(%d) error: %v", i, err)
		}
	}

	count, err := m.CountActive()
	if err != nil {
		t.Fatalf("CountActive() error: %v", err)
	}
	if count != 2 {
		t.Errorf("CountActive() = %d, want 2", count)
	}
}

func TestIterations(t *testing.T) {
	m := newTestManager(t)
	task := types.NewTask("t", "desc", "default")
	if err := m.Create(task); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	it, err := m.AddIteration(task.ID, "first attempt")
	if err != nil {
		t.Fatalf("AddIteration() error: %v", err)
	}
	if it.Number != 1 {
		t.Errorf("iteration number = %d, want 1", it.Number)
	}

	if err := m.SetIterationSummary(task.ID, "tests failed"); err != nil {
		t.Fatalf("SetIterationSummary() error: %v", err)
	}

	got, _ := m.Get(task.ID)
	if got.Iterations[0].Summary != "tests failed" {
		t.Errorf("summary = %q, want 'tests failed'", got.Iterations[0].Summary)
	}

	it2, err := m.AddIteration(task.ID, "second attempt")
	if err != nil {
		t.Fatalf("AddIteration() error: %v", err)
	}
	if it2.Number != 2 {
		t.Errorf("second iteration number = %d, want 2", it2.Number)
	}
}

func TestWorktreePath(t *testing.T) {
	m := newTestManager(t)
	p := m.WorktreePath("task-1")
	if p == "" {
		t.Fatal("WorktreePath() returned empty path")
	}
	q := m.WorktreePath("task-2")
	if p == q {
		t.Error("worktree paths for different tasks must differ")
	}
}

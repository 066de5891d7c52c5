package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func waitForTerminal(t *testing.T, e Execution) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := e.Status(); s != StatusRunning {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution did not finish in time")
	return StatusRunning
}

func TestLocalFactorySuccess(t *testing.T) {
	f, err := NewLocalFactory([]string{"echo"})
	if err != nil {
		t.Fatalf("NewLocalFactory() error: %v", err)
	}

	e, err := f.Start(context.Background(), Spec{
		TaskID: "task-1",
		Dir:    t.TempDir(),
		Prompt: "do the thing",
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if status := waitForTerminal(t, e); status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (err: %v)", status, e.Err())
	}
	if !strings.Contains(e.Summary(), "do the thing") {
		t.Errorf("summary = %q, want the prompt echoed", e.Summary())
	}
}

func TestLocalFactoryFailure(t *testing.T) {
	f, err := NewLocalFactory([]string{"sh", "-c"})
	if err != nil {
		t.Fatalf("NewLocalFactory() error: %v", err)
	}

	e, err := f.Start(context.Background(), Spec{
		TaskID: "task-1",
		Dir:    t.TempDir(),
		Prompt: "echo boom >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if status := waitForTerminal(t, e); status != StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if e.Err() == nil {
		t.Error("failed execution has nil Err()")
	}
	if !strings.Contains(e.Summary(), "boom") {
		t.Errorf("summary = %q, want stderr captured", e.Summary())
	}
}

func TestLocalFactoryMissingDir(t *testing.T) {
	f, _ := NewLocalFactory([]string{"echo"})
	if _, err := f.Start(context.Background(), Spec{TaskID: "t", Dir: "/nonexistent/path"}); err == nil {
		t.Fatal("expected error for missing execution dir")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("task-1"); ok {
		t.Fatal("empty registry returned an execution")
	}

	e := &localExecution{taskID: "task-1", status: StatusSucceeded}
	r.Put(e)

	got, ok := r.Get("task-1")
	if !ok || got.TaskID() != "task-1" {
		t.Fatalf("Get() = %v, %v; want the stored execution", got, ok)
	}

	r.Remove("task-1")
	if _, ok := r.Get("task-1"); ok {
		t.Error("execution still present after Remove()")
	}
}

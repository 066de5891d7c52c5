package autopilot

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/entrhq/rover/pkg/types"
)

// seedPush puts a task whose worktree has an origin remote and a pending
// push action in place.
func seedPush(t *testing.T, e *env, withRemote bool) (*types.Task, *types.PendingAction) {
	t.Helper()

	worktree := initRepo(t)
	if withRemote {
		bare := t.TempDir()
		run := func(dir string, args ...string) {
			cmd := exec.Command("git", args...)
			cmd.Dir = dir
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Fatalf("git %v: %v\n%s", args, err, out)
			}
		}
		run(bare, "init", "--bare")
		run(worktree, "remote", "add", "origin", bare)
	}

	tk := types.NewTask("push me", "", "feature")
	tk.Status = types.TaskCompleted
	tk.BranchName = "main"
	tk.WorktreePath = worktree
	if err := e.tasks.Create(tk); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	trace := types.NewTrace("push trace")
	if err := e.store.CreateTrace(trace); err != nil {
		t.Fatalf("failed to create trace: %v", err)
	}
	root := types.NewSpan(trace.TraceID, "", types.ActionResolve, types.SpanCompleted, "resolved")
	if err := e.store.WriteSpan(root); err != nil {
		t.Fatalf("failed to write span: %v", err)
	}
	a := e.enqueueAction(t, trace.TraceID, root.SpanID, "push", types.PushMeta{
		TaskID: tk.ID, BranchName: tk.BranchName,
	})
	return tk, a
}

func TestPushPublishesBranch(t *testing.T) {
	e := newTestEnv(t)
	tk, a := seedPush(t, e, true)

	pusher := NewPusher(e.store, e.tasks, e.git, e.state, e.logger)
	if err := pusher.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	cmd := exec.Command("git", "ls-remote", "origin", tk.BranchName)
	cmd.Dir = tk.WorktreePath
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("ls-remote failed: %v", err)
	}
	if !strings.Contains(string(out), "refs/heads/"+tk.BranchName) {
		t.Errorf("branch not on remote: %q", out)
	}

	trace, _ := e.store.GetTrace(a.TraceID)
	if step := trace.Step(a.ActionID); step == nil || step.Status != types.StepCompleted {
		t.Errorf("push step not completed: %+v", step)
	}
	if pending, _ := e.store.GetPending(); len(pending) != 0 {
		t.Errorf("pending queue not drained: %d actions", len(pending))
	}
}

func TestPushFailureFailsStep(t *testing.T) {
	e := newTestEnv(t)
	_, a := seedPush(t, e, false)

	pusher := NewPusher(e.store, e.tasks, e.git, e.state, e.logger)
	if err := pusher.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	trace, _ := e.store.GetTrace(a.TraceID)
	step := trace.Step(a.ActionID)
	if step == nil || step.Status != types.StepFailed {
		t.Fatalf("push step not failed: %+v", step)
	}
	if !strings.Contains(step.Reasoning, "push failed") {
		t.Errorf("failure reasoning missing: %q", step.Reasoning)
	}
	if pending, _ := e.store.GetPending(); len(pending) != 0 {
		t.Errorf("failed push left pending actions: %d", len(pending))
	}
}

package autopilot

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/entrhq/rover/pkg/sandbox"
	"github.com/entrhq/rover/pkg/types"
)

// stages bundles one instance of every stage for tests that drive the
// pipeline by hand instead of through the scheduler.
type stages struct {
	workflow *WorkflowRunner
	review   *Reviewer
	commit   *Committer
	resolve  *Resolver
	push     *Pusher
}

func newStages(e *env, factory sandbox.Factory, ai *fakeAgent, arb Arbiter) *stages {
	return &stages{
		workflow: NewWorkflowRunner(e.cfg, e.store, e.tasks, e.git, factory, e.registry, e.state, e.logger),
		review:   NewReviewer(e.store, e.tasks, e.registry, e.state, e.logger),
		commit:   NewCommitter(e.cfg, e.store, e.tasks, e.git, ai, e.state, e.logger),
		resolve:  NewResolver(e.cfg, e.store, e.tasks, arb, e.state, e.logger),
		push:     NewPusher(e.store, e.tasks, e.git, e.state, e.logger),
	}
}

// cycle runs one poll of every stage in pipeline order.
func (s *stages) cycle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, stage := range []Stage{s.workflow, s.review, s.commit, s.resolve, s.push} {
		if err := stage.Poll(ctx); err != nil {
			t.Fatalf("%s poll failed: %v", stage.Name(), err)
		}
	}
}

// addOrigin wires a bare repository as origin so pushes have somewhere to
// go. Worktrees share the main repository's remotes.
func addOrigin(t *testing.T, e *env) string {
	t.Helper()
	bare := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run(bare, "init", "--bare")
	run(e.repoDir, "remote", "add", "origin", bare)
	return bare
}

func TestPipelineHappyPath(t *testing.T) {
	e := newTestEnv(t)
	addOrigin(t, e)

	factory := &fakeFactory{
		onStart: func(spec sandbox.Spec) *fakeExecution {
			writeWorktreeFile(t, spec.Dir, "feature.go", "package feature\n")
			return &fakeExecution{taskID: spec.TaskID, status: sandbox.StatusSucceeded, summary: "implemented feature"}
		},
	}
	ai := &fakeAgent{commitMsg: "feat: implement feature"}
	s := newStages(e, factory, ai, &countingArbiter{result: ArbiterResult{Decision: DecisionFail}})

	a := e.enqueueWorkflow(t, "implement feature", types.WorkflowMeta{
		Workflow: "feature", TaskTitle: "Implement feature",
	})

	s.cycle(t)

	tasks, _ := e.tasks.List()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	tk := tasks[0]
	if tk.Status != types.TaskCompleted {
		t.Errorf("task finished %s, want COMPLETED", tk.Status)
	}

	// The whole trace ran through in one cycle: every step terminal, the
	// queue drained, and the branch on the remote.
	trace, err := e.store.GetTrace(a.TraceID)
	if err != nil {
		t.Fatalf("failed to read trace: %v", err)
	}
	if open := trace.OpenSteps(); len(open) != 0 {
		t.Errorf("trace left open steps: %+v", open)
	}
	if failed := trace.FailedSteps(); len(failed) != 0 {
		t.Errorf("trace has failed steps: %+v", failed)
	}
	kinds := make(map[types.ActionKind]int)
	for _, st := range trace.Steps {
		kinds[st.Kind]++
	}
	for _, kind := range []types.ActionKind{types.ActionWorkflow, types.ActionReview, types.ActionCommit, types.ActionResolve, types.ActionPush} {
		if kinds[kind] == 0 {
			t.Errorf("trace has no %s step", kind)
		}
	}
	if pending, _ := e.store.GetPending(); len(pending) != 0 {
		t.Errorf("pending queue not drained: %d actions", len(pending))
	}

	cmd := exec.Command("git", "ls-remote", "origin", tk.BranchName)
	cmd.Dir = e.repoDir
	out, err := cmd.Output()
	if err != nil || !strings.Contains(string(out), "refs/heads/"+tk.BranchName) {
		t.Errorf("branch %s not pushed: %v %q", tk.BranchName, err, out)
	}

	entries, err := e.store.ReadLog()
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if len(entries) < 5 {
		t.Errorf("audit log has %d entries, want one per stage at least", len(entries))
	}
}

func TestPipelineIterateThenSucceed(t *testing.T) {
	e := newTestEnv(t)
	addOrigin(t, e)

	attempts := 0
	factory := &fakeFactory{
		onStart: func(spec sandbox.Spec) *fakeExecution {
			attempts++
			if attempts == 1 {
				return &fakeExecution{taskID: spec.TaskID, status: sandbox.StatusFailed, summary: "tests failed"}
			}
			writeWorktreeFile(t, spec.Dir, "fixed.go", "package fixed\n")
			return &fakeExecution{taskID: spec.TaskID, status: sandbox.StatusSucceeded, summary: "fixed the tests"}
		},
	}
	ai := &fakeAgent{commitMsg: "fix: make tests pass"}
	arb := &countingArbiter{result: ArbiterResult{
		Decision: DecisionIterate, Instructions: "fix the failing tests",
	}}
	s := newStages(e, factory, ai, arb)

	a := e.enqueueWorkflow(t, "fix the build", types.WorkflowMeta{
		Workflow: "feature", TaskTitle: "Fix the build",
	})

	// First cycle: run, fail, commit skipped, resolver queues a retry.
	s.cycle(t)
	// Second cycle: retry runs and succeeds, commit lands, push queues.
	s.cycle(t)
	// Third cycle: push publishes.
	s.cycle(t)

	if attempts != 2 {
		t.Fatalf("expected 2 executions, got %d", attempts)
	}
	if arb.calls != 1 {
		t.Errorf("arbiter consulted %d times, want 1", arb.calls)
	}

	tasks, _ := e.tasks.List()
	if len(tasks) != 1 {
		t.Fatalf("retry created a second task: %d tasks", len(tasks))
	}
	tk := tasks[0]
	if tk.Status != types.TaskCompleted {
		t.Errorf("task finished %s, want COMPLETED", tk.Status)
	}
	if len(tk.Iterations) != 2 {
		t.Errorf("expected 2 iterations, got %d", len(tk.Iterations))
	}
	if !strings.Contains(tk.Iterations[1].Instructions, "fix the failing tests") {
		t.Errorf("retry instructions not applied: %q", tk.Iterations[1].Instructions)
	}

	trace, _ := e.store.GetTrace(a.TraceID)
	if trace.RetryCount != 1 {
		t.Errorf("retry count %d, want 1", trace.RetryCount)
	}
	if open := trace.OpenSteps(); len(open) != 0 {
		t.Errorf("trace left open steps: %+v", open)
	}
	if pending, _ := e.store.GetPending(); len(pending) != 0 {
		t.Errorf("pending queue not drained: %d actions", len(pending))
	}
}

func TestPipelineEnqueueWorkflow(t *testing.T) {
	e := newTestEnv(t)
	p := New(e.cfg, e.store, e.tasks, e.git, &fakeFactory{}, &fakeAgent{}, e.logger,
		WithRegistry(e.registry), WithArbiter(&countingArbiter{}))

	a, err := p.EnqueueWorkflow("seed work", types.WorkflowMeta{Workflow: "feature", TaskTitle: "seed"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	pending := e.pendingOfKind(t, types.ActionWorkflow)
	if len(pending) != 1 || pending[0].ActionID != a.ActionID {
		t.Fatalf("workflow action not queued: %+v", pending)
	}
	trace, err := e.store.GetTrace(a.TraceID)
	if err != nil {
		t.Fatalf("trace not created: %v", err)
	}
	if step := trace.Step(a.ActionID); step == nil || step.Status != types.StepPending {
		t.Errorf("workflow step not pending: %+v", step)
	}
	spans, err := e.store.ListSpans(a.TraceID)
	if err != nil || len(spans) != 1 {
		t.Fatalf("expected root span, got %d err=%v", len(spans), err)
	}
	if spans[0].SpanID != a.SpanID {
		t.Errorf("action not parented to root span")
	}
}

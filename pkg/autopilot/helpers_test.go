package autopilot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/entrhq/rover/pkg/agent"
	"github.com/entrhq/rover/pkg/config"
	"github.com/entrhq/rover/pkg/git"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/sandbox"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// env bundles everything a stage needs, backed by temp directories and a
// real git repository.
type env struct {
	cfg      *config.Config
	store    *store.Store
	tasks    *task.FileManager
	git      *git.Manager
	registry *sandbox.Registry
	state    *State
	logger   *logging.Logger
	repoDir  string
}

func newTestEnv(t *testing.T) *env {
	t.Helper()

	dataDir := t.TempDir()
	repoDir := initRepo(t)

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.RepoDir = repoDir
	cfg.DefaultBranch = "main"
	cfg.Agent.Command = []string{"true"}

	st, err := store.Open(filepath.Join(dataDir, "store"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	tasks, err := task.NewFileManager(filepath.Join(dataDir, "work"))
	if err != nil {
		t.Fatalf("failed to create task manager: %v", err)
	}
	logger, err := logging.NewLogger("test")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	return &env{
		cfg:      cfg,
		store:    st,
		tasks:    tasks,
		git:      git.NewManager(repoDir),
		registry: sandbox.NewRegistry(),
		state:    NewState(),
		logger:   logger,
		repoDir:  repoDir,
	}
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("test\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

// enqueueWorkflow creates a trace plus a pending workflow action, the way a
// host hands work to the pipeline.
func (e *env) enqueueWorkflow(t *testing.T, summary string, meta types.WorkflowMeta) *types.PendingAction {
	t.Helper()

	trace := types.NewTrace(summary)
	if err := e.store.CreateTrace(trace); err != nil {
		t.Fatalf("failed to create trace: %v", err)
	}
	root := types.NewSpan(trace.TraceID, "", types.ActionWorkflow, types.SpanCompleted, "queued")
	if err := e.store.WriteSpan(root); err != nil {
		t.Fatalf("failed to write root span: %v", err)
	}

	a := types.NewPendingAction(trace.TraceID, root.SpanID, summary, meta)
	if err := e.store.AppendStep(trace.TraceID, types.ActionStep{
		ActionID: a.ActionID, Kind: a.Kind, Status: types.StepPending, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to append step: %v", err)
	}
	if err := e.store.AddPending(a); err != nil {
		t.Fatalf("failed to add pending: %v", err)
	}
	return a
}

// enqueueAction queues an arbitrary action under an existing trace.
func (e *env) enqueueAction(t *testing.T, traceID, spanID, summary string, meta types.ActionMeta) *types.PendingAction {
	t.Helper()
	a := types.NewPendingAction(traceID, spanID, summary, meta)
	if err := e.store.AppendStep(traceID, types.ActionStep{
		ActionID: a.ActionID, Kind: a.Kind, Status: types.StepPending, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to append step: %v", err)
	}
	if err := e.store.AddPending(a); err != nil {
		t.Fatalf("failed to add pending: %v", err)
	}
	return a
}

// pendingOfKind filters the pending queue by kind.
func (e *env) pendingOfKind(t *testing.T, kind types.ActionKind) []*types.PendingAction {
	t.Helper()
	pending, err := e.store.GetPending()
	if err != nil {
		t.Fatalf("failed to read pending: %v", err)
	}
	var out []*types.PendingAction
	for _, a := range pending {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// fakeExecution is a scripted sandbox handle.
type fakeExecution struct {
	taskID  string
	status  sandbox.Status
	summary string
	err     error
}

func (f *fakeExecution) TaskID() string         { return f.taskID }
func (f *fakeExecution) Status() sandbox.Status { return f.status }
func (f *fakeExecution) Summary() string        { return f.summary }
func (f *fakeExecution) Err() error             { return f.err }

// fakeFactory scripts sandbox launches. onStart, when set, runs in the
// worktree before the execution is returned, standing in for the agent's
// file edits.
type fakeFactory struct {
	onStart  func(spec sandbox.Spec) *fakeExecution
	startErr error
	started  []sandbox.Spec
}

func (f *fakeFactory) Start(_ context.Context, spec sandbox.Spec) (sandbox.Execution, error) {
	f.started = append(f.started, spec)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.onStart != nil {
		return f.onStart(spec), nil
	}
	return &fakeExecution{taskID: spec.TaskID, status: sandbox.StatusSucceeded, summary: "done"}, nil
}

// fakeAgent scripts LLM replies.
type fakeAgent struct {
	invokeReply  string
	invokeErr    error
	invoked      []string
	commitMsg    string
	commitMsgErr error
}

func (f *fakeAgent) Invoke(_ context.Context, prompt string, _ agent.InvokeOptions) (string, error) {
	f.invoked = append(f.invoked, prompt)
	if f.invokeErr != nil {
		return "", f.invokeErr
	}
	return f.invokeReply, nil
}

func (f *fakeAgent) GenerateCommitMessage(_ context.Context, _ agent.CommitMessageRequest) (string, error) {
	if f.commitMsgErr != nil {
		return "", f.commitMsgErr
	}
	return f.commitMsg, nil
}

// writeWorktreeFile drops a file into a worktree, simulating agent edits.
func writeWorktreeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// countingArbiter records calls and returns a fixed result.
type countingArbiter struct {
	result ArbiterResult
	calls  int
}

func (c *countingArbiter) Decide(_ context.Context, _ DecisionContext) ArbiterResult {
	c.calls++
	return c.result
}

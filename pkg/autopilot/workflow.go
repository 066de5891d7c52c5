package autopilot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/entrhq/rover/pkg/config"
	"github.com/entrhq/rover/pkg/git"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/sandbox"
	"github.com/entrhq/rover/pkg/security/workspace"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// WorkflowRunner admits pending workflow actions up to the running-task cap,
// prepares a worktree and branch per task, and starts a sandboxed agent
// execution for each admitted action.
type WorkflowRunner struct {
	cfg       *config.Config
	store     *store.Store
	tasks     task.Manager
	git       *git.Manager
	sandboxes sandbox.Factory
	registry  *sandbox.Registry
	state     *State
	logger    *logging.Logger
}

// NewWorkflowRunner creates the workflow stage.
func NewWorkflowRunner(cfg *config.Config, st *store.Store, tasks task.Manager, g *git.Manager,
	factory sandbox.Factory, registry *sandbox.Registry, state *State, logger *logging.Logger) *WorkflowRunner {
	return &WorkflowRunner{
		cfg:       cfg,
		store:     st,
		tasks:     tasks,
		git:       g,
		sandboxes: factory,
		registry:  registry,
		state:     state,
		logger:    logger,
	}
}

// Name identifies the stage to the scheduler.
func (r *WorkflowRunner) Name() string { return "workflow" }

// admission is one workflow action cleared to run, with its resolved base
// branch.
type admission struct {
	action *types.PendingAction
	meta   types.WorkflowMeta
	base   string
}

// Poll partitions pending workflow actions into admitted, deferred, and
// dependency-cascaded sets, then runs each admitted action in its own
// goroutine. Deferred actions stay pending for the next cycle.
func (r *WorkflowRunner) Poll(ctx context.Context) error {
	pending, err := r.store.GetPending()
	if err != nil {
		return fmt.Errorf("failed to read pending actions: %w", err)
	}

	var claimed []*types.PendingAction
	for _, a := range pending {
		if a.Kind != types.ActionWorkflow {
			continue
		}
		if !r.state.Claim(a.ActionID) {
			continue
		}
		claimed = append(claimed, a)
	}
	if len(claimed) == 0 {
		return nil
	}

	active, err := r.tasks.CountActive()
	if err != nil {
		for _, a := range claimed {
			r.state.Release(a.ActionID)
		}
		return fmt.Errorf("failed to count active tasks: %w", err)
	}
	slots := r.cfg.MaxRunningTasks - active
	if slots < 0 {
		slots = 0
	}

	var admitted []admission
	for _, a := range claimed {
		meta, ok := a.Meta.(types.WorkflowMeta)
		if !ok {
			r.failAction(a, "workflow action carries no workflow payload")
			r.state.Release(a.ActionID)
			continue
		}

		base, verdict, reason := r.partition(meta)
		switch verdict {
		case verdictCascade:
			// A failed dependency fails the dependent outright. This does
			// not consume the trace's retry budget.
			r.failAction(a, reason)
			r.state.Release(a.ActionID)
			continue
		case verdictDefer:
			r.state.Release(a.ActionID)
			continue
		}

		// Iterate retries target a task that is already counted active, so
		// they do not consume a slot.
		if !r.isActiveRetry(meta) {
			if slots == 0 {
				r.state.Release(a.ActionID)
				continue
			}
			slots--
		}
		admitted = append(admitted, admission{action: a, meta: meta, base: base})
	}

	var wg sync.WaitGroup
	for _, adm := range admitted {
		wg.Add(1)
		go func(adm admission) {
			defer wg.Done()
			r.process(ctx, adm)
		}(adm)
	}
	wg.Wait()
	return nil
}

type verdict int

const (
	verdictAdmit verdict = iota
	verdictDefer
	verdictCascade
)

// partition decides whether an action may run now. Actions with a
// dependency wait until the dependency's task completes; its branch then
// becomes this action's base so the work chains.
func (r *WorkflowRunner) partition(meta types.WorkflowMeta) (base string, v verdict, reason string) {
	if meta.DependsOnActionID == "" {
		base = meta.BaseBranch
		if base == "" {
			base = r.cfg.DefaultBranch
		}
		return base, verdictAdmit, ""
	}

	mapping, ok, err := r.store.GetTaskMapping(meta.DependsOnActionID)
	if err != nil || !ok {
		return "", verdictDefer, ""
	}
	dep, err := r.tasks.Get(mapping.TaskID)
	if err != nil {
		return "", verdictDefer, ""
	}
	switch dep.Status {
	case types.TaskCompleted:
		return mapping.BranchName, verdictAdmit, ""
	case types.TaskFailed:
		return "", verdictCascade, fmt.Sprintf("dependency task %s failed: %s", dep.ID, dep.Error)
	default:
		return "", verdictDefer, ""
	}
}

func (r *WorkflowRunner) isActiveRetry(meta types.WorkflowMeta) bool {
	if meta.TaskID == "" {
		return false
	}
	t, err := r.tasks.Get(meta.TaskID)
	return err == nil && t.Status.Active()
}

// process runs one admitted action end to end: resolve or create the task,
// prepare its workspace, start the sandbox, and hand off to review.
func (r *WorkflowRunner) process(ctx context.Context, adm admission) {
	a := adm.action
	defer r.state.Release(a.ActionID)

	if err := beginStep(r.store, a); err != nil {
		r.logger.Errorf("workflow %s: %v", a.ActionID, err)
		return
	}

	t, err := r.resolveTask(a, adm.meta)
	if err != nil {
		r.failAction(a, fmt.Sprintf("failed to resolve task: %v", err))
		return
	}

	if t.BranchName == "" {
		if err := r.prepareWorkspace(ctx, t, adm.base); err != nil {
			r.failAction(a, fmt.Sprintf("failed to prepare workspace: %v", err))
			return
		}
	}

	instructions := adm.meta.IterateInstructions
	if instructions == "" {
		instructions = buildTaskPrompt(t)
	}
	if _, err := r.tasks.AddIteration(t.ID, instructions); err != nil {
		r.failAction(a, fmt.Sprintf("failed to record iteration: %v", err))
		return
	}
	if err := r.tasks.SetStatus(t.ID, types.TaskInProgress); err != nil {
		r.failAction(a, fmt.Sprintf("failed to mark task in progress: %v", err))
		return
	}

	exec, err := r.sandboxes.Start(ctx, sandbox.Spec{
		TaskID: t.ID,
		Dir:    t.WorktreePath,
		Prompt: instructions,
		Env:    os.Environ(),
	})
	if err != nil {
		// Infrastructure failure. The launch is not retried: the task goes
		// back to pending and the failed step carries the evidence.
		if serr := r.tasks.SetStatus(t.ID, types.TaskPending); serr != nil {
			r.logger.Errorf("workflow %s: failed to reset task %s: %v", a.ActionID, t.ID, serr)
		}
		r.failAction(a, fmt.Sprintf("sandbox start failed: %v", err))
		return
	}
	r.registry.Put(exec)

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionWorkflow, types.SpanCompleted,
		fmt.Sprintf("started agent for %q", t.Title)).
		WithDetail("task_id", t.ID).
		WithDetail("branch", t.BranchName)
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("workflow %s: failed to write span: %v", a.ActionID, err)
	}
	if err := r.store.SetTaskMapping(a.ActionID, types.TaskMapping{TaskID: t.ID, BranchName: t.BranchName}); err != nil {
		r.failAction(a, fmt.Sprintf("failed to record task mapping: %v", err))
		return
	}
	if err := r.store.RemovePending(a.ActionID); err != nil {
		r.logger.Errorf("workflow %s: failed to remove pending action: %v", a.ActionID, err)
		return
	}

	review := types.NewPendingAction(a.TraceID, span.SpanID,
		fmt.Sprintf("review %q", t.Title),
		types.ReviewMeta{TaskID: t.ID, BranchName: t.BranchName})
	if err := enqueueNext(r.store, a.TraceID, review); err != nil {
		r.logger.Errorf("workflow %s: failed to enqueue review: %v", a.ActionID, err)
		return
	}

	completeStep(r.store, r.logger, a, "")
	audit(r.store, r.logger, types.ActionWorkflow, a.TraceID, a.ActionID,
		"started execution for task %s on branch %s", t.ID, t.BranchName)
}

// resolveTask finds the task this action operates on. A mapping recorded by
// an earlier crashed attempt wins over everything: the admission already
// happened and must not create a second task.
func (r *WorkflowRunner) resolveTask(a *types.PendingAction, meta types.WorkflowMeta) (*types.Task, error) {
	mapping, ok, err := r.store.GetTaskMapping(a.ActionID)
	if err != nil {
		return nil, err
	}
	if ok {
		return r.tasks.Get(mapping.TaskID)
	}
	if meta.TaskID != "" {
		return r.tasks.Get(meta.TaskID)
	}

	t := types.NewTask(meta.TaskTitle, meta.TaskDescription, meta.Workflow)
	if err := r.tasks.Create(t); err != nil {
		return nil, err
	}
	return t, nil
}

// prepareWorkspace creates the task's branch and worktree off the base
// branch, copies env files in, and applies sparse excludes.
func (r *WorkflowRunner) prepareWorkspace(ctx context.Context, t *types.Task, base string) error {
	branch := fmt.Sprintf("rover/%s", shortID(t.ID))
	worktree := r.tasks.WorktreePath(t.ID)
	if err := r.git.AddWorktree(ctx, worktree, branch, base); err != nil {
		return err
	}

	if err := r.copyEnvFiles(worktree); err != nil {
		r.logger.Warnf("task %s: env file copy failed: %v", t.ID, err)
	}
	if len(r.cfg.Workspace.SparseExcludes) > 0 {
		if err := r.git.ApplySparseExcludes(ctx, worktree, r.cfg.Workspace.SparseExcludes); err != nil {
			r.logger.Warnf("task %s: sparse excludes failed: %v", t.ID, err)
		}
	}

	t.BranchName = branch
	t.WorktreePath = worktree
	return r.tasks.Update(t)
}

// copyEnvFiles copies top-level repo files matching the configured env
// patterns into the worktree. Git worktrees share tracked files but not
// ignored ones, which is exactly where env files live. Destinations are
// validated against the worktree boundary since patterns come from config.
func (r *WorkflowRunner) copyEnvFiles(worktree string) error {
	if len(r.cfg.Workspace.EnvFilePatterns) == 0 {
		return nil
	}

	guard, err := workspace.NewGuard(worktree)
	if err != nil {
		return err
	}

	globs := make([]glob.Glob, 0, len(r.cfg.Workspace.EnvFilePatterns))
	for _, p := range r.cfg.Workspace.EnvFilePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid env file pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	entries, err := os.ReadDir(r.cfg.RepoDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched := false
		for _, g := range globs {
			if g.Match(entry.Name()) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		dst, err := guard.SafeJoin(entry.Name())
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.RepoDir, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0600); err != nil {
			return err
		}
	}
	return nil
}

// failAction fails the action via the shared step plumbing. Used for
// unexpected errors and dependency cascades; the resolver sees the failed
// step when a resolve action for the trace arrives.
func (r *WorkflowRunner) failAction(a *types.PendingAction, reason string) {
	failStep(r.store, r.logger, a, reason)
}

// buildTaskPrompt composes the agent prompt for a first attempt.
func buildTaskPrompt(t *types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", t.Workflow)
	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	b.WriteString("\nWork in the current directory. Make the required changes but do not commit them.")
	return b.String()
}

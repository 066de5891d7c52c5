package autopilot

import (
	"context"
	"fmt"

	"github.com/entrhq/rover/pkg/agent"
	"github.com/entrhq/rover/pkg/config"
	"github.com/entrhq/rover/pkg/git"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// recentCommitContext is how many commit subjects the message generator
// sees for style matching.
const recentCommitContext = 5

// Committer turns finished task work into a commit on the task branch. Git
// failures are captured structurally on the resolve action rather than
// thrown, so the resolver can make the terminal call.
type Committer struct {
	cfg    *config.Config
	store  *store.Store
	tasks  task.Manager
	git    *git.Manager
	agent  agent.Agent
	state  *State
	logger *logging.Logger
}

// NewCommitter creates the commit stage.
func NewCommitter(cfg *config.Config, st *store.Store, tasks task.Manager, g *git.Manager,
	ai agent.Agent, state *State, logger *logging.Logger) *Committer {
	return &Committer{cfg: cfg, store: st, tasks: tasks, git: g, agent: ai, state: state, logger: logger}
}

// Name identifies the stage to the scheduler.
func (c *Committer) Name() string { return "commit" }

// Poll processes every pending commit action.
func (c *Committer) Poll(ctx context.Context) error {
	pending, err := c.store.GetPending()
	if err != nil {
		return fmt.Errorf("failed to read pending actions: %w", err)
	}

	for _, a := range pending {
		if a.Kind != types.ActionCommit {
			continue
		}
		if !c.state.Claim(a.ActionID) {
			continue
		}
		c.process(ctx, a)
		c.state.Release(a.ActionID)
	}
	return nil
}

func (c *Committer) process(ctx context.Context, a *types.PendingAction) {
	meta, ok := a.Meta.(types.CommitMeta)
	if !ok {
		failStep(c.store, c.logger, a, "commit action carries no commit payload")
		return
	}

	if err := beginStep(c.store, a); err != nil {
		c.logger.Errorf("commit %s: %v", a.ActionID, err)
		return
	}

	t, err := c.tasks.Get(meta.TaskID)
	if err != nil {
		failStep(c.store, c.logger, a, fmt.Sprintf("failed to load task %s: %v", meta.TaskID, err))
		return
	}

	// A failed task has nothing worth committing. Skip straight to the
	// resolver so it can decide on a retry.
	if meta.TaskStatus == types.TaskFailed {
		span := types.NewSpan(a.TraceID, a.SpanID, types.ActionCommit, types.SpanSkipped,
			fmt.Sprintf("skipped commit for failed task %q", t.Title)).
			WithDetail("task_id", t.ID)
		c.finish(a, t, span, types.ResolveMeta{
			TaskID:     t.ID,
			TaskStatus: meta.TaskStatus,
			Committed:  false,
		}, types.StepCompleted, "skipped: task failed")
		return
	}

	dirty, err := c.git.HasUncommittedChanges(ctx, t.WorktreePath)
	if err != nil {
		failStep(c.store, c.logger, a, fmt.Sprintf("failed to check worktree state: %v", err))
		return
	}
	if !dirty {
		// Nothing changed, which is a legitimate outcome. Forward it so the
		// resolver does not wait on a commit that will never come.
		span := types.NewSpan(a.TraceID, a.SpanID, types.ActionCommit, types.SpanCompleted,
			fmt.Sprintf("no changes to commit for %q", t.Title)).
			WithDetail("task_id", t.ID).
			WithDetail("no_changes", "true")
		c.finish(a, t, span, types.ResolveMeta{
			TaskID:     t.ID,
			TaskStatus: meta.TaskStatus,
			Committed:  false,
		}, types.StepCompleted, "no changes")
		return
	}

	message := c.commitMessage(ctx, t)
	if trailer := c.cfg.Git.AttributionTrailer; trailer != "" {
		message = message + "\n\n" + trailer
	}

	if err := c.git.StageAll(ctx, t.WorktreePath); err != nil {
		c.forwardGitError(a, t, meta, err)
		return
	}
	hash, err := c.git.Commit(ctx, t.WorktreePath, message, git.Author{
		Name:  c.cfg.Git.AuthorName,
		Email: c.cfg.Git.AuthorEmail,
	})
	if err != nil {
		c.forwardGitError(a, t, meta, err)
		return
	}

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionCommit, types.SpanCompleted,
		fmt.Sprintf("committed %q", t.Title)).
		WithDetail("task_id", t.ID).
		WithDetail("commit_hash", hash)
	c.finish(a, t, span, types.ResolveMeta{
		TaskID:     t.ID,
		TaskStatus: meta.TaskStatus,
		Committed:  true,
		CommitHash: hash,
	}, types.StepCompleted, fmt.Sprintf("committed %s", hash))
}

// finish writes the span, completes or fails the commit step, and hands the
// trace to the resolver.
func (c *Committer) finish(a *types.PendingAction, t *types.Task, span *types.Span,
	resolveMeta types.ResolveMeta, stepStatus types.StepStatus, reasoning string) {

	if err := c.store.WriteSpan(span); err != nil {
		c.logger.Errorf("commit %s: failed to write span: %v", a.ActionID, err)
	}
	if err := c.store.RemovePending(a.ActionID); err != nil {
		c.logger.Errorf("commit %s: failed to remove pending action: %v", a.ActionID, err)
		return
	}

	resolve := types.NewPendingAction(a.TraceID, span.SpanID,
		fmt.Sprintf("resolve %q", t.Title), resolveMeta)
	if err := enqueueNext(c.store, a.TraceID, resolve); err != nil {
		c.logger.Errorf("commit %s: failed to enqueue resolve: %v", a.ActionID, err)
		return
	}

	if err := c.store.SetStepStatus(a.TraceID, a.ActionID, stepStatus, reasoning); err != nil {
		c.logger.Errorf("commit %s: failed to set step status: %v", a.ActionID, err)
	}
	audit(c.store, c.logger, types.ActionCommit, a.TraceID, a.ActionID, "%s", reasoning)
}

// forwardGitError converts a git failure into a structured CommitError on
// the resolve action. The resolver treats it as terminal.
func (c *Committer) forwardGitError(a *types.PendingAction, t *types.Task, meta types.CommitMeta, err error) {
	ce := &types.CommitError{Message: err.Error()}
	if gerr := git.AsError(err); gerr != nil {
		ce.Message = gerr.Message
		ce.Command = gerr.Command
		ce.ExitCode = gerr.ExitCode
		ce.Stderr = gerr.Stderr
	}

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionCommit, types.SpanFailed,
		fmt.Sprintf("commit failed for %q: %s", t.Title, ce.Message)).
		WithDetail("task_id", t.ID).
		WithDetail("command", ce.Command)
	c.finish(a, t, span, types.ResolveMeta{
		TaskID:      t.ID,
		TaskStatus:  meta.TaskStatus,
		Committed:   false,
		CommitError: ce,
	}, types.StepFailed, fmt.Sprintf("git failure: %s", ce.Message))
}

// commitMessage asks the agent for a commit message and falls back to the
// task title on any error or empty reply.
func (c *Committer) commitMessage(ctx context.Context, t *types.Task) string {
	var summaries []string
	for _, it := range t.Iterations {
		if it.Summary != "" {
			summaries = append(summaries, it.Summary)
		}
	}

	recent, err := c.git.RecentCommits(ctx, t.WorktreePath, recentCommitContext)
	if err != nil {
		recent = nil
	}
	diffStat, err := c.git.DiffStat(ctx, t.WorktreePath)
	if err != nil {
		diffStat = ""
	}

	msg, err := c.agent.GenerateCommitMessage(ctx, agent.CommitMessageRequest{
		TaskTitle:          t.Title,
		IterationSummaries: summaries,
		RecentCommits:      recent,
		DiffStat:           diffStat,
	})
	if err != nil || msg == "" {
		if err != nil {
			c.logger.Warnf("task %s: commit message generation failed: %v", t.ID, err)
		}
		return t.Title
	}
	return msg
}

package autopilot

import (
	"context"
	"fmt"

	"github.com/entrhq/rover/pkg/git"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// Pusher publishes a resolved task branch to the remote. It is the final
// stage: a push failure fails the step and is surfaced through the audit
// log rather than retried automatically.
type Pusher struct {
	store  *store.Store
	tasks  task.Manager
	git    *git.Manager
	state  *State
	logger *logging.Logger
}

// NewPusher creates the push stage.
func NewPusher(st *store.Store, tasks task.Manager, g *git.Manager, state *State, logger *logging.Logger) *Pusher {
	return &Pusher{store: st, tasks: tasks, git: g, state: state, logger: logger}
}

// Name identifies the stage to the scheduler.
func (p *Pusher) Name() string { return "push" }

// Poll processes every pending push action.
func (p *Pusher) Poll(ctx context.Context) error {
	pending, err := p.store.GetPending()
	if err != nil {
		return fmt.Errorf("failed to read pending actions: %w", err)
	}

	for _, a := range pending {
		if a.Kind != types.ActionPush {
			continue
		}
		if !p.state.Claim(a.ActionID) {
			continue
		}
		p.process(ctx, a)
		p.state.Release(a.ActionID)
	}
	return nil
}

func (p *Pusher) process(ctx context.Context, a *types.PendingAction) {
	meta, ok := a.Meta.(types.PushMeta)
	if !ok {
		failStep(p.store, p.logger, a, "push action carries no push payload")
		return
	}

	if err := beginStep(p.store, a); err != nil {
		p.logger.Errorf("push %s: %v", a.ActionID, err)
		return
	}

	t, err := p.tasks.Get(meta.TaskID)
	if err != nil {
		failStep(p.store, p.logger, a, fmt.Sprintf("failed to load task %s: %v", meta.TaskID, err))
		return
	}

	if err := p.git.Push(ctx, t.WorktreePath, meta.BranchName); err != nil {
		failStep(p.store, p.logger, a, fmt.Sprintf("push failed: %v", err))
		return
	}

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionPush, types.SpanCompleted,
		fmt.Sprintf("pushed %s", meta.BranchName)).
		WithDetail("branch", meta.BranchName).
		WithDetail("commit_hash", meta.CommitHash)
	if err := p.store.WriteSpan(span); err != nil {
		p.logger.Errorf("push %s: failed to write span: %v", a.ActionID, err)
	}
	if err := p.store.RemovePending(a.ActionID); err != nil {
		p.logger.Errorf("push %s: failed to remove pending action: %v", a.ActionID, err)
		return
	}

	completeStep(p.store, p.logger, a, "pushed "+meta.BranchName)
	audit(p.store, p.logger, types.ActionPush, a.TraceID, a.ActionID, "pushed %s", meta.BranchName)
}

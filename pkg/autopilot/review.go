package autopilot

import (
	"context"
	"fmt"

	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/sandbox"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// summaryCap bounds the agent output captured onto an iteration.
const summaryCap = 4000

// Reviewer watches running sandbox executions and, once one finishes,
// records the outcome on the task and hands the trace to the committer.
type Reviewer struct {
	store    *store.Store
	tasks    task.Manager
	registry *sandbox.Registry
	state    *State
	logger   *logging.Logger
}

// NewReviewer creates the review stage.
func NewReviewer(st *store.Store, tasks task.Manager, registry *sandbox.Registry,
	state *State, logger *logging.Logger) *Reviewer {
	return &Reviewer{store: st, tasks: tasks, registry: registry, state: state, logger: logger}
}

// Name identifies the stage to the scheduler.
func (r *Reviewer) Name() string { return "review" }

// Poll checks each pending review action against its sandbox execution.
// Actions whose execution is still running stay pending.
func (r *Reviewer) Poll(ctx context.Context) error {
	pending, err := r.store.GetPending()
	if err != nil {
		return fmt.Errorf("failed to read pending actions: %w", err)
	}

	for _, a := range pending {
		if a.Kind != types.ActionReview {
			continue
		}
		if !r.state.Claim(a.ActionID) {
			continue
		}
		r.process(ctx, a)
		r.state.Release(a.ActionID)
	}
	return nil
}

func (r *Reviewer) process(ctx context.Context, a *types.PendingAction) {
	meta, ok := a.Meta.(types.ReviewMeta)
	if !ok {
		failStep(r.store, r.logger, a, "review action carries no review payload")
		return
	}

	t, err := r.tasks.Get(meta.TaskID)
	if err != nil {
		failStep(r.store, r.logger, a, fmt.Sprintf("failed to load task %s: %v", meta.TaskID, err))
		return
	}

	if exec, live := r.registry.Get(t.ID); live {
		switch exec.Status() {
		case sandbox.StatusRunning:
			// Not done yet; leave the action pending for the next cycle.
			return
		case sandbox.StatusSucceeded:
			r.recordOutcome(t, types.TaskCompleted, exec.Summary(), "")
		case sandbox.StatusFailed:
			msg := "agent execution failed"
			if execErr := exec.Err(); execErr != nil {
				msg = execErr.Error()
			}
			r.recordOutcome(t, types.TaskFailed, exec.Summary(), msg)
		}
		r.registry.Remove(t.ID)
	} else if t.Status.Active() {
		// No live handle for an active task means the process that started
		// the execution died. The work cannot be observed, so the attempt
		// fails; the resolver decides whether to retry.
		r.recordOutcome(t, types.TaskFailed, "", "execution lost: no live sandbox for active task")
	}

	t, err = r.tasks.Get(meta.TaskID)
	if err != nil {
		failStep(r.store, r.logger, a, fmt.Sprintf("failed to reload task %s: %v", meta.TaskID, err))
		return
	}

	if err := beginStep(r.store, a); err != nil {
		r.logger.Errorf("review %s: %v", a.ActionID, err)
		return
	}

	spanStatus := types.SpanCompleted
	stepStatus := types.StepCompleted
	reasoning := fmt.Sprintf("task %s", t.Status)
	if t.Status == types.TaskFailed {
		// A failed attempt is recorded as a failed review step. That is the
		// signal the resolver keys its retry decision on.
		spanStatus = types.SpanFailed
		stepStatus = types.StepFailed
		if t.Error != "" {
			reasoning = t.Error
		}
	}
	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionReview, spanStatus,
		fmt.Sprintf("task %q finished %s", t.Title, t.Status)).
		WithDetail("task_id", t.ID).
		WithDetail("task_status", string(t.Status))
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("review %s: failed to write span: %v", a.ActionID, err)
	}

	if err := r.store.RemovePending(a.ActionID); err != nil {
		r.logger.Errorf("review %s: failed to remove pending action: %v", a.ActionID, err)
		return
	}

	commit := types.NewPendingAction(a.TraceID, span.SpanID,
		fmt.Sprintf("commit %q", t.Title),
		types.CommitMeta{TaskID: t.ID, TaskStatus: t.Status})
	if err := enqueueNext(r.store, a.TraceID, commit); err != nil {
		r.logger.Errorf("review %s: failed to enqueue commit: %v", a.ActionID, err)
		return
	}

	if err := r.store.SetStepStatus(a.TraceID, a.ActionID, stepStatus, reasoning); err != nil {
		r.logger.Errorf("review %s: failed to set step status: %v", a.ActionID, err)
	}
	audit(r.store, r.logger, types.ActionReview, a.TraceID, a.ActionID,
		"task %s finished %s", t.ID, t.Status)
}

// recordOutcome writes the execution result onto the task: final status,
// iteration summary, and the error if the attempt failed.
func (r *Reviewer) recordOutcome(t *types.Task, status types.TaskStatus, summary, errMsg string) {
	if summary != "" {
		if err := r.tasks.SetIterationSummary(t.ID, truncateText(summary, summaryCap)); err != nil {
			r.logger.Warnf("task %s: failed to record iteration summary: %v", t.ID, err)
		}
	}

	fresh, err := r.tasks.Get(t.ID)
	if err != nil {
		r.logger.Errorf("task %s: failed to reload for outcome: %v", t.ID, err)
		return
	}
	fresh.Status = status
	fresh.Error = errMsg
	if err := r.tasks.Update(fresh); err != nil {
		r.logger.Errorf("task %s: failed to record outcome: %v", t.ID, err)
	}
}

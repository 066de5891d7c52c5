package autopilot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/rover/pkg/config"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

// Resolver is the decision point of the pipeline. It applies deterministic
// rules first and consults the arbiter only when the trace is ambiguous:
//
//	commitError present            -> fail, regardless of budget or AI
//	any workflow/review step open  -> wait
//	any commit step open           -> wait
//	all commits done, none failed  -> push
//	failure with budget exhausted  -> fail
//	anything else                  -> arbiter (iterate or fail)
type Resolver struct {
	cfg     *config.Config
	store   *store.Store
	tasks   task.Manager
	arbiter Arbiter
	state   *State
	logger  *logging.Logger
}

// NewResolver creates the resolve stage.
func NewResolver(cfg *config.Config, st *store.Store, tasks task.Manager,
	arbiter Arbiter, state *State, logger *logging.Logger) *Resolver {
	return &Resolver{cfg: cfg, store: st, tasks: tasks, arbiter: arbiter, state: state, logger: logger}
}

// Name identifies the stage to the scheduler.
func (r *Resolver) Name() string { return "resolve" }

// iterateReasonPrefix marks a resolve step that consumed a retry. The
// fast path uses it to tell fresh failures from ones a retry already
// covered.
const iterateReasonPrefix = "iterate"

// Poll processes every pending resolve action.
func (r *Resolver) Poll(ctx context.Context) error {
	pending, err := r.store.GetPending()
	if err != nil {
		return fmt.Errorf("failed to read pending actions: %w", err)
	}

	for _, a := range pending {
		if a.Kind != types.ActionResolve {
			continue
		}
		if !r.state.Claim(a.ActionID) {
			continue
		}
		if err := r.process(ctx, a); err != nil {
			r.logger.Errorf("resolve %s: %v", a.ActionID, err)
		}
		r.state.Release(a.ActionID)
	}
	return nil
}

func (r *Resolver) process(ctx context.Context, a *types.PendingAction) error {
	meta, ok := a.Meta.(types.ResolveMeta)
	if !ok {
		failStep(r.store, r.logger, a, "resolve action carries no resolve payload")
		return nil
	}

	if err := beginStep(r.store, a); err != nil {
		return err
	}

	res, err := r.decide(ctx, a, meta)
	if err != nil {
		// Store trouble: leave the action pending for the next cycle.
		return err
	}

	switch res.Decision {
	case DecisionWait:
		return r.applyWait(a, res)
	case DecisionPush:
		return r.applyPush(a, meta, res)
	case DecisionIterate:
		return r.applyIterate(a, meta, res)
	default:
		return r.applyFail(a, res)
	}
}

// decide runs the deterministic fast path and falls through to the arbiter.
func (r *Resolver) decide(ctx context.Context, a *types.PendingAction, meta types.ResolveMeta) (ArbiterResult, error) {
	if meta.CommitError != nil {
		return ArbiterResult{
			Decision:  DecisionFail,
			Reasoning: fmt.Sprintf("commit failed: %s", meta.CommitError.Error()),
		}, nil
	}

	trace, err := r.store.GetTrace(a.TraceID)
	if err != nil {
		return ArbiterResult{}, fmt.Errorf("failed to load trace: %w", err)
	}
	r.state.CacheTrace(trace)

	// Failures that a previous iterate decision already consumed are stale:
	// the retry attempt speaks for them now. Everything up to the latest
	// completed iterate-resolve step has been accounted for.
	var lastIterate time.Time
	for _, s := range trace.Steps {
		if s.Kind == types.ActionResolve && s.Status == types.StepCompleted &&
			strings.HasPrefix(s.Reasoning, iterateReasonPrefix) && s.Timestamp.After(lastIterate) {
			lastIterate = s.Timestamp
		}
	}

	var commitTotal, commitDone, failed int
	for _, s := range trace.Steps {
		if s.ActionID == a.ActionID {
			continue
		}
		if !s.Status.Terminal() {
			// Open work elsewhere in the trace. Commits in flight and
			// earlier-stage work both mean the outcome is not known yet;
			// open resolve/push steps belong to sibling resolve actions and
			// do not block this one.
			if !s.Kind.Terminal() || s.Kind == types.ActionCommit {
				return ArbiterResult{Decision: DecisionWait, Reasoning: "work still in progress"}, nil
			}
		}
		if s.Kind == types.ActionCommit {
			commitTotal++
			if s.Status == types.StepCompleted {
				commitDone++
			}
		}
		if s.Status == types.StepFailed && s.Timestamp.After(lastIterate) {
			failed++
		}
	}

	if commitTotal > 0 && commitDone == commitTotal && failed == 0 {
		return ArbiterResult{Decision: DecisionPush, Reasoning: "all work committed cleanly"}, nil
	}
	if failed > 0 && trace.RetryCount >= r.cfg.MaxRetries {
		return ArbiterResult{
			Decision:  DecisionFail,
			Reasoning: fmt.Sprintf("retry budget exhausted after %d attempts", trace.RetryCount),
		}, nil
	}

	return r.arbiter.Decide(ctx, r.buildContext(a, trace, meta)), nil
}

func (r *Resolver) buildContext(a *types.PendingAction, trace *types.ActionTrace, meta types.ResolveMeta) DecisionContext {
	dc := DecisionContext{
		TraceSummary: trace.Summary,
		RetryCount:   trace.RetryCount,
		RetryBudget:  r.cfg.MaxRetries,
	}
	for _, s := range trace.Steps {
		dc.Steps = append(dc.Steps, StepSnapshot{Kind: s.Kind, Status: s.Status, Reasoning: s.Reasoning})
	}
	// Spans go to the arbiter as the causal chain under the trace's root
	// span, so parent-before-child ordering survives even when timestamps
	// collide.
	if spans, err := r.store.ListSpans(a.TraceID); err == nil {
		for _, sp := range spans {
			if sp.ParentID == "" {
				if chain, err := r.store.GetSpanTrace(sp.SpanID); err == nil {
					spans = chain
				}
				break
			}
		}
		for _, sp := range spans {
			dc.Spans = append(dc.Spans, SpanSnapshot{Kind: sp.Kind, Status: sp.Status, Summary: sp.Summary})
		}
	}
	if t, err := r.tasks.Get(meta.TaskID); err == nil {
		dc.TaskTitle = t.Title
		dc.TaskError = t.Error
	}
	return dc
}

// applyWait drops the action without touching the task. A sibling commit
// will enqueue another resolve when the remaining work finishes.
func (r *Resolver) applyWait(a *types.PendingAction, res ArbiterResult) error {
	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionResolve, types.SpanCompleted,
		"deferred: "+res.Reasoning).WithDetail("decision", string(DecisionWait))
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("resolve %s: failed to write span: %v", a.ActionID, err)
	}
	if err := r.store.RemovePending(a.ActionID); err != nil {
		return err
	}
	completeStep(r.store, r.logger, a, "wait: "+res.Reasoning)
	audit(r.store, r.logger, types.ActionResolve, a.TraceID, a.ActionID, "waiting: %s", res.Reasoning)
	return nil
}

func (r *Resolver) applyPush(a *types.PendingAction, meta types.ResolveMeta, res ArbiterResult) error {
	branch := ""
	if t, err := r.tasks.Get(meta.TaskID); err == nil {
		branch = t.BranchName
	}

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionResolve, types.SpanCompleted,
		"resolved: "+res.Reasoning).
		WithDetail("decision", string(DecisionPush)).
		WithDetail("commit_hash", meta.CommitHash)
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("resolve %s: failed to write span: %v", a.ActionID, err)
	}
	if err := r.store.RemovePending(a.ActionID); err != nil {
		return err
	}

	push := types.NewPendingAction(a.TraceID, span.SpanID, "push "+branch, types.PushMeta{
		TaskID:     meta.TaskID,
		BranchName: branch,
		CommitHash: meta.CommitHash,
	})
	if err := enqueueNext(r.store, a.TraceID, push); err != nil {
		return err
	}

	completeStep(r.store, r.logger, a, "push: "+res.Reasoning)
	audit(r.store, r.logger, types.ActionResolve, a.TraceID, a.ActionID, "push queued: %s", res.Reasoning)
	return nil
}

// applyIterate consumes one retry, marks the task iterating, and queues a
// fresh workflow action carrying the retry instructions. Without a usable
// task there is nothing to retry, so it degrades to fail.
func (r *Resolver) applyIterate(a *types.PendingAction, meta types.ResolveMeta, res ArbiterResult) error {
	t, err := r.tasks.Get(meta.TaskID)
	if err != nil {
		return r.applyFail(a, ArbiterResult{
			Decision:  DecisionFail,
			Reasoning: fmt.Sprintf("cannot iterate: task %s unavailable: %v", meta.TaskID, err),
		})
	}

	retries, err := r.store.IncrementRetry(a.TraceID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	if err := r.tasks.SetStatus(t.ID, types.TaskIterating); err != nil {
		return fmt.Errorf("failed to mark task iterating: %w", err)
	}

	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionResolve, types.SpanCompleted,
		fmt.Sprintf("retry %d of %d: %s", retries, r.cfg.MaxRetries, res.Reasoning)).
		WithDetail("decision", string(DecisionIterate))
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("resolve %s: failed to write span: %v", a.ActionID, err)
	}
	if err := r.store.RemovePending(a.ActionID); err != nil {
		return err
	}

	retry := types.NewPendingAction(a.TraceID, span.SpanID,
		fmt.Sprintf("retry %q", t.Title),
		types.WorkflowMeta{
			Workflow:            t.Workflow,
			TaskTitle:           t.Title,
			TaskID:              t.ID,
			IterateInstructions: res.Instructions,
		})
	if err := enqueueNext(r.store, a.TraceID, retry); err != nil {
		return err
	}

	completeStep(r.store, r.logger, a, fmt.Sprintf("iterate (attempt %d of %d)", retries, r.cfg.MaxRetries))
	audit(r.store, r.logger, types.ActionResolve, a.TraceID, a.ActionID,
		"iterating task %s, attempt %d of %d", t.ID, retries, r.cfg.MaxRetries)
	return nil
}

// applyFail closes the trace: the resolve step fails and every still-open
// step is bulk-failed so nothing dangles.
func (r *Resolver) applyFail(a *types.PendingAction, res ArbiterResult) error {
	span := types.NewSpan(a.TraceID, a.SpanID, types.ActionResolve, types.SpanFailed, res.Reasoning).
		WithDetail("decision", string(DecisionFail))
	if err := r.store.WriteSpan(span); err != nil {
		r.logger.Errorf("resolve %s: failed to write span: %v", a.ActionID, err)
	}
	if err := r.store.RemovePending(a.ActionID); err != nil {
		return err
	}
	if err := r.store.SetStepStatus(a.TraceID, a.ActionID, types.StepFailed, res.Reasoning); err != nil {
		r.logger.Errorf("resolve %s: failed to fail step: %v", a.ActionID, err)
	}
	if err := r.store.FailPendingSteps(a.TraceID, "trace failed: "+res.Reasoning); err != nil {
		r.logger.Errorf("resolve %s: failed to close open steps: %v", a.ActionID, err)
	}
	audit(r.store, r.logger, types.ActionResolve, a.TraceID, a.ActionID, "trace failed: %s", res.Reasoning)
	return nil
}

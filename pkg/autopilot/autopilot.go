// Package autopilot is the Rover pipeline: a set of polling stages that
// drive queued actions through workflow execution, review, commit,
// resolution, and push. Stages communicate only through the durable store;
// every stage runs idempotently off the pending queue so a crashed process
// resumes from disk.
package autopilot

import (
	"context"
	"fmt"
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

// Pipeline owns the scheduler, the per-loop state, and the five stages.
type Pipeline struct {
	cfg       *config.Config
	store     *store.Store
	state     *State
	scheduler *Scheduler
	logger    *logging.Logger
}

// Option customizes pipeline construction.
type Option func(*options)

type options struct {
	arbiter  Arbiter
	registry *sandbox.Registry
}

// WithArbiter substitutes the decision arbiter, e.g. a deterministic one in
// tests.
func WithArbiter(a Arbiter) Option {
	return func(o *options) { o.arbiter = a }
}

// WithRegistry substitutes the sandbox registry.
func WithRegistry(r *sandbox.Registry) Option {
	return func(o *options) { o.registry = r }
}

// New wires the five stages onto a scheduler. Stage start offsets come from
// the schedule config, so the pipeline order is declared there rather than
// implied by goroutine startup races.
func New(cfg *config.Config, st *store.Store, tasks task.Manager, g *git.Manager,
	factory sandbox.Factory, ai agent.Agent, logger *logging.Logger, opts ...Option) *Pipeline {

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = sandbox.NewRegistry()
	}
	if o.arbiter == nil {
		o.arbiter = NewAIArbiter(ai, logger)
	}

	state := NewState()
	sched := NewScheduler(cfg.Schedule.PollInterval, logger)
	sched.Register(NewWorkflowRunner(cfg, st, tasks, g, factory, o.registry, state, logger), cfg.Schedule.WorkflowDelay)
	sched.Register(NewReviewer(st, tasks, o.registry, state, logger), cfg.Schedule.ReviewDelay)
	sched.Register(NewCommitter(cfg, st, tasks, g, ai, state, logger), cfg.Schedule.CommitDelay)
	sched.Register(NewResolver(cfg, st, tasks, o.arbiter, state, logger), cfg.Schedule.ResolveDelay)
	sched.Register(NewPusher(st, tasks, g, state, logger), cfg.Schedule.PushDelay)

	return &Pipeline{
		cfg:       cfg,
		store:     st,
		state:     state,
		scheduler: sched,
		logger:    logger,
	}
}

// Run rebuilds in-memory state from the store and blocks polling until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.state.Rebuild(p.store); err != nil {
		return fmt.Errorf("failed to rebuild pipeline state: %w", err)
	}
	p.logger.Infof("pipeline started, polling every %s", p.cfg.Schedule.PollInterval)
	p.scheduler.Run(ctx)
	p.logger.Infof("pipeline stopped")
	return nil
}

// EnqueueWorkflow creates a trace with a root span and queues its first
// workflow action. This is the entry point a host uses to hand work to the
// pipeline.
func (p *Pipeline) EnqueueWorkflow(summary string, meta types.WorkflowMeta) (*types.PendingAction, error) {
	trace := types.NewTrace(summary)
	if err := p.store.CreateTrace(trace); err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}

	root := types.NewSpan(trace.TraceID, "", types.ActionWorkflow, types.SpanCompleted, "queued: "+summary)
	if err := p.store.WriteSpan(root); err != nil {
		return nil, fmt.Errorf("failed to write root span: %w", err)
	}

	action := types.NewPendingAction(trace.TraceID, root.SpanID, summary, meta)
	if err := p.store.AppendStep(trace.TraceID, types.ActionStep{
		ActionID:  action.ActionID,
		Kind:      types.ActionWorkflow,
		Status:    types.StepPending,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("failed to append workflow step: %w", err)
	}
	if err := p.store.AddPending(action); err != nil {
		return nil, fmt.Errorf("failed to queue workflow action: %w", err)
	}

	audit(p.store, p.logger, types.ActionWorkflow, trace.TraceID, action.ActionID, "queued workflow: %s", summary)
	return action, nil
}

// audit records a pipeline event in both the durable audit log and the
// session log. Audit failures are logged and swallowed: the audit trail is
// diagnostic, not load-bearing.
func audit(st *store.Store, logger *logging.Logger, stage types.ActionKind, traceID, actionID, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	entry := types.LogEntry{
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
		ActionID:  actionID,
		Stage:     stage,
		Message:   msg,
	}
	if err := st.AppendLog(entry); err != nil {
		logger.Warnf("failed to append audit log: %v", err)
	}
	logger.Infof("[%s] %s", stage, msg)
}

// truncateText caps free-form text captured into records.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// shortID returns the leading segment of a UUID, used in branch names.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

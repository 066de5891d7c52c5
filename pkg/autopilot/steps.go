package autopilot

import (
	"time"

	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/types"
)

// Shared step-ledger plumbing used by every stage. An action's step is
// normally appended by the stage that enqueued it; appending again here is a
// no-op, which keeps crash-replayed actions safe.

// beginStep ensures the action has a step and moves it to running.
func beginStep(st *store.Store, a *types.PendingAction) error {
	if err := st.AppendStep(a.TraceID, types.ActionStep{
		ActionID:  a.ActionID,
		Kind:      a.Kind,
		Status:    types.StepPending,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return st.SetStepStatus(a.TraceID, a.ActionID, types.StepRunning, "")
}

// completeStep moves the action's step to completed with optional reasoning.
func completeStep(st *store.Store, logger *logging.Logger, a *types.PendingAction, reasoning string) {
	if err := st.SetStepStatus(a.TraceID, a.ActionID, types.StepCompleted, reasoning); err != nil {
		logger.Errorf("%s %s: failed to complete step: %v", a.Kind, a.ActionID, err)
	}
}

// failStep records a failure span, fails the action's step, and drops the
// action from pending. The trace keeps the failed step for the resolver.
func failStep(st *store.Store, logger *logging.Logger, a *types.PendingAction, reason string) {
	if err := st.AppendStep(a.TraceID, types.ActionStep{
		ActionID:  a.ActionID,
		Kind:      a.Kind,
		Status:    types.StepPending,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		logger.Errorf("%s %s: failed to append step: %v", a.Kind, a.ActionID, err)
	}
	if err := st.SetStepStatus(a.TraceID, a.ActionID, types.StepFailed, reason); err != nil {
		logger.Errorf("%s %s: failed to fail step: %v", a.Kind, a.ActionID, err)
	}
	span := types.NewSpan(a.TraceID, a.SpanID, a.Kind, types.SpanFailed, reason)
	if err := st.WriteSpan(span); err != nil {
		logger.Errorf("%s %s: failed to write span: %v", a.Kind, a.ActionID, err)
	}
	if err := st.RemovePending(a.ActionID); err != nil {
		logger.Errorf("%s %s: failed to remove pending action: %v", a.Kind, a.ActionID, err)
	}
	audit(st, logger, a.Kind, a.TraceID, a.ActionID, "%s failed: %s", a.Kind, reason)
}

// enqueueNext appends a pending step for the next stage's action and queues
// it. Callers remove the current action from pending first so a trace never
// holds two live actions for the same handoff.
func enqueueNext(st *store.Store, traceID string, next *types.PendingAction) error {
	if err := st.AppendStep(traceID, types.ActionStep{
		ActionID:  next.ActionID,
		Kind:      next.Kind,
		Status:    types.StepPending,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return st.AddPending(next)
}

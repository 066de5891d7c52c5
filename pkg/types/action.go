// Package types defines the core data model shared across the Rover
// autopilot pipeline: pending actions, traces, steps, spans, and tasks.
//
// Pending actions are durably queued units of intent for a specific pipeline
// stage. Every action belongs to exactly one trace, the end-to-end record of
// one unit of work. Spans are immutable records of completed or failed work,
// linked to the span that caused them.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies the pipeline stage that processes an action.
type ActionKind string

const (
	ActionWorkflow ActionKind = "workflow"
	ActionReview   ActionKind = "review"
	ActionCommit   ActionKind = "commit"
	ActionResolve  ActionKind = "resolve"
	ActionPush     ActionKind = "push"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionWorkflow, ActionReview, ActionCommit, ActionResolve, ActionPush:
		return true
	}
	return false
}

// Terminal reports whether the kind belongs to the tail of the pipeline.
// The resolver treats non-terminal steps that are still open as work in
// progress.
func (k ActionKind) Terminal() bool {
	switch k {
	case ActionCommit, ActionResolve, ActionPush:
		return true
	}
	return false
}

// ActionMeta is the stage-specific payload carried by a pending action.
// Each action kind has exactly one meta variant, exposing only the fields
// that stage consumes.
type ActionMeta interface {
	MetaKind() ActionKind
}

// WorkflowMeta is the payload of a "workflow" action: run workflow Workflow
// for a task described by TaskTitle/TaskDescription.
type WorkflowMeta struct {
	Workflow        string `json:"workflow"`
	TaskTitle       string `json:"task_title"`
	TaskDescription string `json:"task_description,omitempty"`

	// BaseBranch overrides the project default branch when set. Dependency
	// chaining replaces it with the dependency's resulting branch.
	BaseBranch string `json:"base_branch,omitempty"`

	// DependsOnActionID defers admission until the named action's task has
	// completed; its branch becomes this action's base.
	DependsOnActionID string `json:"depends_on_action_id,omitempty"`

	// TaskID is set on iterate retries: reuse this task instead of creating
	// a new one.
	TaskID string `json:"task_id,omitempty"`

	// IterateInstructions carry the resolver's retry guidance on iterate
	// attempts.
	IterateInstructions string `json:"iterate_instructions,omitempty"`
}

func (WorkflowMeta) MetaKind() ActionKind { return ActionWorkflow }

// ReviewMeta is the payload of a "review" action.
type ReviewMeta struct {
	TaskID     string `json:"task_id"`
	BranchName string `json:"branch_name,omitempty"`
}

func (ReviewMeta) MetaKind() ActionKind { return ActionReview }

// CommitMeta is the payload of a "commit" action.
type CommitMeta struct {
	TaskID     string     `json:"task_id"`
	TaskStatus TaskStatus `json:"task_status"`
}

func (CommitMeta) MetaKind() ActionKind { return ActionCommit }

// ResolveMeta is the payload of a "resolve" action. CommitError, when set,
// records a git-level failure from the committer; the resolver treats it as
// terminal regardless of retry budget.
type ResolveMeta struct {
	TaskID      string       `json:"task_id"`
	TaskStatus  TaskStatus   `json:"task_status"`
	Committed   bool         `json:"committed"`
	CommitHash  string       `json:"commit_hash,omitempty"`
	CommitError *CommitError `json:"commit_error,omitempty"`
}

func (ResolveMeta) MetaKind() ActionKind { return ActionResolve }

// CommitError captures a failed git operation structurally so it can be
// forwarded on a resolve action instead of thrown.
type CommitError struct {
	Message  string `json:"message"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stderr   string `json:"stderr,omitempty"`
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: %s (exit %d)", e.Command, e.Message, e.ExitCode)
}

// PushMeta is the payload of a "push" action.
type PushMeta struct {
	TaskID     string `json:"task_id"`
	BranchName string `json:"branch_name"`
	CommitHash string `json:"commit_hash,omitempty"`
}

func (PushMeta) MetaKind() ActionKind { return ActionPush }

// PendingAction is a durably queued unit of intent. ActionID is globally
// unique; the action record on disk is write-once.
type PendingAction struct {
	TraceID   string     `json:"trace_id"`
	ActionID  string     `json:"action_id"`
	SpanID    string     `json:"span_id"`
	Kind      ActionKind `json:"kind"`
	Summary   string     `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	Meta      ActionMeta `json:"-"`
}

// NewPendingAction creates an action with a fresh unique ID under the given
// trace and parent span. The meta's kind becomes the action kind.
func NewPendingAction(traceID, spanID, summary string, meta ActionMeta) *PendingAction {
	return &PendingAction{
		TraceID:   traceID,
		ActionID:  uuid.New().String(),
		SpanID:    spanID,
		Kind:      meta.MetaKind(),
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
		Meta:      meta,
	}
}

// actionEnvelope is the on-disk JSON shape: the meta payload is tagged by the
// action kind so decoding restores the right variant.
type actionEnvelope struct {
	TraceID   string          `json:"trace_id"`
	ActionID  string          `json:"action_id"`
	SpanID    string          `json:"span_id"`
	Kind      ActionKind      `json:"kind"`
	Summary   string          `json:"summary"`
	CreatedAt time.Time       `json:"created_at"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// MarshalJSON encodes the action with its kind-tagged meta payload.
func (a *PendingAction) MarshalJSON() ([]byte, error) {
	env := actionEnvelope{
		TraceID:   a.TraceID,
		ActionID:  a.ActionID,
		SpanID:    a.SpanID,
		Kind:      a.Kind,
		Summary:   a.Summary,
		CreatedAt: a.CreatedAt,
	}
	if a.Meta != nil {
		if a.Meta.MetaKind() != a.Kind {
			return nil, fmt.Errorf("action %s: meta kind %q does not match action kind %q",
				a.ActionID, a.Meta.MetaKind(), a.Kind)
		}
		raw, err := json.Marshal(a.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s meta: %w", a.Kind, err)
		}
		env.Meta = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the action, restoring the meta variant that matches
// the recorded kind.
func (a *PendingAction) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	a.TraceID = env.TraceID
	a.ActionID = env.ActionID
	a.SpanID = env.SpanID
	a.Kind = env.Kind
	a.Summary = env.Summary
	a.CreatedAt = env.CreatedAt
	a.Meta = nil

	if len(env.Meta) == 0 {
		return nil
	}
	meta, err := unmarshalMeta(env.Kind, env.Meta)
	if err != nil {
		return fmt.Errorf("action %s: %w", env.ActionID, err)
	}
	a.Meta = meta
	return nil
}

func unmarshalMeta(kind ActionKind, raw json.RawMessage) (ActionMeta, error) {
	switch kind {
	case ActionWorkflow:
		var m WorkflowMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ActionReview:
		var m ReviewMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ActionCommit:
		var m CommitMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ActionResolve:
		var m ResolveMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ActionPush:
		var m PushMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

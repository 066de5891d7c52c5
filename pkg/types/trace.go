package types

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle of one processed action within a trace.
// Transitions are monotonic: pending -> running -> completed|failed, and a
// terminal status is never reversed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// CanTransition reports whether a step may move from s to next without
// reversing a terminal state or moving backwards.
func (s StepStatus) CanTransition(next StepStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StepPending:
		return next == StepRunning || next == StepCompleted || next == StepFailed
	case StepRunning:
		return next == StepCompleted || next == StepFailed
	default:
		return false
	}
}

// ActionStep is one entry in a trace's step ledger: the status of a single
// processed action, with optional reasoning recorded by the stage that moved
// it.
type ActionStep struct {
	ActionID  string     `json:"action_id"`
	Kind      ActionKind `json:"kind"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// ActionTrace is the end-to-end record of one unit of work: a task attempt
// plus its retries, spanning multiple pipeline stages. Steps grow
// monotonically; the trace is never deleted while in flight.
type ActionTrace struct {
	TraceID    string       `json:"trace_id"`
	Summary    string       `json:"summary"`
	Steps      []ActionStep `json:"steps"`
	CreatedAt  time.Time    `json:"created_at"`
	RetryCount int          `json:"retry_count"`
}

// NewTrace creates an empty trace with a fresh ID.
func NewTrace(summary string) *ActionTrace {
	return &ActionTrace{
		TraceID:   uuid.New().String(),
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
}

// Step returns the step for actionID, or nil if the trace has none.
func (t *ActionTrace) Step(actionID string) *ActionStep {
	for i := range t.Steps {
		if t.Steps[i].ActionID == actionID {
			return &t.Steps[i]
		}
	}
	return nil
}

// OpenSteps returns the steps that are still pending or running.
func (t *ActionTrace) OpenSteps() []ActionStep {
	var open []ActionStep
	for _, s := range t.Steps {
		if !s.Status.Terminal() {
			open = append(open, s)
		}
	}
	return open
}

// FailedSteps returns the steps that have failed.
func (t *ActionTrace) FailedSteps() []ActionStep {
	var failed []ActionStep
	for _, s := range t.Steps {
		if s.Status == StepFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// SpanStatus is the outcome recorded on a span.
type SpanStatus string

const (
	SpanCompleted SpanStatus = "completed"
	SpanFailed    SpanStatus = "failed"
	SpanSkipped   SpanStatus = "skipped"
)

// Span is an immutable record of completed or failed work, linked to the
// span that caused it. Span records are write-once: replay correctness
// depends on them never being mutated after creation.
type Span struct {
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	TraceID   string            `json:"trace_id"`
	Kind      ActionKind        `json:"kind"`
	Status    SpanStatus        `json:"status"`
	Summary   string            `json:"summary"`
	CreatedAt time.Time         `json:"created_at"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewSpan creates a span as a child of parentID under the given trace.
func NewSpan(traceID, parentID string, kind ActionKind, status SpanStatus, summary string) *Span {
	return &Span{
		SpanID:    uuid.New().String(),
		ParentID:  parentID,
		TraceID:   traceID,
		Kind:      kind,
		Status:    status,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
}

// WithDetail attaches a key/value pair to the span and returns it, for
// chained construction before the span is persisted.
func (s *Span) WithDetail(key, value string) *Span {
	if s.Detail == nil {
		s.Detail = make(map[string]string)
	}
	s.Detail[key] = value
	return s
}

// LogEntry is one record in the per-project audit log. Entries are appended
// and never rewritten.
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	TraceID   string     `json:"trace_id,omitempty"`
	ActionID  string     `json:"action_id,omitempty"`
	Stage     ActionKind `json:"stage,omitempty"`
	Message   string     `json:"message"`
}

// TaskMapping records which concrete task and branch an action produced.
type TaskMapping struct {
	TaskID     string `json:"task_id"`
	BranchName string `json:"branch_name"`
}

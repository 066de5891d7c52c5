// Package store provides the durable, per-project Action Store: pending
// actions, task mappings, the trace step ledger, immutable span and action
// records, and an append-only audit log.
//
// The store is the single source of truth across restarts. Action and span
// records are write-once; traces carry the mutable step ledger. The design
// assumes a single writer per project (one autopilot loop); concurrent
// readers are safe against an in-progress write because every file is
// written atomically and in-process access is guarded by a read-write lock.
//
// The on-disk layout is an internal recovery format, not a stable
// cross-tool interface:
//
//	<dir>/actions/<actionID>.json
//	<dir>/spans/<spanID>.json
//	<dir>/traces/<traceID>.json
//	<dir>/pending.json
//	<dir>/mappings.json
//	<dir>/audit.log
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/rover/pkg/types"
)

// Store is the file-backed Action Store for one project.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open creates (or reopens) the store rooted at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"", "actions", "spans", "traces"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) pendingPath() string  { return filepath.Join(s.dir, "pending.json") }
func (s *Store) mappingsPath() string { return filepath.Join(s.dir, "mappings.json") }
func (s *Store) auditPath() string    { return filepath.Join(s.dir, "audit.log") }

func (s *Store) actionPath(id string) string {
	return filepath.Join(s.dir, "actions", id+".json")
}

func (s *Store) spanPath(id string) string {
	return filepath.Join(s.dir, "spans", id+".json")
}

func (s *Store) tracePath(id string) string {
	return filepath.Join(s.dir, "traces", id+".json")
}

// GetPending returns a snapshot of all pending actions. Ordering follows
// insertion but is not otherwise guaranteed.
func (s *Store) GetPending() ([]*types.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.readPendingIndex()
	if err != nil {
		return nil, err
	}

	actions := make([]*types.PendingAction, 0, len(index))
	for _, id := range index {
		action, err := s.readAction(id)
		if err != nil {
			// A missing record means a crash between index update and
			// record write; skip it rather than wedge the whole queue.
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// AddPending durably enqueues an action. The insert is idempotent: a
// collision on actionID is last-write-wins, which should not occur with
// generated IDs.
func (s *Store) AddPending(action *types.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(action, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal action %s: %w", action.ActionID, err)
	}
	if err := writeFileAtomic(s.actionPath(action.ActionID), data, 0640); err != nil {
		return fmt.Errorf("failed to write action record: %w", err)
	}

	index, err := s.readPendingIndex()
	if err != nil {
		return err
	}
	for _, id := range index {
		if id == action.ActionID {
			return nil
		}
	}
	index = append(index, action.ActionID)
	return s.writePendingIndex(index)
}

// RemovePending dequeues an action. No-op if the action is not pending.
// The write-once action record stays on disk for replay.
func (s *Store) RemovePending(actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readPendingIndex()
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, id := range index {
		if id != actionID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == len(index) {
		return nil
	}
	return s.writePendingIndex(filtered)
}

// GetAction reads a write-once action record, pending or not.
func (s *Store) GetAction(actionID string) (*types.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readAction(actionID)
}

// SetTaskMapping durably records which task and branch an action produced.
func (s *Store) SetTaskMapping(actionID string, mapping types.TaskMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readMappings()
	if err != nil {
		return err
	}
	mappings[actionID] = mapping

	data, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task mappings: %w", err)
	}
	return writeFileAtomic(s.mappingsPath(), data, 0640)
}

// GetTaskMapping returns the mapping for actionID, or ok=false if none was
// recorded.
func (s *Store) GetTaskMapping(actionID string) (types.TaskMapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mappings, err := s.readMappings()
	if err != nil {
		return types.TaskMapping{}, false, err
	}
	m, ok := mappings[actionID]
	return m, ok, nil
}

// AppendLog appends one audit record. Prior entries are never rewritten.
func (s *Store) AppendLog(entry types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	f, err := os.OpenFile(s.auditPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// ReadLog returns every audit entry in append order.
func (s *Store) ReadLog() ([]types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.auditPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []types.LogEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e types.LogEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WriteSpan persists an immutable span record. Writing the same span twice
// is rejected: span records are write-once.
func (s *Store) WriteSpan(span *types.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.spanPath(span.SpanID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("span %s already exists; span records are write-once", span.SpanID)
	}

	data, err := json.MarshalIndent(span, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal span %s: %w", span.SpanID, err)
	}
	return writeFileAtomic(path, data, 0640)
}

// GetSpan reads one span record.
func (s *Store) GetSpan(spanID string) (*types.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readSpan(spanID)
}

// GetSpanTrace returns the causal chain under spanID: the span itself
// followed by its descendants, oldest first. Used to build AI decision
// context.
func (s *Store) GetSpanTrace(spanID string) ([]*types.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAllSpans()
	if err != nil {
		return nil, err
	}

	children := make(map[string][]*types.Span)
	byID := make(map[string]*types.Span, len(all))
	for _, sp := range all {
		byID[sp.SpanID] = sp
		if sp.ParentID != "" {
			children[sp.ParentID] = append(children[sp.ParentID], sp)
		}
	}

	root, ok := byID[spanID]
	if !ok {
		return nil, fmt.Errorf("span %s not found", spanID)
	}

	var chain []*types.Span
	var walk func(sp *types.Span)
	walk = func(sp *types.Span) {
		chain = append(chain, sp)
		kids := children[sp.SpanID]
		sort.Slice(kids, func(i, j int) bool {
			return kids[i].CreatedAt.Before(kids[j].CreatedAt)
		})
		for _, kid := range kids {
			walk(kid)
		}
	}
	walk(root)
	return chain, nil
}

// ListSpans returns every span recorded under a trace, oldest first.
func (s *Store) ListSpans(traceID string) ([]*types.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAllSpans()
	if err != nil {
		return nil, err
	}

	var spans []*types.Span
	for _, sp := range all {
		if sp.TraceID == traceID {
			spans = append(spans, sp)
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].CreatedAt.Before(spans[j].CreatedAt)
	})
	return spans, nil
}

// CreateTrace persists a new trace.
func (s *Store) CreateTrace(trace *types.ActionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeTrace(trace)
}

// GetTrace reads a trace and its step ledger.
func (s *Store) GetTrace(traceID string) (*types.ActionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTrace(traceID)
}

// ListTraces returns every trace in the store.
func (s *Store) ListTraces() ([]*types.ActionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "traces"))
	if err != nil {
		return nil, err
	}
	traces := make([]*types.ActionTrace, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		tr, err := s.readTrace(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}
	sort.Slice(traces, func(i, j int) bool {
		return traces[i].CreatedAt.Before(traces[j].CreatedAt)
	})
	return traces, nil
}

// AppendStep adds a step to the trace's ledger. Appending a step for an
// action that already has one is a no-op, which keeps reprocessing after a
// crash from duplicating ledger entries.
func (s *Store) AppendStep(traceID string, step types.ActionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := s.readTrace(traceID)
	if err != nil {
		return err
	}
	if trace.Step(step.ActionID) != nil {
		return nil
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	trace.Steps = append(trace.Steps, step)
	return s.writeTrace(trace)
}

// SetStepStatus moves a step's status, enforcing monotonic transitions.
// Reasoning, when non-empty, replaces the step's recorded reasoning.
func (s *Store) SetStepStatus(traceID, actionID string, status types.StepStatus, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := s.readTrace(traceID)
	if err != nil {
		return err
	}
	step := trace.Step(actionID)
	if step == nil {
		return fmt.Errorf("trace %s has no step for action %s", traceID, actionID)
	}
	if !step.Status.CanTransition(status) {
		return fmt.Errorf("step %s: illegal status transition %s -> %s", actionID, step.Status, status)
	}
	step.Status = status
	step.Timestamp = time.Now().UTC()
	if reasoning != "" {
		step.Reasoning = reasoning
	}
	return s.writeTrace(trace)
}

// IncrementRetry bumps the trace's retry count and returns the new value.
func (s *Store) IncrementRetry(traceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := s.readTrace(traceID)
	if err != nil {
		return 0, err
	}
	trace.RetryCount++
	if err := s.writeTrace(trace); err != nil {
		return 0, err
	}
	return trace.RetryCount, nil
}

// FailPendingSteps bulk-marks every still-open step of the trace as failed,
// recording the given reasoning. Used when a trace terminates with a fail
// decision.
func (s *Store) FailPendingSteps(traceID, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := s.readTrace(traceID)
	if err != nil {
		return err
	}
	changed := false
	for i := range trace.Steps {
		if !trace.Steps[i].Status.Terminal() {
			trace.Steps[i].Status = types.StepFailed
			trace.Steps[i].Timestamp = time.Now().UTC()
			if reasoning != "" {
				trace.Steps[i].Reasoning = reasoning
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeTrace(trace)
}

// --- unexported helpers; callers hold the lock ---

func (s *Store) readPendingIndex() ([]string, error) {
	data, err := os.ReadFile(s.pendingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending index: %w", err)
	}
	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to decode pending index: %w", err)
	}
	return index, nil
}

func (s *Store) writePendingIndex(index []string) error {
	if index == nil {
		index = []string{}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pending index: %w", err)
	}
	return writeFileAtomic(s.pendingPath(), data, 0640)
}

func (s *Store) readAction(id string) (*types.PendingAction, error) {
	data, err := os.ReadFile(s.actionPath(id))
	if err != nil {
		return nil, err
	}
	var action types.PendingAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to decode action %s: %w", id, err)
	}
	return &action, nil
}

func (s *Store) readMappings() (map[string]types.TaskMapping, error) {
	data, err := os.ReadFile(s.mappingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]types.TaskMapping), nil
		}
		return nil, fmt.Errorf("failed to read task mappings: %w", err)
	}
	var mappings map[string]types.TaskMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("failed to decode task mappings: %w", err)
	}
	if mappings == nil {
		mappings = make(map[string]types.TaskMapping)
	}
	return mappings, nil
}

func (s *Store) readSpan(id string) (*types.Span, error) {
	data, err := os.ReadFile(s.spanPath(id))
	if err != nil {
		return nil, err
	}
	var span types.Span
	if err := json.Unmarshal(data, &span); err != nil {
		return nil, fmt.Errorf("failed to decode span %s: %w", id, err)
	}
	return &span, nil
}

func (s *Store) readAllSpans() ([]*types.Span, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "spans"))
	if err != nil {
		return nil, err
	}
	spans := make([]*types.Span, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		sp, err := s.readSpan(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			return nil, err
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

func (s *Store) readTrace(id string) (*types.ActionTrace, error) {
	data, err := os.ReadFile(s.tracePath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read trace %s: %w", id, err)
	}
	var trace types.ActionTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", id, err)
	}
	return &trace, nil
}

func (s *Store) writeTrace(trace *types.ActionTrace) error {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace %s: %w", trace.TraceID, err)
	}
	return writeFileAtomic(s.tracePath(trace.TraceID), data, 0640)
}

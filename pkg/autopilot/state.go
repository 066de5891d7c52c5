package autopilot

import (
	"sync"

	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/types"
)

// State is the explicit, per-pipeline in-memory bookkeeping: the claimed
// action set and a trace cache. It is advisory only — everything in it can
// be reconstructed from the durable store, and after a crash the store
// wins. The claimed set keeps one running process from double-admitting an
// action; it is deliberately not persisted, so a claimed-but-unremoved
// action at crash time is reprocessed (handlers are idempotent or
// self-detecting for that reason).
type State struct {
	mu      sync.Mutex
	claimed map[string]struct{}
	traces  map[string]*types.ActionTrace
}

// NewState creates empty pipeline state.
func NewState() *State {
	return &State{
		claimed: make(map[string]struct{}),
		traces:  make(map[string]*types.ActionTrace),
	}
}

// Rebuild warms the trace cache from the store. Claims reset to empty: a
// restarted process has no in-flight work.
func (s *State) Rebuild(st *store.Store) error {
	traces, err := st.ListTraces()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = make(map[string]struct{})
	s.traces = make(map[string]*types.ActionTrace, len(traces))
	for _, tr := range traces {
		s.traces[tr.TraceID] = tr
	}
	return nil
}

// Claim marks an action as being processed by this pipeline. Returns false
// if the action is already claimed.
func (s *State) Claim(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[actionID]; ok {
		return false
	}
	s.claimed[actionID] = struct{}{}
	return true
}

// Release drops a claim, making the action visible to later poll cycles.
func (s *State) Release(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, actionID)
}

// CacheTrace stores a trace snapshot for cheap context building.
func (s *State) CacheTrace(tr *types.ActionTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[tr.TraceID] = tr
}

// CachedTrace returns a cached trace snapshot, if present. Callers needing
// authoritative state must read the store instead.
func (s *State) CachedTrace(traceID string) (*types.ActionTrace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[traceID]
	return tr, ok
}

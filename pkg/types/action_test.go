package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPendingActionMetaRoundTrip(t *testing.T) {
	action := NewPendingAction("trace-1", "span-1", "run workflow build for task X", WorkflowMeta{
		Workflow:          "build",
		TaskTitle:         "task X",
		DependsOnActionID: "action-0",
	})

	data, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded PendingAction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	meta, ok := decoded.Meta.(WorkflowMeta)
	if !ok {
		t.Fatalf("decoded meta type = %T, want WorkflowMeta", decoded.Meta)
	}
	if meta.DependsOnActionID != "action-0" {
		t.Errorf("DependsOnActionID = %q, want %q", meta.DependsOnActionID, "action-0")
	}
	if decoded.Kind != ActionWorkflow {
		t.Errorf("Kind = %q, want %q", decoded.Kind, ActionWorkflow)
	}
	if decoded.ActionID != action.ActionID {
		t.Errorf("ActionID = %q, want %q", decoded.ActionID, action.ActionID)
	}
}

func TestPendingActionResolveMetaCarriesCommitError(t *testing.T) {
	action := NewPendingAction("trace-1", "span-1", "resolve task", ResolveMeta{
		TaskID:     "task-1",
		TaskStatus: TaskCompleted,
		CommitError: &CommitError{
			Message:  "nothing to commit",
			Command:  "git commit",
			ExitCode: 1,
			Stderr:   "fatal: bad object",
		},
	})

	data, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded PendingAction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	meta := decoded.Meta.(ResolveMeta)
	if meta.CommitError == nil {
		t.Fatal("CommitError lost in round trip")
	}
	if meta.CommitError.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", meta.CommitError.ExitCode)
	}
}

func TestPendingActionUnknownKind(t *testing.T) {
	raw := `{"trace_id":"t","action_id":"a","kind":"deploy","meta":{}}`
	var decoded PendingAction
	err := json.Unmarshal([]byte(raw), &decoded)
	if err == nil {
		t.Fatal("expected error for unknown action kind")
	}
	if !strings.Contains(err.Error(), "unknown action kind") {
		t.Errorf("error = %v, want mention of unknown action kind", err)
	}
}

func TestPendingActionMetaKindMismatch(t *testing.T) {
	action := NewPendingAction("trace-1", "span-1", "x", CommitMeta{TaskID: "task-1"})
	action.Kind = ActionPush // corrupt the tag

	if _, err := json.Marshal(action); err == nil {
		t.Fatal("expected error when meta kind does not match action kind")
	}
}

func TestActionKindTerminal(t *testing.T) {
	tests := []struct {
		kind ActionKind
		want bool
	}{
		{ActionWorkflow, false},
		{ActionReview, false},
		{ActionCommit, true},
		{ActionResolve, true},
		{ActionPush, true},
	}

	for _, tt := range tests {
		if got := tt.kind.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

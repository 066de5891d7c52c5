package workspace

import (
	"path/filepath"
	"testing"
)

func TestNewGuardRequiresRoot(t *testing.T) {
	if _, err := NewGuard(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative file", path: ".env"},
		{name: "nested relative file", path: "config/app.yaml"},
		{name: "root itself", path: "."},
		{name: "absolute inside", path: filepath.Join(root, "main.go")},
		{name: "empty path", path: "", wantErr: true},
		{name: "traversal", path: "../escape", wantErr: true},
		{name: "nested traversal", path: "a/../../escape", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	got, err := guard.SafeJoin(".env")
	if err != nil {
		t.Fatalf("SafeJoin failed: %v", err)
	}
	if got != filepath.Join(guard.Root(), ".env") {
		t.Errorf("SafeJoin returned %q", got)
	}

	if _, err := guard.SafeJoin("../outside"); err == nil {
		t.Error("SafeJoin allowed escape from worktree")
	}
}

func TestPrefixSiblingDirectoryRejected(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	// "work-other" shares a string prefix with "work" but is a sibling.
	if err := guard.ValidatePath(filepath.Join(root, "work-other", "file")); err == nil {
		t.Error("sibling directory with shared prefix accepted")
	}
}

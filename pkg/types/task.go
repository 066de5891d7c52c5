package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskIterating  TaskStatus = "ITERATING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Active reports whether the task counts against the running-task cap.
func (s TaskStatus) Active() bool {
	return s == TaskInProgress || s == TaskIterating
}

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Iteration is one attempt at a task. The first iteration carries the task
// description; later ones carry resolver-supplied retry instructions.
type Iteration struct {
	ID           string    `json:"id"`
	Number       int       `json:"number"`
	Instructions string    `json:"instructions"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Task is a unit of work executed by a sandboxed coding agent inside its own
// worktree and branch.
type Task struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Workflow     string      `json:"workflow"`
	Status       TaskStatus  `json:"status"`
	BranchName   string      `json:"branch_name,omitempty"`
	WorktreePath string      `json:"worktree_path,omitempty"`
	Error        string      `json:"error,omitempty"`
	Iterations   []Iteration `json:"iterations,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewTask creates a pending task with a fresh ID.
func NewTask(title, description, workflow string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Workflow:    workflow,
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AddIteration appends a numbered iteration and returns it.
func (t *Task) AddIteration(instructions string) *Iteration {
	it := Iteration{
		ID:           uuid.New().String(),
		Number:       len(t.Iterations) + 1,
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
	}
	t.Iterations = append(t.Iterations, it)
	return &t.Iterations[len(t.Iterations)-1]
}

// LatestIteration returns the most recent iteration, or nil for a task that
// has never run.
func (t *Task) LatestIteration() *Iteration {
	if len(t.Iterations) == 0 {
		return nil
	}
	return &t.Iterations[len(t.Iterations)-1]
}

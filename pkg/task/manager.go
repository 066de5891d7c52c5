// Package task provides the task manager: creation, lookup, status
// transitions, and workspace path resolution for tasks executed by the
// autopilot pipeline.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/rover/pkg/types"
)

// Manager is the narrow interface the pipeline stages consume. The default
// implementation is file-backed; a hosting runtime may supply its own.
type Manager interface {
	// Create persists a new task.
	Create(task *types.Task) error

	// Get retrieves a task by ID.
	Get(id string) (*types.Task, error)

	// List returns all tasks.
	List() ([]*types.Task, error)

	// Update rewrites a task record.
	Update(task *types.Task) error

	// SetStatus moves a task to the given status.
	SetStatus(id string, status types.TaskStatus) error

	// AddIteration appends a numbered iteration to the task.
	AddIteration(id, instructions string) (*types.Iteration, error)

	// SetIterationSummary records the outcome summary on the latest iteration.
	SetIterationSummary(id, summary string) error

	// CountActive returns the number of tasks in an active lifecycle state
	// (IN_PROGRESS or ITERATING).
	CountActive() (int, error)

	// WorktreePath resolves the worktree directory for a task.
	WorktreePath(id string) string
}

// FileManager stores tasks as one JSON file per task under a tasks
// directory, with worktrees resolved under a sibling worktrees directory.
type FileManager struct {
	dir string
	mu  sync.RWMutex
}

// NewFileManager creates a task manager rooted at dir.
func NewFileManager(dir string) (*FileManager, error) {
	for _, sub := range []string{"tasks", "worktrees"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create task directory: %w", err)
		}
	}
	return &FileManager{dir: dir}, nil
}

func (m *FileManager) taskPath(id string) string {
	return filepath.Join(m.dir, "tasks", id+".json")
}

// WorktreePath resolves the worktree directory for a task.
func (m *FileManager) WorktreePath(id string) string {
	return filepath.Join(m.dir, "worktrees", id)
}

// Create persists a new task. Creating a task with an ID that already
// exists is rejected so a duplicate workflow admission cannot silently
// overwrite state.
func (m *FileManager) Create(task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.taskPath(task.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return m.write(task)
}

// Get retrieves a task by ID.
func (m *FileManager) Get(id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read(id)
}

// List returns all tasks, oldest first.
func (m *FileManager) List() ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(m.dir, "tasks"))
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		task, err := m.read(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Update rewrites a task record.
func (m *FileManager) Update(task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.read(task.ID); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()
	return m.write(task)
}

// SetStatus moves a task to the given status.
func (m *FileManager) SetStatus(id string, status types.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.read(id)
	if err != nil {
		return err
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return m.write(task)
}

// AddIteration appends a numbered iteration to the task.
func (m *FileManager) AddIteration(id, instructions string) (*types.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.read(id)
	if err != nil {
		return nil, err
	}
	it := task.AddIteration(instructions)
	task.UpdatedAt = time.Now().UTC()
	if err := m.write(task); err != nil {
		return nil, err
	}
	copied := *it
	return &copied, nil
}

// SetIterationSummary records the outcome summary on the latest iteration.
func (m *FileManager) SetIterationSummary(id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.read(id)
	if err != nil {
		return err
	}
	latest := task.LatestIteration()
	if latest == nil {
		return fmt.Errorf("task %s has no iterations", id)
	}
	latest.Summary = summary
	task.UpdatedAt = time.Now().UTC()
	return m.write(task)
}

// CountActive returns the number of tasks in IN_PROGRESS or ITERATING.
func (m *FileManager) CountActive() (int, error) {
	tasks, err := m.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range tasks {
		if t.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (m *FileManager) read(id string) (*types.Task, error) {
	data, err := os.ReadFile(m.taskPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, nil
}

func (m *FileManager) write(task *types.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	tmp := m.taskPath(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := os.Rename(tmp, m.taskPath(task.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	return nil
}

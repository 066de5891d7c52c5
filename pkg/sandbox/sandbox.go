// Package sandbox starts isolated executions of the configured coding agent
// inside a task's worktree and tracks their lifecycle.
//
// The Factory interface is the seam the workflow runner consumes; the
// default LocalFactory runs the agent CLI as a local process. A hosting
// runtime may substitute a container-backed factory behind the same
// interface.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Status is the lifecycle of one sandboxed execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Spec describes one execution: which task, where, and what to tell the
// agent.
type Spec struct {
	TaskID string
	Dir    string
	Prompt string
	Env    []string
}

// Execution is a handle on a started sandbox.
type Execution interface {
	// TaskID returns the task this execution serves.
	TaskID() string

	// Status returns the current lifecycle state.
	Status() Status

	// Summary returns the agent's output once the execution has finished.
	Summary() string

	// Err returns the failure, if the execution failed.
	Err() error
}

// Factory creates and starts sandboxed executions.
type Factory interface {
	Start(ctx context.Context, spec Spec) (Execution, error)
}

// LocalFactory runs the agent command as a local process in the task's
// worktree. The prompt is appended as the final argument.
type LocalFactory struct {
	command []string
}

// NewLocalFactory creates a factory for the given agent command line, e.g.
// ["claude", "-p"].
func NewLocalFactory(command []string) (*LocalFactory, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command is required")
	}
	return &LocalFactory{command: command}, nil
}

// Start launches the agent process. The returned execution transitions to
// succeeded or failed when the process exits.
func (f *LocalFactory) Start(ctx context.Context, spec Spec) (Execution, error) {
	if spec.Dir == "" {
		return nil, fmt.Errorf("execution dir is required")
	}
	if _, err := os.Stat(spec.Dir); err != nil {
		return nil, fmt.Errorf("execution dir unavailable: %w", err)
	}

	args := append(append([]string(nil), f.command[1:]...), spec.Prompt)
	cmd := exec.CommandContext(ctx, f.command[0], args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	e := &localExecution{taskID: spec.TaskID, status: StatusRunning}
	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.summary = output.String()
		if err != nil {
			e.status = StatusFailed
			e.err = fmt.Errorf("agent process failed: %w", err)
			return
		}
		e.status = StatusSucceeded
	}()
	return e, nil
}

type localExecution struct {
	taskID string

	mu      sync.Mutex
	status  Status
	summary string
	err     error
}

func (e *localExecution) TaskID() string { return e.taskID }

func (e *localExecution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *localExecution) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

func (e *localExecution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Registry tracks in-flight executions by task ID. It is advisory,
// in-memory state: after a restart the review stage falls back to task
// status instead.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]Execution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executions: make(map[string]Execution)}
}

// Put records an execution for a task, replacing any prior one.
func (r *Registry) Put(exec Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[exec.TaskID()] = exec
}

// Get returns the execution for a task, if one is tracked.
func (r *Registry) Get(taskID string) (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[taskID]
	return e, ok
}

// Remove forgets the execution for a task.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, taskID)
}

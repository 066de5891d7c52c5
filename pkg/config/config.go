// Package config defines the per-project Rover configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the project configuration for the autopilot pipeline.
type Config struct {
	// DataDir is the per-project state directory for the action store and
	// task records.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// RepoDir is the git repository the pipeline operates on.
	RepoDir string `yaml:"repo_dir" json:"repo_dir"`

	// MaxRunningTasks caps simultaneously running tasks across the whole
	// pipeline.
	MaxRunningTasks int `yaml:"max_running_tasks" json:"max_running_tasks"`

	// MaxRetries bounds iterate decisions per trace.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// DefaultBranch is the base branch for tasks without a dependency.
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`

	// Schedule controls stage polling.
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	// Agent configures the sandboxed coding agent and the LLM used for
	// commit messages and resolve arbitration.
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Workspace controls worktree setup.
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace"`

	// Git controls commit authoring.
	Git GitConfig `yaml:"git" json:"git"`
}

// ScheduleConfig declares the poll interval and per-stage start offsets, so
// the pipeline's start order is configuration rather than a side effect of
// hard-coded delays.
type ScheduleConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	WorkflowDelay time.Duration `yaml:"workflow_delay" json:"workflow_delay"`
	ReviewDelay   time.Duration `yaml:"review_delay" json:"review_delay"`
	CommitDelay   time.Duration `yaml:"commit_delay" json:"commit_delay"`
	ResolveDelay  time.Duration `yaml:"resolve_delay" json:"resolve_delay"`
	PushDelay     time.Duration `yaml:"push_delay" json:"push_delay"`
}

// AgentConfig configures agent execution and the LLM provider.
type AgentConfig struct {
	// Command is the agent CLI invocation, e.g. ["claude", "-p"]. The task
	// prompt is appended as the final argument.
	Command []string `yaml:"command" json:"command"`

	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
}

// WorkspaceConfig controls how task worktrees are prepared.
type WorkspaceConfig struct {
	// EnvFilePatterns are glob patterns for files copied from the repo
	// root into each worktree (they are typically gitignored, so the
	// worktree does not inherit them).
	EnvFilePatterns []string `yaml:"env_file_patterns" json:"env_file_patterns"`

	// SparseExcludes are sparse-checkout patterns excluded from each
	// worktree.
	SparseExcludes []string `yaml:"sparse_excludes" json:"sparse_excludes"`
}

// GitConfig controls commit authoring.
type GitConfig struct {
	AuthorName  string `yaml:"author_name" json:"author_name"`
	AuthorEmail string `yaml:"author_email" json:"author_email"`

	// AttributionTrailer, when set, is appended to every generated commit
	// message as a trailing line.
	AttributionTrailer string `yaml:"attribution_trailer" json:"attribution_trailer"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo_dir is required")
	}
	if c.MaxRunningTasks <= 0 {
		return fmt.Errorf("max_running_tasks must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.DefaultBranch == "" {
		return fmt.Errorf("default_branch is required")
	}
	if c.Schedule.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent command is required")
	}
	return nil
}

// DefaultConfig returns a configuration suitable for most projects.
func DefaultConfig() *Config {
	return &Config{
		DataDir:         ".rover",
		RepoDir:         ".",
		MaxRunningTasks: 3,
		MaxRetries:      3,
		DefaultBranch:   "main",
		Schedule: ScheduleConfig{
			PollInterval:  5 * time.Second,
			WorkflowDelay: 0,
			ReviewDelay:   1 * time.Second,
			CommitDelay:   2 * time.Second,
			ResolveDelay:  3 * time.Second,
			PushDelay:     4 * time.Second,
		},
		Agent: AgentConfig{
			Command: []string{"claude", "-p"},
			Model:   "gpt-4o",
		},
		Workspace: WorkspaceConfig{
			EnvFilePatterns: []string{".env", ".env.*"},
		},
		Git: GitConfig{
			AuthorName:         "rover[bot]",
			AuthorEmail:        "rover[bot]@users.noreply.github.com",
			AttributionTrailer: "Co-authored-by: rover[bot] <rover[bot]@users.noreply.github.com>",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

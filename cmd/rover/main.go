// Package main provides the Rover autopilot daemon. It polls the durable
// action queue and drives queued tasks through sandboxed agent execution,
// review, commit, resolution, and push.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/entrhq/rover/pkg/agent"
	"github.com/entrhq/rover/pkg/autopilot"
	"github.com/entrhq/rover/pkg/config"
	"github.com/entrhq/rover/pkg/git"
	"github.com/entrhq/rover/pkg/llm/openai"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/sandbox"
	"github.com/entrhq/rover/pkg/store"
	"github.com/entrhq/rover/pkg/task"
	"github.com/entrhq/rover/pkg/types"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile  string
	DataDir     string
	RepoDir     string
	APIKey      string
	BaseURL     string
	Model       string
	Task        string
	Title       string
	Workflow    string
	BaseBranch  string
	EnqueueOnly bool
	ShowVersion bool
}

func main() {
	cliConfig := parseFlags()

	if cliConfig.ShowVersion {
		fmt.Printf("Rover v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cliConfig); err != nil {
		cancel()
		log.Printf("Rover failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

// parseFlags parses command line flags.
func parseFlags() *CLIConfig {
	cliConfig := &CLIConfig{}

	flag.StringVar(&cliConfig.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cliConfig.DataDir, "data-dir", "", "Override the data directory")
	flag.StringVar(&cliConfig.RepoDir, "repo", "", "Override the repository directory")
	flag.StringVar(&cliConfig.APIKey, "api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
	flag.StringVar(&cliConfig.BaseURL, "base-url", os.Getenv("OPENAI_BASE_URL"), "OpenAI API base URL")
	flag.StringVar(&cliConfig.Model, "model", "", "LLM model to use")
	flag.StringVar(&cliConfig.Task, "task", "", "Task description to enqueue before starting")
	flag.StringVar(&cliConfig.Title, "title", "", "Title for the enqueued task (defaults to the description)")
	flag.StringVar(&cliConfig.Workflow, "workflow", "feature", "Workflow for the enqueued task")
	flag.StringVar(&cliConfig.BaseBranch, "base-branch", "", "Base branch for the enqueued task")
	flag.BoolVar(&cliConfig.EnqueueOnly, "enqueue-only", false, "Enqueue the task and exit without running the pipeline")
	flag.BoolVar(&cliConfig.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Rover - Autopilot for AI Coding Agents\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rover [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start the pipeline against the current repository\n")
		fmt.Fprintf(os.Stderr, "  rover -config rover.yaml\n\n")
		fmt.Fprintf(os.Stderr, "  # Enqueue a task and run it\n")
		fmt.Fprintf(os.Stderr, "  rover -task \"Fix all linting errors\"\n\n")
		fmt.Fprintf(os.Stderr, "  # Enqueue without starting the pipeline\n")
		fmt.Fprintf(os.Stderr, "  rover -task \"Add a settings page\" -enqueue-only\n\n")
	}

	flag.Parse()
	return cliConfig
}

// run wires the pipeline together and blocks until the context is
// cancelled.
func run(ctx context.Context, cliConfig *CLIConfig) error {
	cfg, err := loadConfig(cliConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger("rover")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	st, err := store.Open(filepath.Join(cfg.DataDir, "store"))
	if err != nil {
		return fmt.Errorf("failed to open action store: %w", err)
	}
	tasks, err := task.NewFileManager(filepath.Join(cfg.DataDir, "work"))
	if err != nil {
		return fmt.Errorf("failed to create task manager: %w", err)
	}

	providerOpts := []openai.ProviderOption{}
	if cfg.Agent.Model != "" {
		providerOpts = append(providerOpts, openai.WithModel(cfg.Agent.Model))
	}
	if cfg.Agent.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(cfg.Agent.BaseURL))
	}
	provider, err := openai.NewProvider(cfg.Agent.APIKey, providerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	ai, err := agent.NewLLMAgent(provider)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	factory, err := sandbox.NewLocalFactory(cfg.Agent.Command)
	if err != nil {
		return fmt.Errorf("failed to create sandbox factory: %w", err)
	}

	pipeline := autopilot.New(cfg, st, tasks, git.NewManager(cfg.RepoDir), factory, ai, logger)

	if cliConfig.Task != "" {
		title := cliConfig.Title
		if title == "" {
			title = cliConfig.Task
		}
		action, err := pipeline.EnqueueWorkflow(title, types.WorkflowMeta{
			Workflow:        cliConfig.Workflow,
			TaskTitle:       title,
			TaskDescription: cliConfig.Task,
			BaseBranch:      cliConfig.BaseBranch,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue task: %w", err)
		}
		log.Printf("Enqueued task %q as action %s", title, action.ActionID)
		if cliConfig.EnqueueOnly {
			return nil
		}
	}

	log.Printf("Starting Rover pipeline...")
	log.Printf("Repository: %s", cfg.RepoDir)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Max running tasks: %d", cfg.MaxRunningTasks)

	return pipeline.Run(ctx)
}

// loadConfig loads configuration from file or defaults, then applies CLI
// overrides.
func loadConfig(cliConfig *CLIConfig) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cliConfig.ConfigFile != "" {
		loaded, err := config.LoadFromFile(cliConfig.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cliConfig.DataDir != "" {
		cfg.DataDir = cliConfig.DataDir
	}
	if cliConfig.RepoDir != "" {
		cfg.RepoDir = cliConfig.RepoDir
	}
	if cliConfig.APIKey != "" {
		cfg.Agent.APIKey = cliConfig.APIKey
	}
	if cliConfig.BaseURL != "" {
		cfg.Agent.BaseURL = cliConfig.BaseURL
	}
	if cliConfig.Model != "" {
		cfg.Agent.Model = cliConfig.Model
	}
	return cfg, nil
}

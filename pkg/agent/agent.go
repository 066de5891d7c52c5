// Package agent is the AI agent façade consumed by the autopilot pipeline:
// a single Invoke entry point for arbitrary prompts and a best-effort
// commit message generator.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/rover/pkg/llm"
	"github.com/entrhq/rover/pkg/llm/tokenizer"
)

// promptBudget caps the tokens spent on any single prompt sent through the
// façade.
const promptBudget = 6000

// InvokeOptions tune a single invocation.
type InvokeOptions struct {
	// SystemPrompt, when set, is sent ahead of the user prompt.
	SystemPrompt string
}

// CommitMessageRequest carries the context the generator may use.
type CommitMessageRequest struct {
	TaskTitle          string
	IterationSummaries []string
	RecentCommits      []string
	DiffStat           string
}

// Agent is the narrow interface the pipeline stages consume.
type Agent interface {
	// Invoke sends a prompt to the agent and returns its textual reply.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, error)

	// GenerateCommitMessage produces a commit message for the given
	// context. It is best-effort: callers must treat an error or an empty
	// result as "use a fallback", never as fatal.
	GenerateCommitMessage(ctx context.Context, req CommitMessageRequest) (string, error)
}

// LLMAgent implements Agent on top of an llm.Provider.
type LLMAgent struct {
	provider llm.Provider
	tok      *tokenizer.Tokenizer
}

// NewLLMAgent creates an agent backed by the given provider.
func NewLLMAgent(provider llm.Provider) (*LLMAgent, error) {
	tok, err := tokenizer.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}
	return &LLMAgent{provider: provider, tok: tok}, nil
}

// Invoke sends a prompt to the model and returns the trimmed reply.
func (a *LLMAgent) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, error) {
	var messages []*llm.Message
	if opts.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, llm.NewUserMessage(a.tok.Truncate(prompt, promptBudget)))

	reply, err := a.provider.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("agent invocation failed: %w", err)
	}
	return strings.TrimSpace(reply.Content), nil
}

// GenerateCommitMessage asks the model for a conventional commit message.
func (a *LLMAgent) GenerateCommitMessage(ctx context.Context, req CommitMessageRequest) (string, error) {
	reply, err := a.Invoke(ctx, buildCommitPrompt(req), InvokeOptions{
		SystemPrompt: "You write git commit messages for automated coding tasks.",
	})
	if err != nil {
		return "", err
	}
	// Models occasionally wrap the message in quotes or fences; keep the
	// first meaningful line.
	for _, line := range strings.Split(reply, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "`\"")
		if line != "" {
			return line, nil
		}
	}
	return "", nil
}

func buildCommitPrompt(req CommitMessageRequest) string {
	var sb strings.Builder

	sb.WriteString("Generate a conventional commit message for the changes described below.\n")
	sb.WriteString("Format: <type>(<scope>): <description>\n")
	sb.WriteString("Types: feat, fix, docs, style, refactor, test, chore\n\n")

	fmt.Fprintf(&sb, "Task: %s\n", req.TaskTitle)

	if len(req.IterationSummaries) > 0 {
		sb.WriteString("\nWhat the agent did:\n")
		for _, s := range req.IterationSummaries {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}

	if len(req.RecentCommits) > 0 {
		sb.WriteString("\nRecent commits on this branch:\n")
		for _, c := range req.RecentCommits {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}

	if req.DiffStat != "" {
		sb.WriteString("\nDiff stat:\n")
		sb.WriteString(req.DiffStat)
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with ONLY the commit message (one line), nothing else.")
	return sb.String()
}

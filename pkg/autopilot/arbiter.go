package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/entrhq/rover/pkg/agent"
	"github.com/entrhq/rover/pkg/logging"
	"github.com/entrhq/rover/pkg/types"
)

// Decision is a resolver verdict on a trace.
type Decision string

const (
	DecisionWait    Decision = "wait"
	DecisionPush    Decision = "push"
	DecisionIterate Decision = "iterate"
	DecisionFail    Decision = "fail"
)

// StepSnapshot is a step as presented to the arbiter.
type StepSnapshot struct {
	Kind      types.ActionKind `json:"kind"`
	Status    types.StepStatus `json:"status"`
	Reasoning string           `json:"reasoning,omitempty"`
}

// SpanSnapshot is a span as presented to the arbiter.
type SpanSnapshot struct {
	Kind    types.ActionKind `json:"kind"`
	Status  types.SpanStatus `json:"status"`
	Summary string           `json:"summary"`
}

// DecisionContext is everything an arbiter may consider: the trace so far,
// the retry budget, and the task outcome. Deterministic rules have already
// run; the arbiter only sees ambiguous traces.
type DecisionContext struct {
	TraceSummary string         `json:"trace_summary"`
	RetryCount   int            `json:"retry_count"`
	RetryBudget  int            `json:"retry_budget"`
	Steps        []StepSnapshot `json:"steps"`
	Spans        []SpanSnapshot `json:"spans,omitempty"`
	TaskTitle    string         `json:"task_title,omitempty"`
	TaskError    string         `json:"task_error,omitempty"`
}

// ArbiterResult is an arbiter's verdict. Only iterate and fail are valid
// here; wait and push are decided deterministically before arbitration.
type ArbiterResult struct {
	Decision     Decision `json:"decision"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Arbiter decides between retrying and giving up on an ambiguous trace.
type Arbiter interface {
	Decide(ctx context.Context, dc DecisionContext) ArbiterResult
}

// FixedArbiter always returns the same result. Useful for deterministic
// hosts and in tests.
type FixedArbiter struct {
	Result ArbiterResult
}

// Decide returns the fixed result.
func (f *FixedArbiter) Decide(_ context.Context, _ DecisionContext) ArbiterResult {
	return f.Result
}

// AIArbiter asks the LLM agent for a verdict. It fails open: any agent
// error, unparseable reply, or out-of-domain decision becomes an iterate
// with synthesized retry instructions, so a flaky model can never
// permanently fail work that deterministic rules did not.
type AIArbiter struct {
	agent  agent.Agent
	logger *logging.Logger
}

// NewAIArbiter creates an arbiter backed by the given agent.
func NewAIArbiter(ai agent.Agent, logger *logging.Logger) *AIArbiter {
	return &AIArbiter{agent: ai, logger: logger}
}

const arbiterSystemPrompt = `You arbitrate whether a failed automated coding attempt should be retried or abandoned.
Reply with a single JSON object and nothing else:
{"decision": "iterate" or "fail", "reasoning": "...", "iterate_instructions": "...", "fail_reason": "..."}
"iterate_instructions" is required for iterate: concrete guidance for the retry attempt.
"fail_reason" explains a fail verdict. Choose fail only when a retry clearly cannot help
(misconfigured environment, impossible task).`

// Decide asks the model to choose between iterate and fail.
func (ar *AIArbiter) Decide(ctx context.Context, dc DecisionContext) ArbiterResult {
	reply, err := ar.agent.Invoke(ctx, buildArbiterPrompt(dc), agent.InvokeOptions{
		SystemPrompt: arbiterSystemPrompt,
	})
	if err != nil {
		ar.logger.Warnf("arbiter invocation failed, defaulting to iterate: %v", err)
		return fallbackIterate(dc)
	}

	res, err := parseArbiterReply(reply)
	if err != nil {
		ar.logger.Warnf("arbiter reply unparseable, defaulting to iterate: %v", err)
		return fallbackIterate(dc)
	}
	if res.Decision != DecisionIterate && res.Decision != DecisionFail {
		ar.logger.Warnf("arbiter returned out-of-domain decision %q, defaulting to iterate", res.Decision)
		return fallbackIterate(dc)
	}
	if res.Decision == DecisionIterate && res.Instructions == "" {
		res.Instructions = synthesizeRetryInstructions(dc)
	}
	return res
}

func buildArbiterPrompt(dc DecisionContext) string {
	data, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		data = []byte(dc.TraceSummary)
	}
	var b strings.Builder
	b.WriteString("An automated coding attempt did not reach a clean outcome. Decide whether to retry.\n\n")
	fmt.Fprintf(&b, "Retries used: %d of %d.\n\nTrace:\n", dc.RetryCount, dc.RetryBudget)
	b.Write(data)
	return b.String()
}

// parseArbiterReply extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences. Models answer with either the
// iterate_instructions/fail_reason pair or a bare instructions key; both
// shapes are accepted.
func parseArbiterReply(reply string) (ArbiterResult, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return ArbiterResult{}, fmt.Errorf("no JSON object in reply")
	}

	var wire struct {
		Decision            Decision `json:"decision"`
		Reasoning           string   `json:"reasoning"`
		Instructions        string   `json:"instructions"`
		IterateInstructions string   `json:"iterate_instructions"`
		FailReason          string   `json:"fail_reason"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &wire); err != nil {
		return ArbiterResult{}, fmt.Errorf("failed to decode arbiter reply: %w", err)
	}

	res := ArbiterResult{
		Decision:     wire.Decision,
		Reasoning:    wire.Reasoning,
		Instructions: wire.IterateInstructions,
	}
	if res.Instructions == "" {
		res.Instructions = wire.Instructions
	}
	if res.Reasoning == "" {
		res.Reasoning = wire.FailReason
	}
	return res, nil
}

func fallbackIterate(dc DecisionContext) ArbiterResult {
	return ArbiterResult{
		Decision:     DecisionIterate,
		Reasoning:    "arbitration unavailable, retrying",
		Instructions: synthesizeRetryInstructions(dc),
	}
}

// synthesizeRetryInstructions builds minimal retry guidance from whatever
// failure evidence the trace holds.
func synthesizeRetryInstructions(dc DecisionContext) string {
	var b strings.Builder
	b.WriteString("The previous attempt did not complete successfully.")
	if dc.TaskError != "" {
		fmt.Fprintf(&b, " It failed with: %s.", dc.TaskError)
	}
	for _, s := range dc.Steps {
		if s.Status == types.StepFailed && s.Reasoning != "" {
			fmt.Fprintf(&b, " A %s step failed: %s.", s.Kind, s.Reasoning)
		}
	}
	b.WriteString(" Please try again, addressing the failure.")
	return b.String()
}

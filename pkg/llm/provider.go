// Package llm provides the abstraction over LLM providers used by the
// Rover agent façade.
//
// Providers handle API communication and return plain messages. The agent
// layer owns prompt construction and response interpretation; this
// separation keeps providers reusable outside the autopilot pipeline and
// testable without a live model.
package llm

import "context"

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a conversation with the model.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// Provider defines the interface for LLM integrations.
type Provider interface {
	// Complete sends messages to the model and returns the full response.
	Complete(ctx context.Context, messages []*Message) (*Message, error)

	// GetModel returns the model name being used.
	GetModel() string
}

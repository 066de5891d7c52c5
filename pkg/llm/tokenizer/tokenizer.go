// Package tokenizer provides token counting and budget-aware truncation for
// prompt construction, backed by tiktoken.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// encoding is the BPE used for counting; cl100k_base matches the GPT-4
// model family and is close enough for budgeting against compatible APIs.
const encoding = "cl100k_base"

// Tokenizer counts and truncates text by token count.
type Tokenizer struct {
	encoder *tiktoken.Tiktoken
}

// New creates a tokenizer.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &Tokenizer{encoder: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	return len(t.encoder.Encode(text, nil, nil))
}

// Truncate returns text cut to at most maxTokens tokens, with a marker
// appended when anything was dropped.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	tokens := t.encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.encoder.Decode(tokens[:maxTokens]) + "\n... (truncated)"
}

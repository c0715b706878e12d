// Package budget counts tokens and truncates prompts to a model's input
// budget. Truncation is fail-closed: a system message that alone exceeds
// the budget yields an empty prompt rather than a partial one.
package budget

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/matrixclaw/pkg/llm"
)

// ErrBudgetExhausted is returned when the system message alone does not fit
// within the token budget.
var ErrBudgetExhausted = errors.New("system message exceeds token budget")

// Truncator trims message lists to a token budget using the tokenizer for a
// specific model.
type Truncator struct {
	tokenizer *tiktoken.Tiktoken
}

// NewTruncator creates a truncator for the given model name.
func NewTruncator(model string) (*Truncator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Truncator{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (t *Truncator) Count(text string) int {
	return len(t.tokenizer.Encode(text, nil, nil))
}

// cost is the token cost charged for a message: its encoded length plus one
// token of role/framing overhead.
func (t *Truncator) cost(content string) int {
	return t.Count(content) + 1
}

// Truncate returns the largest suffix of messages that fits within maxTokens,
// always keeping the first element (the system message). The remaining
// messages are considered newest-first, so when the budget runs out it is the
// oldest conversation that gets dropped. Output order is chronological.
//
// If the system message alone exceeds the budget, ErrBudgetExhausted is
// returned along with an empty list.
func (t *Truncator) Truncate(messages []llm.Message, maxTokens int) ([]llm.Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	total := t.cost(messages[0].Content)
	if total > maxTokens {
		return nil, fmt.Errorf("%w: %d tokens, budget %d", ErrBudgetExhausted, total, maxTokens)
	}

	rest := messages[1:]
	kept := 0
	for i := len(rest) - 1; i >= 0; i-- {
		c := t.cost(rest[i].Content)
		if total+c > maxTokens {
			break
		}
		total += c
		kept++
	}

	out := make([]llm.Message, 0, 1+kept)
	out = append(out, messages[0])
	out = append(out, rest[len(rest)-kept:]...)
	return out, nil
}

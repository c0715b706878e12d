// Package prompt assembles the token-budgeted message list sent to the
// completion service: effective system message, recent room history with
// roles derived from the sender, and the triggering message last.
package prompt

import (
	"context"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/matrixclaw/internal/budget"
	"github.com/user/matrixclaw/pkg/llm"
)

// HistorySource yields recent room messages in chronological order.
type HistorySource interface {
	FetchRecent(ctx context.Context, roomID id.RoomID, n int) ([]*event.Event, error)
}

// OverrideSource yields the most recent per-room system-message override.
type OverrideSource interface {
	LatestSystemMessage(ctx context.Context, roomID string) (body string, ok bool, err error)
}

// Config holds the assembler's fixed parameters.
type Config struct {
	// BotUserID is the bot's resolved account ID; messages it sent become
	// assistant messages.
	BotUserID id.UserID
	// DefaultSystemMessage is used when a room has no override, and is
	// prepended to the override when ForceDefault is set.
	DefaultSystemMessage string
	ForceDefault         bool
	// MaxTokens is the input budget; the assembler passes MaxTokens-1 to
	// the truncator.
	MaxTokens int
	// MaxMessages is the history window size.
	MaxMessages int
}

// Assembler builds prompts for a completion request.
type Assembler struct {
	history   HistorySource
	overrides OverrideSource
	truncator *budget.Truncator
	cfg       Config
}

// New creates an assembler.
func New(history HistorySource, overrides OverrideSource, truncator *budget.Truncator, cfg Config) *Assembler {
	return &Assembler{
		history:   history,
		overrides: overrides,
		truncator: truncator,
		cfg:       cfg,
	}
}

// SystemMessage resolves the effective system message for a room: the
// room's latest override, prefixed by the default when ForceDefault is set
// or when no override exists.
func (a *Assembler) SystemMessage(ctx context.Context, roomID id.RoomID) (string, error) {
	override, ok, err := a.overrides.LatestSystemMessage(ctx, roomID.String())
	if err != nil {
		return "", fmt.Errorf("load system message override: %w", err)
	}
	if !ok {
		return a.cfg.DefaultSystemMessage, nil
	}
	if a.cfg.ForceDefault {
		return strings.TrimSpace(a.cfg.DefaultSystemMessage + "\n\n" + override), nil
	}
	return override, nil
}

// BuildPrompt assembles the message list for a reply to incoming. The
// triggering event is excluded from the history window (it usually appears
// there too) and appended as the final user message. The result is truncated
// to the token budget; budget.ErrBudgetExhausted passes through to the
// caller.
func (a *Assembler) BuildPrompt(ctx context.Context, roomID id.RoomID, incoming *event.Event) ([]llm.Message, error) {
	system, err := a.SystemMessage(ctx, roomID)
	if err != nil {
		return nil, err
	}

	events, err := a.history.FetchRecent(ctx, roomID, a.cfg.MaxMessages)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, 2+len(events))
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, evt := range events {
		if evt.ID == incoming.ID {
			continue
		}
		role := llm.RoleUser
		if evt.Sender == a.cfg.BotUserID {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: messageText(evt)})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: messageText(incoming)})

	return a.truncator.Truncate(messages, a.cfg.MaxTokens-1)
}

// messageText extracts model-facing text from a message event. Messages
// with a rendered HTML body are converted to markdown so the model sees the
// structure other clients sent, not raw tags.
func messageText(evt *event.Event) string {
	content := evt.Content.AsMessage()
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		if md, err := htmltomarkdown.ConvertString(content.FormattedBody); err == nil {
			return strings.TrimSpace(md)
		}
	}
	return content.Body
}

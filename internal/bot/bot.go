// Package bot ties the pieces together: one Session per bot account owns the
// Matrix client, the crypto state, the usage store, and the completion
// provider, and implements the behavior the dispatch router calls into.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/matrixclaw/internal/store"
	"github.com/user/matrixclaw/pkg/llm"
)

// errorNotice is what users see when a reply cannot be produced. Details stay
// in the logs.
const errorNotice = "Something went wrong. Please try again."

type roomAPI interface {
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
}

type outbound interface {
	SendMarkdown(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
}

type promptBuilder interface {
	BuildPrompt(ctx context.Context, roomID id.RoomID, incoming *event.Event) ([]llm.Message, error)
	SystemMessage(ctx context.Context, roomID id.RoomID) (string, error)
}

type usageStore interface {
	RecordUsage(ctx context.Context, messageID, roomID string, tokens int) error
	TokensUsed(ctx context.Context, roomID string) (tokens, replies int64, err error)
	SetSystemMessage(ctx context.Context, roomID, body string) error
}

// Session is one bot account's running state.
type Session struct {
	userID   id.UserID
	deviceID id.DeviceID
	model    string

	rooms    roomAPI
	out      outbound
	prompts  promptBuilder
	store    usageStore
	provider llm.Provider

	defaultRoomName string
	commandPrefix   string
	syncTimeoutMS   int

	// syncToken is the latest sync cursor. Written only from the sync loop;
	// queries run inline in that loop, so reads never race the writer.
	syncToken string

	client *mautrix.Client
	crypto interface{ Close() error }
	db     *store.Store
}

// UserID returns the bot's resolved account ID.
func (s *Session) UserID() id.UserID { return s.userID }

// AdvanceCursor records the latest sync token for history pagination.
func (s *Session) AdvanceCursor(token string) { s.syncToken = token }

func (s *Session) cursor() string { return s.syncToken }

// Reply sends a markdown-rendered message to the room.
func (s *Session) Reply(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := s.out.SendMarkdown(ctx, roomID, text)
	return err
}

// Notice sends a markdown-rendered m.notice to the room.
func (s *Session) Notice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := s.out.SendNotice(ctx, roomID, text)
	return err
}

// ProcessQuery runs the completion flow for one user message: mark it read,
// show a typing indicator, build the prompt, call the provider, deliver the
// reply, and record token usage. Any failure before delivery produces a
// generic error notice in the room; the typing indicator is cleared on every
// path.
func (s *Session) ProcessQuery(ctx context.Context, evt *event.Event) error {
	roomID := evt.RoomID
	slog.Info("processing query", "room_id", roomID, "event_id", evt.ID, "sender", evt.Sender)

	if _, err := s.rooms.UserTyping(ctx, roomID, true, 30*time.Second); err != nil {
		slog.Warn("could not set typing indicator", "room_id", roomID, "error", err)
	}
	defer func() {
		if _, err := s.rooms.UserTyping(ctx, roomID, false, 0); err != nil {
			slog.Warn("could not clear typing indicator", "room_id", roomID, "error", err)
		}
	}()

	if err := s.rooms.MarkRead(ctx, roomID, evt.ID); err != nil {
		slog.Warn("could not mark message read", "room_id", roomID, "event_id", evt.ID, "error", err)
	}

	messages, err := s.prompts.BuildPrompt(ctx, roomID, evt)
	if err != nil {
		return s.fail(ctx, roomID, fmt.Errorf("build prompt: %w", err))
	}

	resp, err := s.provider.Complete(ctx, messages)
	if err != nil {
		return s.fail(ctx, roomID, fmt.Errorf("completion request: %w", err))
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return s.fail(ctx, roomID, fmt.Errorf("completion returned no content"))
	}

	eventID, err := s.out.SendMarkdown(ctx, roomID, reply)
	if err != nil {
		// Delivery itself is broken; an error notice would fail the same way.
		return fmt.Errorf("deliver reply: %w", err)
	}

	if err := s.store.RecordUsage(ctx, eventID.String(), roomID.String(), resp.Usage.TotalTokens); err != nil {
		slog.Error("could not record token usage", "room_id", roomID, "error", err)
	}
	slog.Info("query answered", "room_id", roomID, "reply_event_id", eventID, "tokens", resp.Usage.TotalTokens)
	return nil
}

// fail notifies the room that the query could not be answered and returns the
// underlying error for the router to log.
func (s *Session) fail(ctx context.Context, roomID id.RoomID, err error) error {
	slog.Error("query failed", "room_id", roomID, "error", err)
	if _, noticeErr := s.out.SendNotice(ctx, roomID, errorNotice); noticeErr != nil {
		slog.Error("could not send error notice", "room_id", roomID, "error", noticeErr)
	}
	return err
}

// JoinRoom accepts an invite.
func (s *Session) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := s.rooms.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// CreateRoom creates an encrypted private room and invites the given user.
func (s *Session) CreateRoom(ctx context.Context, name string, invite id.UserID) (id.RoomID, error) {
	if name == "" {
		name = s.defaultRoomName
	}
	resp, err := s.rooms.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Preset: "private_chat",
		Invite: []id.UserID{invite},
		InitialState: []*event.Event{{
			Type: event.StateEncryption,
			Content: event.Content{
				Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// TokensUsed reports accumulated usage for a room.
func (s *Session) TokensUsed(ctx context.Context, roomID id.RoomID) (int64, int64, error) {
	return s.store.TokensUsed(ctx, roomID.String())
}

// SetSystemMessage stores a new system message override for a room.
func (s *Session) SetSystemMessage(ctx context.Context, roomID id.RoomID, body string) error {
	return s.store.SetSystemMessage(ctx, roomID.String(), body)
}

// SystemMessage resolves the effective system message for a room.
func (s *Session) SystemMessage(ctx context.Context, roomID id.RoomID) (string, error) {
	return s.prompts.SystemMessage(ctx, roomID)
}

// BotInfo describes the bot account and the room it was asked from.
func (s *Session) BotInfo(ctx context.Context, roomID id.RoomID) (string, error) {
	return fmt.Sprintf("User ID: %s\n\nDevice ID: %s\n\nModel: %s\n\nRoom ID: %s", s.userID, s.deviceID, s.model, roomID), nil
}

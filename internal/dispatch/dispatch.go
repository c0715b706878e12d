// Package dispatch routes incoming Matrix events to the right behavior:
// prefixed messages become commands, everything else a user sends becomes a
// completion query, and invites get accepted.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Session is the capability surface handlers act on. Implemented by the bot
// session; faked in tests.
type Session interface {
	UserID() id.UserID
	// Reply sends a markdown-rendered m.text message to the room.
	Reply(ctx context.Context, roomID id.RoomID, text string) error
	// Notice sends a markdown-rendered m.notice to the room. Notices are
	// invisible to the history retriever, so they never feed back into
	// prompts.
	Notice(ctx context.Context, roomID id.RoomID, text string) error
	// ProcessQuery runs the full completion flow for a user message.
	ProcessQuery(ctx context.Context, evt *event.Event) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	// CreateRoom creates a fresh encrypted room and invites the given user.
	CreateRoom(ctx context.Context, name string, invite id.UserID) (id.RoomID, error)
	// AdvanceCursor records the latest sync token.
	AdvanceCursor(token string)
	TokensUsed(ctx context.Context, roomID id.RoomID) (tokens, replies int64, err error)
	SetSystemMessage(ctx context.Context, roomID id.RoomID, body string) error
	SystemMessage(ctx context.Context, roomID id.RoomID) (string, error)
	BotInfo(ctx context.Context, roomID id.RoomID) (string, error)
}

// EventHandler processes one routed event.
type EventHandler func(ctx context.Context, s Session, evt *event.Event) error

// ResponseKind tags responses to client-initiated API calls that get routed
// through the router.
type ResponseKind string

// ResponseSync tags /sync responses.
const ResponseSync ResponseKind = "sync"

// ResponseHandler processes one API response of its registered kind.
type ResponseHandler func(ctx context.Context, s Session, resp any) error

// CommandHandler processes one bot command. args holds the tokens after the
// command name.
type CommandHandler func(ctx context.Context, s Session, evt *event.Event, args []string) error

// Router maps event types and command names to handlers.
type Router struct {
	session Session
	prefix  string

	events    map[event.Type]EventHandler
	responses map[ResponseKind]ResponseHandler
	commands  map[string]CommandHandler
	unknown   CommandHandler
}

// NewRouter creates a router with the built-in event and command tables.
// prefix is the command marker messages must start with, e.g. "!matrixclaw".
func NewRouter(session Session, prefix string) *Router {
	r := &Router{
		session:   session,
		prefix:    prefix,
		events:    make(map[event.Type]EventHandler),
		responses: make(map[ResponseKind]ResponseHandler),
		commands:  make(map[string]CommandHandler),
		unknown:   cmdUnknown,
	}
	r.events[event.EventMessage] = r.handleMessage
	r.events[event.StateMember] = handleMember
	r.responses[ResponseSync] = handleSyncResponse

	r.commands["help"] = cmdHelp
	r.commands["stats"] = cmdStats
	r.commands["systemmessage"] = cmdSystemMessage
	r.commands["newroom"] = cmdNewRoom
	r.commands["botinfo"] = cmdBotInfo
	r.commands["ignoreolder"] = cmdIgnoreOlder
	return r
}

// HandleEvent routes a single timeline or state event. Events with no
// registered handler are dropped. Handler errors are logged, not returned;
// the sync loop must keep running regardless.
func (r *Router) HandleEvent(ctx context.Context, evt *event.Event) {
	handler, ok := r.events[evt.Type]
	if !ok {
		return
	}
	if err := handler(ctx, r.session, evt); err != nil {
		slog.Error("event handler failed", "event_id", evt.ID, "room_id", evt.RoomID, "type", evt.Type.Type, "error", err)
	}
}

// HandleResponse routes an API response by kind. Kinds with no registered
// handler are dropped.
func (r *Router) HandleResponse(ctx context.Context, kind ResponseKind, resp any) {
	handler, ok := r.responses[kind]
	if !ok {
		return
	}
	if err := handler(ctx, r.session, resp); err != nil {
		slog.Error("response handler failed", "kind", kind, "error", err)
	}
}

// HandleSync feeds a /sync response through the response table. Always
// returns true so syncing continues.
func (r *Router) HandleSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	r.HandleResponse(ctx, ResponseSync, resp)
	return true
}

// handleSyncResponse records the new sync cursor and accepts pending invites.
func handleSyncResponse(ctx context.Context, s Session, resp any) error {
	sync, ok := resp.(*mautrix.RespSync)
	if !ok {
		return fmt.Errorf("unexpected sync response type %T", resp)
	}
	for roomID := range sync.Rooms.Invite {
		slog.Info("accepting room invite", "room_id", roomID)
		if err := s.JoinRoom(ctx, roomID); err != nil {
			slog.Error("could not join room", "room_id", roomID, "error", err)
		}
	}
	s.AdvanceCursor(sync.NextBatch)
	return nil
}

// handleMessage splits traffic between commands and completion queries. The
// bot's own messages and non-text messages are ignored.
func (r *Router) handleMessage(ctx context.Context, s Session, evt *event.Event) error {
	if evt.Sender == s.UserID() {
		return nil
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return nil
	}

	body := strings.TrimSpace(content.Body)
	if !strings.HasPrefix(body, r.prefix) {
		return s.ProcessQuery(ctx, evt)
	}

	fields := strings.Fields(body)
	if len(fields) < 2 {
		return r.unknown(ctx, s, evt, nil)
	}
	name := strings.ToLower(fields[1])
	handler, ok := r.commands[name]
	if !ok {
		handler = r.unknown
	}
	slog.Info("handling command", "command", name, "room_id", evt.RoomID, "sender", evt.Sender)
	return handler(ctx, s, evt, fields[2:])
}

// handleMember accepts invites delivered as membership state events.
func handleMember(ctx context.Context, s Session, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content.Membership != event.MembershipInvite {
		return nil
	}
	if key := evt.GetStateKey(); key != s.UserID().String() {
		return nil
	}
	slog.Info("accepting room invite", "room_id", evt.RoomID, "inviter", evt.Sender)
	return s.JoinRoom(ctx, evt.RoomID)
}

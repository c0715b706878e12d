package dispatch

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
)

const helpText = `Available commands:

- help: show this message
- stats: token usage for this room
- systemmessage <message>: set the system message for this room (no argument shows the current one)
- newroom <name>: create a new room with the bot
- botinfo: show information about the bot account
- ignoreolder: ignore all messages before this point`

func cmdHelp(ctx context.Context, s Session, evt *event.Event, args []string) error {
	return s.Notice(ctx, evt.RoomID, helpText)
}

func cmdStats(ctx context.Context, s Session, evt *event.Event, args []string) error {
	tokens, replies, err := s.TokensUsed(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("load usage stats: %w", err)
	}
	return s.Notice(ctx, evt.RoomID, fmt.Sprintf("Tokens used in this room: %d across %d responses.", tokens, replies))
}

func cmdSystemMessage(ctx context.Context, s Session, evt *event.Event, args []string) error {
	if len(args) == 0 {
		current, err := s.SystemMessage(ctx, evt.RoomID)
		if err != nil {
			return fmt.Errorf("load system message: %w", err)
		}
		return s.Notice(ctx, evt.RoomID, "Current system message:\n\n"+current)
	}
	body := strings.Join(args, " ")
	if err := s.SetSystemMessage(ctx, evt.RoomID, body); err != nil {
		return fmt.Errorf("store system message: %w", err)
	}
	return s.Notice(ctx, evt.RoomID, "System message set to:\n\n"+body)
}

func cmdNewRoom(ctx context.Context, s Session, evt *event.Event, args []string) error {
	name := strings.Join(args, " ")
	roomID, err := s.CreateRoom(ctx, name, evt.Sender)
	if err != nil {
		if noticeErr := s.Notice(ctx, evt.RoomID, "Something went wrong. Please try again."); noticeErr != nil {
			return fmt.Errorf("create room: %w (and notice failed: %v)", err, noticeErr)
		}
		return fmt.Errorf("create room: %w", err)
	}
	return s.Notice(ctx, evt.RoomID, fmt.Sprintf("Created a new room: %s", roomID))
}

func cmdBotInfo(ctx context.Context, s Session, evt *event.Event, args []string) error {
	info, err := s.BotInfo(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("collect bot info: %w", err)
	}
	return s.Notice(ctx, evt.RoomID, info)
}

// cmdIgnoreOlder only confirms. The command message itself is the marker the
// history retriever stops at, so there is nothing to persist.
func cmdIgnoreOlder(ctx context.Context, s Session, evt *event.Event, args []string) error {
	return s.Notice(ctx, evt.RoomID, "Alright, messages before this point will not be processed.")
}

func cmdUnknown(ctx context.Context, s Session, evt *event.Event, args []string) error {
	return s.Notice(ctx, evt.RoomID, "Unknown command. Try `help` for a list of commands.")
}

// Package history retrieves recent room messages for prompt assembly:
// paginating backward from the sync cursor, decrypting what it can, and
// filtering out commands and everything behind the ignoreolder marker.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Source is the slice of the Matrix client the retriever needs.
type Source interface {
	// Messages returns up to limit events from the room, newest first,
	// paginating backward from the given cursor token.
	Messages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]*event.Event, error)
	// DecryptEvent decrypts a Megolm event. Failure only affects that event.
	DecryptEvent(ctx context.Context, evt *event.Event) (*event.Event, error)
}

// Retriever fetches and filters recent room history.
type Retriever struct {
	source Source
	cursor func() string

	ignoreMarker string
	skipPrefix   string
}

// New creates a retriever. cursor returns the current sync token, owned by
// the bot session. commandPrefix is the bot's command marker (e.g.
// "!matrixclaw"); any body starting with its first character is treated as a
// command and excluded from conversation history.
func New(source Source, cursor func() string, commandPrefix string) *Retriever {
	return &Retriever{
		source:       source,
		cursor:       cursor,
		ignoreMarker: commandPrefix + " ignoreolder",
		skipPrefix:   commandPrefix[:1],
	}
}

// FetchRecent returns up to n accepted messages in chronological order.
//
// It requests 2n raw events because a fraction will be filtered out or fail
// to decrypt. Decryption failures drop the single event; an error from the
// history request itself fails the whole call.
func (r *Retriever) FetchRecent(ctx context.Context, roomID id.RoomID, n int) ([]*event.Event, error) {
	from := r.cursor()
	slog.Debug("fetching room history", "room_id", roomID, "limit", 2*n, "from", from)

	events, err := r.source.Messages(ctx, roomID, from, 2*n)
	if err != nil {
		return nil, fmt.Errorf("fetch room history: %w", err)
	}

	var accepted []*event.Event
	for _, evt := range events {
		if len(accepted) >= n {
			break
		}
		if evt.Type == event.EventEncrypted {
			decrypted, err := r.source.DecryptEvent(ctx, evt)
			if err != nil {
				slog.Error("could not decrypt message", "event_id", evt.ID, "room_id", roomID, "error", err)
				continue
			}
			evt = decrypted
		}
		if evt.Type != event.EventMessage {
			continue
		}
		if evt.Content.Parsed == nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
		}
		content := evt.Content.AsMessage()
		if content.MsgType != event.MsgText {
			continue
		}
		if strings.HasPrefix(content.Body, r.ignoreMarker) {
			// Everything older is explicitly out of scope, even if we
			// haven't reached n yet.
			break
		}
		if strings.HasPrefix(content.Body, r.skipPrefix) {
			continue
		}
		accepted = append(accepted, evt)
	}

	slog.Debug("room history fetched", "room_id", roomID, "accepted", len(accepted), "limit", n)

	// The scan runs newest to oldest; callers want chronological order.
	slices.Reverse(accepted)
	return accepted, nil
}

// Package delivery sends outbound messages, encrypting them for rooms that
// have encryption enabled. Missing or expired Megolm sessions are established
// on demand, with concurrent sends for the same room sharing one key exchange.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Sender is the slice of the Matrix client the pipeline needs.
type Sender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
	IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
}

// Encryptor wraps the Megolm operations the pipeline uses. Satisfied by
// *crypto.OlmMachine.
type Encryptor interface {
	EncryptMegolmEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*event.EncryptedEventContent, error)
	ShareGroupSession(ctx context.Context, roomID id.RoomID, users []id.UserID) error
}

// Pipeline renders markdown replies and delivers them, encrypted where the
// room requires it. There is no plaintext fallback: if encryption fails the
// message is not sent.
type Pipeline struct {
	sender Sender
	enc    Encryptor
	share  singleflight.Group
}

// New creates a delivery pipeline.
func New(sender Sender, enc Encryptor) *Pipeline {
	return &Pipeline{sender: sender, enc: enc}
}

// SendMarkdown renders text as markdown and sends it as an m.text message.
func (p *Pipeline) SendMarkdown(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	content := format.RenderMarkdown(text, true, false)
	return p.send(ctx, roomID, &content)
}

// SendNotice renders text as markdown and sends it as an m.notice message,
// which other bots (and our own history retriever) ignore.
func (p *Pipeline) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgNotice
	return p.send(ctx, roomID, &content)
}

func (p *Pipeline) send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	encrypted, err := p.sender.IsEncrypted(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("check room encryption state: %w", err)
	}
	if !encrypted {
		return p.sendRaw(ctx, roomID, event.EventMessage, content)
	}

	payload, err := p.encrypt(ctx, roomID, content)
	if err != nil {
		return "", err
	}
	return p.sendRaw(ctx, roomID, event.EventEncrypted, payload)
}

// encrypt produces the Megolm payload for content, establishing a group
// session for the room if none is usable yet.
func (p *Pipeline) encrypt(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (*event.EncryptedEventContent, error) {
	payload, err := p.enc.EncryptMegolmEvent(ctx, roomID, event.EventMessage, content)
	if err == nil {
		return payload, nil
	}
	if !needsNewSession(err) {
		return nil, fmt.Errorf("encrypt message for %s: %w", roomID, err)
	}

	slog.Debug("no usable group session, establishing one", "room_id", roomID)
	if err := p.establishSession(ctx, roomID); err != nil {
		return nil, fmt.Errorf("share group session for %s: %w", roomID, err)
	}

	payload, err = p.enc.EncryptMegolmEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return nil, fmt.Errorf("encrypt message for %s after key share: %w", roomID, err)
	}
	return payload, nil
}

// establishSession shares a fresh group session with the room's current
// members. Concurrent callers for the same room coalesce into one share.
func (p *Pipeline) establishSession(ctx context.Context, roomID id.RoomID) error {
	_, err, _ := p.share.Do(roomID.String(), func() (any, error) {
		members, err := p.sender.JoinedMembers(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("fetch joined members: %w", err)
		}
		users := make([]id.UserID, 0, len(members.Joined))
		for userID := range members.Joined {
			users = append(users, userID)
		}
		return nil, p.enc.ShareGroupSession(ctx, roomID, users)
	})
	return err
}

func (p *Pipeline) sendRaw(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error) {
	resp, err := p.sender.SendMessageEvent(ctx, roomID, evtType, content, mautrix.ReqSendEvent{
		TransactionID: "matrixclaw-" + uuid.NewString(),
		// The payload is already encrypted where needed; the client must not
		// run it through its own crypto hooks again.
		DontEncrypt: true,
	})
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", evtType.Type, roomID, err)
	}
	return resp.EventID, nil
}

func needsNewSession(err error) bool {
	return errors.Is(err, crypto.NoGroupSession) ||
		errors.Is(err, crypto.SessionExpired) ||
		errors.Is(err, crypto.SessionNotShared)
}

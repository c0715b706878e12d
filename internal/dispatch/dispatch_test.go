package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testRoom = id.RoomID("!room:example.com")
	botUser  = id.UserID("@bot:example.com")
	alice    = id.UserID("@alice:example.com")
)

type fakeSession struct {
	notices []string
	queries []*event.Event
	joined  []id.RoomID
	cursor  string

	sysmsg    map[id.RoomID]string
	created   []string
	invited   []id.UserID
	createErr error

	tokens  int64
	replies int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{sysmsg: make(map[id.RoomID]string)}
}

func (f *fakeSession) UserID() id.UserID { return botUser }

func (f *fakeSession) Reply(ctx context.Context, roomID id.RoomID, text string) error { return nil }

func (f *fakeSession) Notice(ctx context.Context, roomID id.RoomID, text string) error {
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeSession) ProcessQuery(ctx context.Context, evt *event.Event) error {
	f.queries = append(f.queries, evt)
	return nil
}

func (f *fakeSession) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeSession) CreateRoom(ctx context.Context, name string, invite id.UserID) (id.RoomID, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	f.invited = append(f.invited, invite)
	return id.RoomID("!new:example.com"), nil
}

func (f *fakeSession) AdvanceCursor(token string) { f.cursor = token }

func (f *fakeSession) TokensUsed(ctx context.Context, roomID id.RoomID) (int64, int64, error) {
	return f.tokens, f.replies, nil
}

func (f *fakeSession) SetSystemMessage(ctx context.Context, roomID id.RoomID, body string) error {
	f.sysmsg[roomID] = body
	return nil
}

func (f *fakeSession) SystemMessage(ctx context.Context, roomID id.RoomID) (string, error) {
	return f.sysmsg[roomID], nil
}

func (f *fakeSession) BotInfo(ctx context.Context, roomID id.RoomID) (string, error) {
	return "Bot user ID: " + botUser.String(), nil
}

func textEvent(sender id.UserID, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID("$evt"),
		RoomID: testRoom,
		Sender: sender,
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func memberEvent(target string, membership event.Membership) *event.Event {
	stateKey := target
	return &event.Event{
		RoomID:   testRoom,
		Sender:   alice,
		Type:     event.StateMember,
		StateKey: &stateKey,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func TestPlainMessageBecomesQuery(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	evt := textEvent(alice, "what's the weather like?")
	r.HandleEvent(context.Background(), evt)

	if len(s.queries) != 1 || s.queries[0] != evt {
		t.Fatalf("expected one query, got %d", len(s.queries))
	}
}

func TestOwnMessagesIgnored(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(botUser, "my own reply"))

	if len(s.queries) != 0 || len(s.notices) != 0 {
		t.Fatal("bot's own message must not be processed")
	}
}

func TestNonTextMessagesIgnored(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	evt := textEvent(alice, "photo.jpg")
	evt.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgImage
	r.HandleEvent(context.Background(), evt)

	if len(s.queries) != 0 {
		t.Fatal("image message must not become a query")
	}
}

func TestStatsCommand(t *testing.T) {
	s := newFakeSession()
	s.tokens, s.replies = 1234, 5
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw stats"))

	if len(s.queries) != 0 {
		t.Fatal("command must not become a query")
	}
	if len(s.notices) != 1 || !strings.Contains(s.notices[0], "1234") {
		t.Fatalf("notices = %v", s.notices)
	}
}

func TestSystemMessageSetAndShow(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw systemmessage Reply only in French."))
	if s.sysmsg[testRoom] != "Reply only in French." {
		t.Fatalf("stored system message = %q", s.sysmsg[testRoom])
	}

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw systemmessage"))
	last := s.notices[len(s.notices)-1]
	if !strings.Contains(last, "Reply only in French.") {
		t.Errorf("show notice = %q", last)
	}
}

func TestNewRoomCommand(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw newroom Project Chat"))

	if len(s.created) != 1 || s.created[0] != "Project Chat" {
		t.Fatalf("created = %v", s.created)
	}
	if len(s.invited) != 1 || s.invited[0] != alice {
		t.Errorf("invited = %v, want the command sender", s.invited)
	}
	if !strings.Contains(s.notices[0], "!new:example.com") {
		t.Errorf("notice = %q", s.notices[0])
	}
}

func TestNewRoomFailureNotifies(t *testing.T) {
	s := newFakeSession()
	s.createErr = errors.New("M_LIMIT_EXCEEDED")
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw newroom"))

	if len(s.notices) != 1 || !strings.Contains(s.notices[0], "Something went wrong") {
		t.Fatalf("notices = %v", s.notices)
	}
}

func TestIgnoreOlderConfirms(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw ignoreolder"))

	if len(s.notices) != 1 || !strings.Contains(s.notices[0], "will not be processed") {
		t.Fatalf("notices = %v", s.notices)
	}
	if len(s.queries) != 0 {
		t.Fatal("marker must not become a query")
	}
}

func TestUnknownCommand(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw frobnicate"))
	r.HandleEvent(context.Background(), textEvent(alice, "!matrixclaw"))

	if len(s.notices) != 2 {
		t.Fatalf("notices = %v", s.notices)
	}
	for _, n := range s.notices {
		if !strings.Contains(n, "Unknown command") {
			t.Errorf("notice = %q", n)
		}
	}
}

func TestInviteAccepted(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), memberEvent(botUser.String(), event.MembershipInvite))

	if len(s.joined) != 1 || s.joined[0] != testRoom {
		t.Fatalf("joined = %v", s.joined)
	}
}

func TestInviteForOtherUserIgnored(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	r.HandleEvent(context.Background(), memberEvent(alice.String(), event.MembershipInvite))
	r.HandleEvent(context.Background(), memberEvent(botUser.String(), event.MembershipJoin))

	if len(s.joined) != 0 {
		t.Fatalf("joined = %v", s.joined)
	}
}

func TestHandleSyncAdvancesCursorAndJoinsInvites(t *testing.T) {
	s := newFakeSession()
	r := NewRouter(s, "!matrixclaw")

	resp := &mautrix.RespSync{NextBatch: "s_42"}
	resp.Rooms.Invite = map[id.RoomID]*mautrix.SyncInvitedRoom{
		id.RoomID("!invited:example.com"): {},
	}
	if !r.HandleSync(context.Background(), resp, "s_41") {
		t.Fatal("HandleSync must keep the sync loop running")
	}
	if s.cursor != "s_42" {
		t.Errorf("cursor = %q", s.cursor)
	}
	if len(s.joined) != 1 || s.joined[0] != id.RoomID("!invited:example.com") {
		t.Errorf("joined = %v", s.joined)
	}
}

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/matrixclaw/internal/budget"
	"github.com/user/matrixclaw/internal/config"
	"github.com/user/matrixclaw/internal/delivery"
	"github.com/user/matrixclaw/internal/dispatch"
	"github.com/user/matrixclaw/internal/history"
	"github.com/user/matrixclaw/internal/prompt"
	"github.com/user/matrixclaw/internal/store"
	"github.com/user/matrixclaw/pkg/llm"
	"github.com/user/matrixclaw/pkg/llm/openai"
)

// New builds a fully wired session: Matrix client, crypto state, usage store,
// prompt assembler, delivery pipeline, and completion provider. The access
// token is verified against the homeserver before anything else touches it.
func New(ctx context.Context, cfg *config.Config) (*Session, error) {
	if cfg.Matrix.Homeserver == "" || cfg.Matrix.AccessToken == "" {
		return nil, fmt.Errorf("matrix homeserver and access token must be configured")
	}

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	client.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(clientLogLevel(cfg.LogLevel))

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	client.UserID = whoami.UserID
	client.DeviceID = whoami.DeviceID
	slog.Info("authenticated", "user_id", client.UserID, "device_id", client.DeviceID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	helper, err := cryptohelper.NewCryptoHelper(client, []byte(cfg.Matrix.PickleKey), filepath.Join(cfg.DataDir, "crypto.db"))
	if err != nil {
		return nil, fmt.Errorf("create crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize crypto: %w", err)
	}
	client.Crypto = helper

	machine := helper.Machine()
	configureMachineTrust(machine)

	db, err := store.Open(filepath.Join(cfg.DataDir, "matrixclaw.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	truncator, err := budget.NewTruncator(cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	s := &Session{
		userID:          client.UserID,
		deviceID:        client.DeviceID,
		model:           cfg.LLM.Model,
		defaultRoomName: cfg.Bot.DefaultRoomName,
		client:          client,
		crypto:          helper,
		db:              db,
		store:           db,
		rooms:           client,
		provider:        openai.New(&llm.Config{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature}),
		commandPrefix:   cfg.Bot.CommandPrefix,
		syncTimeoutMS:   cfg.Matrix.SyncTimeoutMS,
	}

	retriever := history.New(&historySource{client: client, helper: helper}, s.cursor, cfg.Bot.CommandPrefix)
	s.prompts = prompt.New(retriever, db, truncator, prompt.Config{
		BotUserID:            client.UserID,
		DefaultSystemMessage: cfg.Bot.SystemMessage,
		ForceDefault:         cfg.Bot.ForceSystemMessage,
		MaxTokens:            cfg.LLM.MaxTokens,
		MaxMessages:          cfg.LLM.MaxMessages,
	})
	s.out = delivery.New(&senderClient{client}, machine)
	return s, nil
}

// Run drives the sync loop until ctx is cancelled.
//
// An explicit initial sync runs before any handlers are registered: its
// response still goes through the syncer so the crypto layer sees to-device
// key material, but the backlog never reaches the router. Only messages
// arriving after startup are answered.
func (s *Session) Run(ctx context.Context) error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type %T", s.client.Syncer)
	}
	syncer.OnEvent(s.client.StateStoreSyncHandler)

	since, err := s.client.Store.LoadNextBatch(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("load sync token: %w", err)
	}
	slog.Info("running initial sync", "since", since)
	resp, err := s.client.SyncRequest(ctx, s.syncTimeoutMS, since, "", since == "", event.PresenceOnline)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	if err := syncer.ProcessResponse(ctx, resp, since); err != nil {
		return fmt.Errorf("process initial sync: %w", err)
	}
	for roomID := range resp.Rooms.Invite {
		slog.Info("accepting room invite from initial sync", "room_id", roomID)
		if err := s.JoinRoom(ctx, roomID); err != nil {
			slog.Error("could not join room", "room_id", roomID, "error", err)
		}
	}
	if err := s.client.Store.SaveNextBatch(ctx, s.userID, resp.NextBatch); err != nil {
		return fmt.Errorf("save sync token: %w", err)
	}
	s.AdvanceCursor(resp.NextBatch)

	router := dispatch.NewRouter(s, s.commandPrefix)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		router.HandleEvent(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		router.HandleEvent(ctx, evt)
	})
	syncer.OnSync(router.HandleSync)

	slog.Info("sync loop starting", "user_id", s.userID)
	for ctx.Err() == nil {
		err := s.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			slog.Error("sync failed, retrying", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}

	// One last short sync before shutdown so the cursor lands past anything
	// already delivered. Best effort only.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if resp, err := s.client.SyncRequest(shutdownCtx, 0, s.syncToken, "", false, event.PresenceOffline); err != nil {
		slog.Warn("final sync failed", "error", err)
	} else if err := s.client.Store.SaveNextBatch(shutdownCtx, s.userID, resp.NextBatch); err != nil {
		slog.Warn("could not save final sync token", "error", err)
	}
	slog.Info("sync loop stopped")
	return nil
}

// Close releases the crypto store and the database.
func (s *Session) Close() error {
	var firstErr error
	if s.crypto != nil {
		if err := s.crypto.Close(); err != nil {
			firstErr = fmt.Errorf("close crypto store: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database: %w", err)
		}
	}
	return firstErr
}

// configureMachineTrust sets the minimum device trust for outbound keys. The
// bot has no verification flow, so keys go to any non-blacklisted device in
// the room, both when sending and when answering key requests.
func configureMachineTrust(machine *crypto.OlmMachine) {
	machine.SendKeysMinTrust = id.TrustStateUnset
	machine.ShareKeysMinTrust = id.TrustStateUnset
}

func clientLogLevel(level string) zerolog.Level {
	if level == "debug" {
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

// senderClient adapts *mautrix.Client to the delivery pipeline, adding the
// state-store encryption check.
type senderClient struct {
	*mautrix.Client
}

func (c *senderClient) IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error) {
	return c.StateStore.IsEncrypted(ctx, roomID)
}

// historySource adapts the client and crypto helper to the history retriever.
type historySource struct {
	client *mautrix.Client
	helper *cryptohelper.CryptoHelper
}

func (h *historySource) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]*event.Event, error) {
	resp, err := h.client.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, err
	}
	return resp.Chunk, nil
}

func (h *historySource) DecryptEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	return h.helper.Decrypt(ctx, evt)
}

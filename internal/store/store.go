// Package store provides the bot's relational bookkeeping: per-reply token
// usage and per-room system-message overrides. Both tables are append-only;
// readers always take the most recent row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// migrations is the ordered list of schema versions. The index into this
// slice plus one is the schema version recorded in PRAGMA user_version, so
// entries must only ever be appended.
var migrations = []string{
	`CREATE TABLE token_usage (
		message_id TEXT NOT NULL,
		room_id    TEXT NOT NULL,
		tokens     INTEGER NOT NULL,
		timestamp  TIMESTAMP NOT NULL
	);
	CREATE INDEX idx_token_usage_room ON token_usage(room_id);`,

	`CREATE TABLE system_messages (
		room_id   TEXT NOT NULL,
		body      TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX idx_system_messages_room ON system_messages(room_id, timestamp);`,
}

// Store wraps the bot's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and brings the schema up to
// date. WAL mode is enabled so reads don't block the single writer.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies any pending schema migrations and logs the version change.
func (s *Store) Migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
	}

	before := version
	for ; version < len(migrations); version++ {
		if _, err := s.db.ExecContext(ctx, migrations[version]); err != nil {
			return fmt.Errorf("apply migration %d: %w", version+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version+1, err)
		}
	}

	if before != version {
		slog.Info("database migrated", "from", before, "to", version)
	} else {
		slog.Debug("database schema up to date", "version", version)
	}
	return nil
}

// RecordUsage appends a token-usage record for a sent reply.
func (s *Store) RecordUsage(ctx context.Context, messageID, roomID string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO token_usage (message_id, room_id, tokens, timestamp) VALUES (?, ?, ?, ?)",
		messageID, roomID, tokens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

// TokensUsed returns the total recorded token usage for a room and the
// number of replies it covers.
func (s *Store) TokensUsed(ctx context.Context, roomID string) (tokens int64, replies int64, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(tokens), 0), COUNT(*) FROM token_usage WHERE room_id = ?",
		roomID).Scan(&tokens, &replies)
	if err != nil {
		return 0, 0, fmt.Errorf("sum token usage: %w", err)
	}
	return tokens, replies, nil
}

// SetSystemMessage appends a system-message override for a room. Overrides
// are never updated in place; the latest row wins.
func (s *Store) SetSystemMessage(ctx context.Context, roomID, body string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO system_messages (room_id, body, timestamp) VALUES (?, ?, ?)",
		roomID, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set system message: %w", err)
	}
	return nil
}

// LatestSystemMessage returns the most recent system-message override for a
// room. ok is false when the room has no override.
func (s *Store) LatestSystemMessage(ctx context.Context, roomID string) (body string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT body FROM system_messages WHERE room_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT 1",
		roomID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load system message: %w", err)
	}
	return body, true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

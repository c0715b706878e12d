package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "matrixclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	// A second run must be a no-op, not a duplicate-table error.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordAndSumUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordUsage(ctx, "$ev1", "!room:example.com", 120); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(ctx, "$ev2", "!room:example.com", 80); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(ctx, "$ev3", "!other:example.com", 999); err != nil {
		t.Fatal(err)
	}

	tokens, replies, err := s.TokensUsed(ctx, "!room:example.com")
	if err != nil {
		t.Fatal(err)
	}
	if tokens != 200 {
		t.Errorf("tokens = %d, want 200", tokens)
	}
	if replies != 2 {
		t.Errorf("replies = %d, want 2", replies)
	}

	tokens, replies, err = s.TokensUsed(ctx, "!empty:example.com")
	if err != nil {
		t.Fatal(err)
	}
	if tokens != 0 || replies != 0 {
		t.Errorf("expected zero usage for unknown room, got %d/%d", tokens, replies)
	}
}

func TestSystemMessageLatestWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestSystemMessage(ctx, "!room:example.com")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no override for fresh room")
	}

	if err := s.SetSystemMessage(ctx, "!room:example.com", "Reply only in German."); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSystemMessage(ctx, "!room:example.com", "Reply only in French."); err != nil {
		t.Fatal(err)
	}

	body, ok, err := s.LatestSystemMessage(ctx, "!room:example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an override")
	}
	if body != "Reply only in French." {
		t.Errorf("body = %q, want latest override", body)
	}
}

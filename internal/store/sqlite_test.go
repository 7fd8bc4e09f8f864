// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers store creation, users, AI personas and message ordering/limiting

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.CreateUser(ctx, &User{ID: "u1", Username: "alice", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	got, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername failed: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, "u1")
	}
}

func TestCreateAndGetUser(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	user := &User{Username: "alice", PasswordHash: "hash"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	byID, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if byID.Username != "alice" || byID.PasswordHash != "hash" {
		t.Errorf("unexpected user: %+v", byID)
	}

	if err := store.CreateUser(ctx, &User{Username: "alice", PasswordHash: "other"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for taken username, got %v", err)
	}

	if _, err := store.GetUserByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetUserByUsername(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndListAIs(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	age := 29
	nova := &AI{Name: "Nova", Age: &age, Details: "likes astronomy"}
	if err := store.CreateAI(ctx, nova); err != nil {
		t.Fatalf("CreateAI failed: %v", err)
	}
	if err := store.CreateAI(ctx, &AI{Name: "Atlas", Personality: "dry"}); err != nil {
		t.Fatalf("CreateAI failed: %v", err)
	}

	got, err := store.GetAIByID(ctx, nova.ID)
	if err != nil {
		t.Fatalf("GetAIByID failed: %v", err)
	}
	if got.Personality != DefaultPersonality {
		t.Errorf("Personality: got %q, want %q", got.Personality, DefaultPersonality)
	}
	if got.Age == nil || *got.Age != 29 {
		t.Errorf("Age: got %v, want 29", got.Age)
	}

	ais, err := store.ListAIs(ctx)
	if err != nil {
		t.Fatalf("ListAIs failed: %v", err)
	}
	if len(ais) != 2 {
		t.Fatalf("expected 2 AIs, got %d", len(ais))
	}
	if ais[0].Name != "Atlas" || ais[0].Age != nil {
		t.Errorf("expected Atlas without age first, got %+v", ais[0])
	}

	if _, err := store.GetAIByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessages_Limit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%02d", i),
			ConversationID: "conv-1",
			Sender:         "alice",
			Content:        fmt.Sprintf("message %d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	messages, err := store.ListMessages(ctx, "conv-1", 3)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	// Most recent three, oldest first
	for i, want := range []string{"msg-07", "msg-08", "msg-09"} {
		if messages[i].ID != want {
			t.Errorf("message %d: got %q, want %q", i, messages[i].ID, want)
		}
	}

	if err := store.SaveMessage(ctx, &Message{ID: "msg-00", ConversationID: "conv-1", Sender: "a", Content: "b"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", ApplySchema)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGroup(ctx, "g1", []string{"u1", "u2"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	_, err := s.CreateGroup(ctx, "g1", nil)
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists on duplicate, got %v", err)
	}

	group, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if len(group.Members) != 2 || !group.IsMember("u1") || !group.IsMember("u2") {
		t.Errorf("unexpected members: %v", group.Members)
	}
	if len(group.ConnectedUsers) != 0 {
		t.Errorf("expected no connected users, got %v", group.ConnectedUsers)
	}
	if len(group.Messages) != 0 {
		t.Errorf("expected empty log, got %d messages", len(group.Messages))
	}

	if _, err := s.GetGroup(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetUserConnected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGroup(ctx, "g1", []string{"u1"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if err := s.SetUserConnected(ctx, "g1", "u1", true); err != nil {
		t.Fatalf("SetUserConnected failed: %v", err)
	}
	group, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if !group.IsConnected("u1") {
		t.Errorf("expected u1 connected, got %v", group.ConnectedUsers)
	}

	if err := s.SetUserConnected(ctx, "g1", "u9", true); !errors.Is(err, store.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if err := s.SetUserConnected(ctx, "nope", "u1", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.AddMember(ctx, "g1", "u2"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := s.SetUserConnected(ctx, "g1", "u1", false); err != nil {
		t.Fatalf("SetUserConnected failed: %v", err)
	}
	group, err = s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if group.IsConnected("u1") || !group.IsMember("u2") {
		t.Errorf("unexpected group state: %+v", group)
	}
}

func TestAppendMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGroup(ctx, "g1", []string{"u1"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC)
	messages, err := s.AppendMessage(ctx, "g1", store.MessageEntry{UserID: "u1", Text: "hi", Timestamp: at})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].UserID != "u1" || messages[0].Text != "hi" || !messages[0].Timestamp.Equal(at) {
		t.Errorf("unexpected entry: %+v", messages[0])
	}

	messages, err = s.AppendMessage(ctx, "g1", store.MessageEntry{UserID: "u1", Text: "again", Timestamp: at.Add(time.Second)})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if len(messages) != 2 || messages[1].Text != "again" {
		t.Errorf("expected log order preserved, got %+v", messages)
	}

	// Appending must never create a group.
	_, err = s.AppendMessage(ctx, "ghost", store.MessageEntry{UserID: "u1", Text: "x", Timestamp: at})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetGroup(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("append created a group: %v", err)
	}
}

func TestAppendMessageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGroup(ctx, "g1", []string{"u1"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, "g1", store.MessageEntry{
				UserID:    "u1",
				Text:      fmt.Sprintf("msg-%d", i),
				Timestamp: time.Now().UTC(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	group, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if len(group.Messages) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(group.Messages))
	}
	seen := make(map[string]bool)
	for _, msg := range group.Messages {
		seen[msg.Text] = true
	}
	if len(seen) != writers {
		t.Errorf("lost updates: only %d distinct messages", len(seen))
	}
}

func TestConnectionRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conns := []*store.Connection{
		{ID: "c1", GroupID: "g1", UserID: "u1", NodeID: "node-a", ConnectedAt: now},
		{ID: "c2", GroupID: "g1", UserID: "u2", ConnectedAt: now.Add(time.Millisecond)},
		{ID: "c3", GroupID: "g2", UserID: "u3", ConnectedAt: now},
	}
	for _, c := range conns {
		if err := s.PutConnection(ctx, c); err != nil {
			t.Fatalf("PutConnection failed: %v", err)
		}
	}

	got, err := s.ListConnectionsByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListConnectionsByGroup failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected connections: %+v", got)
	}
	if got[0].NodeID != "node-a" || got[1].NodeID != "" {
		t.Fatalf("node ids not preserved: %q %q", got[0].NodeID, got[1].NodeID)
	}

	// Re-subscribing moves the connection to another group.
	if err := s.PutConnection(ctx, &store.Connection{ID: "c2", GroupID: "g2", UserID: "u2", ConnectedAt: now}); err != nil {
		t.Fatalf("PutConnection failed: %v", err)
	}
	got, err = s.ListConnectionsByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListConnectionsByGroup failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected only c1 in g1, got %+v", got)
	}

	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConnection failed: %v", err)
	}
	// Idempotent delete.
	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("second DeleteConnection failed: %v", err)
	}
	got, err = s.ListConnectionsByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListConnectionsByGroup failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no connections, got %+v", got)
	}
}

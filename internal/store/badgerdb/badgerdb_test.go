package badgerdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_Create_Group_And_Presence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateGroup(ctx, "g1", []string{"u1", "u2", "u1"})
	req.NoError(err)

	_, err = s.CreateGroup(ctx, "g1", nil)
	req.ErrorIs(err, store.ErrExists)

	req.NoError(s.SetUserConnected(ctx, "g1", "u1", true))
	req.NoError(s.SetUserConnected(ctx, "g1", "u1", true))
	req.ErrorIs(s.SetUserConnected(ctx, "g1", "u3", true), store.ErrNotMember)
	req.ErrorIs(s.SetUserConnected(ctx, "g9", "u1", true), store.ErrNotFound)

	group, err := s.GetGroup(ctx, "g1")
	req.NoError(err)
	req.Equal([]string{"u1", "u2"}, group.Members)
	req.Equal([]string{"u1"}, group.ConnectedUsers)

	req.NoError(s.SetUserConnected(ctx, "g1", "u1", false))
	req.NoError(s.AddMember(ctx, "g1", "u3"))
	group, err = s.GetGroup(ctx, "g1")
	req.NoError(err)
	req.Empty(group.ConnectedUsers)
	req.True(group.IsMember("u3"))

	_, err = s.GetGroup(ctx, "missing")
	req.ErrorIs(err, store.ErrNotFound)
}

func Test_Append_Message_Never_Creates_Group(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendMessage(ctx, "ghost", store.MessageEntry{UserID: "u1", Text: "x", Timestamp: time.Now()})
	req.ErrorIs(err, store.ErrNotFound)

	_, err = s.GetGroup(ctx, "ghost")
	req.ErrorIs(err, store.ErrNotFound)
}

func Test_Append_Message_Concurrent_No_Lost_Updates(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateGroup(ctx, "g1", []string{"u1"})
	req.NoError(err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.AppendMessage(ctx, "g1", store.MessageEntry{
				UserID:    "u1",
				Text:      fmt.Sprintf("msg-%d", i),
				Timestamp: time.Now(),
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		req.NoError(err)
	}

	group, err := s.GetGroup(ctx, "g1")
	req.NoError(err)
	req.Len(group.Messages, writers)

	messages, err := s.AppendMessage(ctx, "g1", store.MessageEntry{UserID: "u1", Text: "last", Timestamp: time.Now()})
	req.NoError(err)
	req.Len(messages, writers+1)
	req.Equal("last", messages[writers].Text)
}

func Test_Connection_Registry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	req.NoError(s.PutConnection(ctx, &store.Connection{ID: "c1", GroupID: "g1", UserID: "u1", NodeID: "node-a", ConnectedAt: now}))
	req.NoError(s.PutConnection(ctx, &store.Connection{ID: "c2", GroupID: "g1", UserID: "u2", ConnectedAt: now.Add(time.Second)}))
	req.NoError(s.PutConnection(ctx, &store.Connection{ID: "c3", GroupID: "g10", UserID: "u3", ConnectedAt: now}))

	conns, err := s.ListConnectionsByGroup(ctx, "g1")
	req.NoError(err)
	req.Len(conns, 2)
	req.Equal("c1", conns[0].ID)
	req.Equal("node-a", conns[0].NodeID)
	req.Equal("c2", conns[1].ID)
	req.Empty(conns[1].NodeID)

	// Moving c2 to g10 drops it from the g1 index.
	req.NoError(s.PutConnection(ctx, &store.Connection{ID: "c2", GroupID: "g10", UserID: "u2", ConnectedAt: now}))
	conns, err = s.ListConnectionsByGroup(ctx, "g1")
	req.NoError(err)
	req.Len(conns, 1)

	req.NoError(s.DeleteConnection(ctx, "c1"))
	req.NoError(s.DeleteConnection(ctx, "c1"))
	conns, err = s.ListConnectionsByGroup(ctx, "g1")
	req.NoError(err)
	req.Empty(conns)

	conns, err = s.ListConnectionsByGroup(ctx, "g10")
	req.NoError(err)
	req.Len(conns, 2)
}

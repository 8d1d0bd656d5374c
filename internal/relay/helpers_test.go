package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// memStore is an in-memory group store and connection registry.
type memStore struct {
	mu     sync.Mutex
	groups map[string]*store.Group
	conns  map[string]*store.Connection

	getErr    error
	appendErr error
	listErr   error
	deleteErr error

	appendCalls int
	deleted     []string
}

func newMemStore() *memStore {
	return &memStore{
		groups: make(map[string]*store.Group),
		conns:  make(map[string]*store.Connection),
	}
}

func (m *memStore) addGroup(id string, members, connected []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = &store.Group{ID: id, Members: members, ConnectedUsers: connected}
}

func (m *memStore) addConn(id, groupID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = &store.Connection{ID: id, GroupID: groupID, UserID: userID}
}

func (m *memStore) addNodeConn(id, groupID, userID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = &store.Connection{ID: id, GroupID: groupID, UserID: userID, NodeID: nodeID}
}

func (m *memStore) hasConn(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	return ok
}

func (m *memStore) messages(groupID string) []store.MessageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil
	}
	return append([]store.MessageEntry(nil), g.Messages...)
}

func (m *memStore) GetGroup(_ context.Context, id string) (*store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	g, ok := m.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	cp.Messages = append([]store.MessageEntry(nil), g.Messages...)
	return &cp, nil
}

func (m *memStore) AppendMessage(_ context.Context, groupID string, entry store.MessageEntry) ([]store.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	g, ok := m.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	g.Messages = append(g.Messages, entry)
	return append([]store.MessageEntry(nil), g.Messages...), nil
}

func (m *memStore) ListConnectionsByGroup(_ context.Context, groupID string) ([]*store.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	conns := lo.Filter(lo.Values(m.conns), func(c *store.Connection, _ int) bool {
		return c.GroupID == groupID
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

func (m *memStore) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	delete(m.conns, id)
	return nil
}

// Package badgerdb implements store.Store on top of an embedded BadgerDB.
//
// Keys:
//
//	group:{id}                 JSON groupRecord (members, presence, full log)
//	conn:{id}                  JSON connectionRecord
//	gconn:{groupID}:{connID}   empty value, index for ListConnectionsByGroup
//
// Appends run in optimistic transactions; a badger.ErrConflict means another
// append committed first and the transaction is re-run against the new state.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

const maxConflictRetries = 32

// BadgerStore implements store.Store for BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

type groupRecord struct {
	Members        []string      `json:"members"`
	ConnectedUsers []string      `json:"connectedUsers"`
	Messages       []entryRecord `json:"messages"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type entryRecord struct {
	UserID    string    `json:"userId"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type connectionRecord struct {
	GroupID     string    `json:"groupId"`
	UserID      string    `json:"userId"`
	NodeID      string    `json:"nodeId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// New opens a BadgerDB at path. An empty path opens an in-memory database.
func New(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func groupKey(id string) []byte { return []byte("group:" + id) }

func connKey(id string) []byte { return []byte("conn:" + id) }

func groupConnPrefix(groupID string) []byte { return []byte("gconn:" + groupID + ":") }

func groupConnKey(groupID, connID string) []byte {
	return append(groupConnPrefix(groupID), connID...)
}

// ==== GroupStore implementation ====

// CreateGroup creates a group with the given members.
func (s *BadgerStore) CreateGroup(ctx context.Context, id string, members []string) (*store.Group, error) {
	rec := groupRecord{
		Members:   lo.Uniq(members),
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(groupKey(id)); err == nil {
			return fmt.Errorf("group %s: %w", id, store.ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get group: %w", err)
		}
		return putJSON(txn, groupKey(id), rec)
	})
	if err != nil {
		return nil, err
	}
	return toGroup(id, rec), nil
}

// GetGroup retrieves a group.
func (s *BadgerStore) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	var rec groupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getGroup(txn, id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return toGroup(id, rec), nil
}

// AddMember adds a user to a group.
func (s *BadgerStore) AddMember(ctx context.Context, groupID, userID string) error {
	return s.updateGroup(groupID, func(rec *groupRecord) error {
		if !lo.Contains(rec.Members, userID) {
			rec.Members = append(rec.Members, userID)
		}
		return nil
	})
}

// SetUserConnected adds or removes a member from the connected users.
func (s *BadgerStore) SetUserConnected(ctx context.Context, groupID, userID string, connected bool) error {
	return s.updateGroup(groupID, func(rec *groupRecord) error {
		if !lo.Contains(rec.Members, userID) {
			return fmt.Errorf("user %s in group %s: %w", userID, groupID, store.ErrNotMember)
		}
		if connected {
			if !lo.Contains(rec.ConnectedUsers, userID) {
				rec.ConnectedUsers = append(rec.ConnectedUsers, userID)
			}
			return nil
		}
		rec.ConnectedUsers = lo.Without(rec.ConnectedUsers, userID)
		return nil
	})
}

// AppendMessage appends entry to the group's log and returns the committed log.
func (s *BadgerStore) AppendMessage(ctx context.Context, groupID string, entry store.MessageEntry) ([]store.MessageEntry, error) {
	var messages []entryRecord
	err := s.updateGroup(groupID, func(rec *groupRecord) error {
		rec.Messages = append(rec.Messages, entryRecord{
			UserID:    entry.UserID,
			Text:      entry.Text,
			Timestamp: entry.Timestamp.UTC(),
		})
		messages = rec.Messages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toEntries(messages), nil
}

// updateGroup runs a read-modify-write of a group record, re-running on conflicts.
func (s *BadgerStore) updateGroup(groupID string, mutate func(rec *groupRecord) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(func(txn *badger.Txn) error {
			var rec groupRecord
			if err := getGroup(txn, groupID, &rec); err != nil {
				return err
			}
			if err := mutate(&rec); err != nil {
				return err
			}
			return putJSON(txn, groupKey(groupID), rec)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("update group %s: %w", groupID, err)
}

func getGroup(txn *badger.Txn, id string, rec *groupRecord) error {
	item, err := txn.Get(groupKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("group %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("get group: %w", err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, rec); err != nil {
			return fmt.Errorf("decode group: %w", err)
		}
		return nil
	})
}

// ==== ConnectionStore implementation ====

// PutConnection inserts or replaces a registry entry, moving its index when the group changes.
func (s *BadgerStore) PutConnection(ctx context.Context, conn *store.Connection) error {
	return s.retryConflicts(func(txn *badger.Txn) error {
		var prev connectionRecord
		found, err := getConnection(txn, conn.ID, &prev)
		if err != nil {
			return err
		}
		if found && prev.GroupID != conn.GroupID {
			if err := txn.Delete(groupConnKey(prev.GroupID, conn.ID)); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
		}
		rec := connectionRecord{
			GroupID:     conn.GroupID,
			UserID:      conn.UserID,
			NodeID:      conn.NodeID,
			ConnectedAt: conn.ConnectedAt.UTC(),
		}
		if err := putJSON(txn, connKey(conn.ID), rec); err != nil {
			return err
		}
		if err := txn.Set(groupConnKey(conn.GroupID, conn.ID), nil); err != nil {
			return fmt.Errorf("set index: %w", err)
		}
		return nil
	})
}

// DeleteConnection removes a registry entry and its index.
func (s *BadgerStore) DeleteConnection(ctx context.Context, id string) error {
	return s.retryConflicts(func(txn *badger.Txn) error {
		var rec connectionRecord
		found, err := getConnection(txn, id, &rec)
		if err != nil || !found {
			return err
		}
		if err := txn.Delete(connKey(id)); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		if err := txn.Delete(groupConnKey(rec.GroupID, id)); err != nil {
			return fmt.Errorf("delete index: %w", err)
		}
		return nil
	})
}

// ListConnectionsByGroup scans the group index and resolves each entry.
func (s *BadgerStore) ListConnectionsByGroup(ctx context.Context, groupID string) ([]*store.Connection, error) {
	var conns []*store.Connection
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := groupConnPrefix(groupID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}

		for _, id := range ids {
			var rec connectionRecord
			found, err := getConnection(txn, id, &rec)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			conns = append(conns, &store.Connection{
				ID:          id,
				GroupID:     rec.GroupID,
				UserID:      rec.UserID,
				NodeID:      rec.NodeID,
				ConnectedAt: rec.ConnectedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(conns, func(a, b *store.Connection) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return conns, nil
}

func (s *BadgerStore) retryConflicts(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getConnection(txn *badger.Txn, id string, rec *connectionRecord) (bool, error) {
	item, err := txn.Get(connKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get connection: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return false, fmt.Errorf("decode connection: %w", err)
	}
	return true, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func toGroup(id string, rec groupRecord) *store.Group {
	return &store.Group{
		ID:             id,
		Members:        rec.Members,
		ConnectedUsers: rec.ConnectedUsers,
		Messages:       toEntries(rec.Messages),
		CreatedAt:      rec.CreatedAt,
	}
}

func toEntries(records []entryRecord) []store.MessageEntry {
	return lo.Map(records, func(r entryRecord, _ int) store.MessageEntry {
		return store.MessageEntry{UserID: r.UserID, Text: r.Text, Timestamp: r.Timestamp}
	})
}

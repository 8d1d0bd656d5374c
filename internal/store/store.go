package store

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrNotFound is returned when a group or connection record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a group whose key is already taken.
	ErrExists = errors.New("already exists")
	// ErrNotMember is returned when presence is changed for a user outside the member list.
	ErrNotMember = errors.New("user is not a member")
)

// MessageEntry is one element of a group's append-only message log.
type MessageEntry struct {
	UserID    string
	Text      string
	Timestamp time.Time
}

// Group is a chat room with its membership list, presence set and history.
// ConnectedUsers is always a subset of Members.
type Group struct {
	ID             string
	Members        []string
	ConnectedUsers []string
	Messages       []MessageEntry
	CreatedAt      time.Time
}

// IsMember reports whether userID is allowed to belong to the group.
func (g *Group) IsMember(userID string) bool {
	return lo.Contains(g.Members, userID)
}

// IsConnected reports whether userID is currently present in the live chat.
func (g *Group) IsConnected(userID string) bool {
	return lo.Contains(g.ConnectedUsers, userID)
}

// Connection is a registry entry for a live, addressable client endpoint.
// NodeID names the relay process holding the socket; empty means unscoped.
type Connection struct {
	ID          string
	GroupID     string
	UserID      string
	NodeID      string
	ConnectedAt time.Time
}

// GroupStore handles group persistence.
type GroupStore interface {
	// CreateGroup creates a group with the given members. Returns ErrExists if the key is taken.
	CreateGroup(ctx context.Context, id string, members []string) (*Group, error)

	// GetGroup retrieves a group with members, presence and full message log.
	// Returns ErrNotFound if the group does not exist.
	GetGroup(ctx context.Context, id string) (*Group, error)

	// AddMember adds a user to the group's member list. Adding an existing member is a no-op.
	AddMember(ctx context.Context, groupID, userID string) error

	// SetUserConnected adds or removes a member from the group's connected users.
	SetUserConnected(ctx context.Context, groupID, userID string, connected bool) error

	// AppendMessage atomically appends entry to the group's log and returns the updated log.
	// It never creates a group: ErrNotFound is returned when the group is absent.
	AppendMessage(ctx context.Context, groupID string, entry MessageEntry) ([]MessageEntry, error)
}

// ConnectionStore is the connection registry: group -> live connection identities.
// All operations are keyed and idempotent so concurrent writers need no extra locking.
type ConnectionStore interface {
	// PutConnection inserts or replaces the registry entry for conn.ID.
	PutConnection(ctx context.Context, conn *Connection) error

	// DeleteConnection removes the entry for id. Deleting a missing entry is not an error.
	DeleteConnection(ctx context.Context, id string) error

	// ListConnectionsByGroup returns every entry currently associated with groupID.
	ListConnectionsByGroup(ctx context.Context, groupID string) ([]*Connection, error)
}

// Store aggregates group and connection persistence.
type Store interface {
	GroupStore
	ConnectionStore

	// Close releases the underlying database.
	Close() error
}

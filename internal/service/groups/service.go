// Package groups manages group records and the connection lifecycle around them:
// subscribing a connection marks its user present, leaving clears presence once
// the user's last connection in the group is gone.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Common errors for group operations.
var (
	ErrGroupNotFound = errors.New("group not found")
	ErrGroupExists   = errors.New("group already exists")
	ErrNotMember     = errors.New("user is not a member of the group")
	ErrInvalidID     = errors.New("invalid id")
)

// Service provides group administration and presence logic.
type Service struct {
	groups   store.GroupStore
	registry store.ConnectionStore
	nodeID   string
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNodeID stamps every registered connection with the owning process id.
func WithNodeID(id string) Option {
	return func(s *Service) { s.nodeID = id }
}

// New creates a new group Service.
func New(groups store.GroupStore, registry store.ConnectionStore, opts ...Option) *Service {
	s := &Service{
		groups:   groups,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a group with the given members. Blank and duplicate ids are dropped.
func (s *Service) Create(ctx context.Context, groupID string, members []string) (*store.Group, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, ErrInvalidID
	}
	members = lo.Uniq(lo.Compact(lo.Map(members, func(m string, _ int) string {
		return strings.TrimSpace(m)
	})))

	group, err := s.groups.CreateGroup(ctx, groupID, members)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrGroupExists
		}
		return nil, fmt.Errorf("create group: %w", err)
	}
	return group, nil
}

// Get returns the group with its presence set and message log.
func (s *Service) Get(ctx context.Context, groupID string) (*store.Group, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

// AddMember authorizes userID to belong to the group.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidID
	}
	if err := s.groups.AddMember(ctx, groupID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// Subscribe registers connID as a recipient for the group and marks userID present.
// Only members may subscribe.
func (s *Service) Subscribe(ctx context.Context, connID, groupID, userID string) (*store.Connection, error) {
	group, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.IsMember(userID) {
		return nil, ErrNotMember
	}

	conn := &store.Connection{
		ID:          connID,
		GroupID:     groupID,
		UserID:      userID,
		NodeID:      s.nodeID,
		ConnectedAt: s.now().UTC(),
	}
	if err := s.registry.PutConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	if err := s.groups.SetUserConnected(ctx, groupID, userID, true); err != nil {
		// Keep the registry consistent with presence.
		_ = s.registry.DeleteConnection(ctx, connID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		if errors.Is(err, store.ErrNotMember) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("mark connected: %w", err)
	}
	return conn, nil
}

// Leave removes the registry entry and clears presence when no other
// connection of the same user remains in the group.
func (s *Service) Leave(ctx context.Context, conn *store.Connection) error {
	if err := s.registry.DeleteConnection(ctx, conn.ID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}

	stillHere, err := s.hasConnection(ctx, conn.GroupID, conn.UserID)
	if err != nil || stillHere {
		return err
	}

	err = s.groups.SetUserConnected(ctx, conn.GroupID, conn.UserID, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotMember) {
			return nil
		}
		return fmt.Errorf("mark disconnected: %w", err)
	}

	// A Subscribe for the same user may have registered between the check and
	// the presence write. Its entry is authoritative, so restore presence.
	stillHere, err = s.hasConnection(ctx, conn.GroupID, conn.UserID)
	if err != nil || !stillHere {
		return err
	}
	if err := s.groups.SetUserConnected(ctx, conn.GroupID, conn.UserID, true); err != nil {
		return fmt.Errorf("restore presence: %w", err)
	}
	return nil
}

func (s *Service) hasConnection(ctx context.Context, groupID, userID string) (bool, error) {
	conns, err := s.registry.ListConnectionsByGroup(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("list connections: %w", err)
	}
	return lo.ContainsBy(conns, func(c *store.Connection) bool {
		return c.UserID == userID
	}), nil
}

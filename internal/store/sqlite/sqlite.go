package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema against ":memory:".
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also serializes appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== GroupStore implementation ====

// CreateGroup creates a group with the given members.
func (s *SQLiteStore) CreateGroup(ctx context.Context, id string, members []string) (*store.Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO groups (id) VALUES (?)`, id); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("group %s: %w", id, store.ErrExists)
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}

	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, user_id)
			VALUES (?, ?)
		`, id, userID); err != nil {
			return nil, fmt.Errorf("insert group member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetGroup(ctx, id)
}

// GetGroup retrieves a group with its members, connected users and messages.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	group := store.Group{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM groups WHERE id = ?`, id).Scan(&group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query group: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, connected FROM group_members
		WHERE group_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	for rows.Next() {
		var userID string
		var connected bool
		if err := rows.Scan(&userID, &connected); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan member: %w", err)
		}
		group.Members = append(group.Members, userID)
		if connected {
			group.ConnectedUsers = append(group.ConnectedUsers, userID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	rows.Close()

	group.Messages, err = listMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	return &group, nil
}

// AddMember adds a user to a group.
func (s *SQLiteStore) AddMember(ctx context.Context, groupID, userID string) error {
	if err := s.groupExists(ctx, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, user_id)
		VALUES (?, ?)
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

// SetUserConnected flips the presence flag of a member.
func (s *SQLiteStore) SetUserConnected(ctx context.Context, groupID, userID string, connected bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET connected = ?
		WHERE group_id = ? AND user_id = ?
	`, connected, groupID, userID)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if err := s.groupExists(ctx, groupID); err != nil {
		return err
	}
	return fmt.Errorf("user %s in group %s: %w", userID, groupID, store.ErrNotMember)
}

// AppendMessage appends entry to the group's log inside one transaction and
// returns the log as committed.
func (s *SQLiteStore) AppendMessage(ctx context.Context, groupID string, entry store.MessageEntry) ([]store.MessageEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query group: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_messages (group_id, seq, user_id, text, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM group_messages
		WHERE group_id = ?
	`, groupID, entry.UserID, entry.Text, entry.Timestamp.UTC().Format(time.RFC3339Nano), groupID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	messages, err := listMessages(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return messages, nil
}

func (s *SQLiteStore) groupExists(ctx context.Context, groupID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
		}
		return fmt.Errorf("query group: %w", err)
	}
	return nil
}

func listMessages(ctx context.Context, q queryer, groupID string) ([]store.MessageEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, text, created_at
		FROM group_messages
		WHERE group_id = ?
		ORDER BY seq ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []store.MessageEntry{}
	for rows.Next() {
		var msg store.MessageEntry
		var ts string
		if err := rows.Scan(&msg.UserID, &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse message timestamp: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// ==== ConnectionStore implementation ====

// PutConnection inserts or replaces a registry entry.
func (s *SQLiteStore) PutConnection(ctx context.Context, conn *store.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, group_id, user_id, node_id, connected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			user_id = excluded.user_id,
			node_id = excluded.node_id,
			connected_at = excluded.connected_at
	`, conn.ID, conn.GroupID, conn.UserID, conn.NodeID, conn.ConnectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a registry entry by key.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// ListConnectionsByGroup lists registry entries for a group.
func (s *SQLiteStore) ListConnectionsByGroup(ctx context.Context, groupID string) ([]*store.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, user_id, node_id, connected_at
		FROM connections
		WHERE group_id = ?
		ORDER BY connected_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []*store.Connection
	for rows.Next() {
		var conn store.Connection
		var ts string
		if err := rows.Scan(&conn.ID, &conn.GroupID, &conn.UserID, &conn.NodeID, &ts); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conn.ConnectedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse connected_at: %w", err)
		}
		conns = append(conns, &conn)
	}

	return conns, rows.Err()
}

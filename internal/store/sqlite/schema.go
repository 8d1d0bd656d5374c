package sqlite

import "database/sql"

// Schema creates every table the relay needs. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	connected BOOLEAN NOT NULL DEFAULT 0,
	joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_id, user_id),
	FOREIGN KEY (group_id) REFERENCES groups(id)
);

CREATE TABLE IF NOT EXISTS group_messages (
	group_id   TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (group_id, seq),
	FOREIGN KEY (group_id) REFERENCES groups(id)
);

CREATE TABLE IF NOT EXISTS connections (
	id           TEXT PRIMARY KEY,
	group_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	connected_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_group ON connections(group_id);
`

// ApplySchema is a setup function for NewWithSetup.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

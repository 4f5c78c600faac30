package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL UNIQUE,
	access_token      TEXT NOT NULL DEFAULT '',
	refresh_token     TEXT NOT NULL DEFAULT '',
	token_expiry      DATETIME,
	sync_cursor       TEXT NOT NULL DEFAULT '',
	initial_sync_done INTEGER NOT NULL DEFAULT 0,
	last_sync_at      DATETIME,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	parent_id    TEXT REFERENCES folders(id) ON DELETE SET NULL,
	path         TEXT NOT NULL,
	depth        INTEGER NOT NULL DEFAULT 0,
	total_count  INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	sort_order   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, path)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	remote_id       TEXT NOT NULL,
	thread_id       TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	sender_email    TEXT NOT NULL DEFAULT '',
	recipients      TEXT NOT NULL DEFAULT '[]',
	snippet         TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_starred      INTEGER NOT NULL DEFAULT 0,
	is_deleted      INTEGER NOT NULL DEFAULT 0,
	classified      INTEGER NOT NULL DEFAULT 0,
	folder_id       TEXT REFERENCES folders(id) ON DELETE SET NULL,
	received_at     DATETIME NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, remote_id)
);

CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id, is_deleted, is_read);
CREATE INDEX IF NOT EXISTS idx_messages_user_classified ON messages(user_id, classified, is_deleted);
CREATE INDEX IF NOT EXISTS idx_messages_user_received ON messages(user_id, received_at DESC);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

package db

import (
	"fmt"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	// Create migrations table if not exists
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Run pending migrations
	for _, m := range migrations {
		if m.version > currentVersion {
			if err := db.runMigration(m); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

func (db *DB) runMigration(m migration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}

	return tx.Commit()
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			-- Managed servers reachable over SSH
			CREATE TABLE servers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				host TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 22,
				username TEXT NOT NULL,
				key_path TEXT,
				tags TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Conversation sessions; one active agent task per session at a time
			CREATE TABLE sessions (
				id TEXT PRIMARY KEY,
				server_id TEXT REFERENCES servers(id) ON DELETE SET NULL,
				title TEXT,
				origin TEXT NOT NULL DEFAULT 'web',
				telegram_chat_id INTEGER,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Structured chat events, replayed on reconnect
			CREATE TABLE chat_messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				kind TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Terminal record of every agent task
			CREATE TABLE task_runs (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				prompt TEXT NOT NULL,
				state TEXT NOT NULL,
				result_text TEXT,
				error TEXT,
				cancelled BOOLEAN DEFAULT FALSE,
				created_at DATETIME NOT NULL,
				finished_at DATETIME
			);

			-- Audit log of human decisions
			CREATE TABLE approval_log (
				id TEXT PRIMARY KEY,
				request_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				variant TEXT NOT NULL,
				tool_name TEXT,
				outcome TEXT NOT NULL,
				approved BOOLEAN DEFAULT FALSE,
				resolved_by TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE user_preferences (
				user_id TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (user_id, key)
			);

			CREATE INDEX idx_messages_session ON chat_messages(session_id, seq);
			CREATE INDEX idx_task_runs_session ON task_runs(session_id);
			CREATE INDEX idx_approval_log_session ON approval_log(session_id);
			CREATE INDEX idx_sessions_telegram ON sessions(telegram_chat_id);
		`,
	},
}

package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionOrigin records which front-end created a session. Any channel can
// attach to any session afterwards regardless of origin.
type SessionOrigin string

const (
	OriginWeb      SessionOrigin = "web"
	OriginTelegram SessionOrigin = "telegram"
)

// Session is one conversation thread. Tasks, chat messages and approvals all
// hang off a session.
type Session struct {
	ID             string        `json:"id"`
	ServerID       *string       `json:"serverId,omitempty"`
	Title          *string       `json:"title,omitempty"`
	Origin         SessionOrigin `json:"origin"`
	TelegramChatID *int64        `json:"telegramChatId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// CreateSessionInput contains fields for creating a session
type CreateSessionInput struct {
	ServerID       *string
	Title          *string
	Origin         SessionOrigin
	TelegramChatID *int64
}

// UpdateSessionInput contains fields for updating a session
type UpdateSessionInput struct {
	ServerID *string `json:"serverId,omitempty"`
	Title    *string `json:"title,omitempty"`
}

// CreateSession creates a new session
func (db *DB) CreateSession(input CreateSessionInput) (*Session, error) {
	id := NewID()
	now := time.Now()

	origin := input.Origin
	if origin == "" {
		origin = OriginWeb
	}

	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, server_id, title, origin, telegram_chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, NullString(input.ServerID), NullString(input.Title), origin, NullInt64(input.TelegramChatID), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return db.GetSession(id)
}

// GetSession retrieves a session by ID
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, server_id, title, origin, telegram_chat_id, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanDBSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetSessionByTelegramChat returns the most recent session bound to a chat.
func (db *DB) GetSessionByTelegramChat(chatID int64) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, server_id, title, origin, telegram_chat_id, created_at, updated_at
		FROM sessions WHERE telegram_chat_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, chatID)

	s, err := scanDBSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions returns all sessions, newest first
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT id, server_id, title, origin, telegram_chat_id, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		s, err := scanDBSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// UpdateSession updates a session
func (db *DB) UpdateSession(id string, input UpdateSessionInput) (*Session, error) {
	query := "UPDATE sessions SET updated_at = ?"
	args := []any{time.Now()}

	if input.ServerID != nil {
		query += ", server_id = ?"
		args = append(args, *input.ServerID)
	}
	if input.Title != nil {
		query += ", title = ?"
		args = append(args, *input.Title)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetSession(id)
}

// TouchSession bumps updated_at so recent activity sorts first.
func (db *DB) TouchSession(id string) error {
	_, err := db.conn.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now(), id)
	return err
}

// DeleteSession deletes a session and its messages and task records
func (db *DB) DeleteSession(id string) error {
	result, err := db.conn.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanDBSession(scan scanFunc) (*Session, error) {
	var s Session
	var serverID, title sql.NullString
	var chatID sql.NullInt64

	err := scan(&s.ID, &serverID, &title, &s.Origin, &chatID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.ServerID = StringPtr(serverID)
	s.Title = StringPtr(title)
	s.TelegramChatID = Int64Ptr(chatID)

	return &s, nil
}

package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChatMessage stores a single structured chat event for a session. PayloadJSON
// is the serialized wire event, replayed verbatim to reconnecting clients.
type ChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Seq         int64     `json:"seq"`
	Kind        string    `json:"kind"`
	PayloadJSON string    `json:"payloadJson"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AppendChatMessage inserts a chat event, assigning the next sequence number
// for the session in the same statement so concurrent writers never collide.
func (db *DB) AppendChatMessage(sessionID, kind, payloadJSON string) (*ChatMessage, error) {
	id := NewID()
	now := time.Now()

	_, err := db.conn.Exec(`
		INSERT INTO chat_messages (id, session_id, seq, kind, payload_json, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?), ?, ?, ?)
	`, id, sessionID, sessionID, kind, payloadJSON, now)
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}

	row := db.conn.QueryRow(`
		SELECT id, session_id, seq, kind, payload_json, created_at
		FROM chat_messages WHERE id = ?
	`, id)
	return scanChatMessage(row.Scan)
}

// ListChatMessages returns all chat events for a session in sequence order.
func (db *DB) ListChatMessages(sessionID string) ([]*ChatMessage, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, seq, kind, payload_json, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	out := make([]*ChatMessage, 0)
	for rows.Next() {
		msg, err := scanChatMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListRecentChatMessages returns the last limit events in sequence order.
func (db *DB) ListRecentChatMessages(sessionID string, limit int) ([]*ChatMessage, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, seq, kind, payload_json, created_at FROM (
			SELECT id, session_id, seq, kind, payload_json, created_at
			FROM chat_messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent chat messages: %w", err)
	}
	defer rows.Close()

	out := make([]*ChatMessage, 0)
	for rows.Next() {
		msg, err := scanChatMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanChatMessage(scan scanFunc) (*ChatMessage, error) {
	var msg ChatMessage
	err := scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Kind, &msg.PayloadJSON, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

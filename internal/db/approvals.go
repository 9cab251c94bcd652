package db

import (
	"database/sql"
	"fmt"
	"time"
)

// ApprovalRecord is one audited human decision (or its absence).
type ApprovalRecord struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	SessionID  string    `json:"sessionId"`
	TaskID     string    `json:"taskId"`
	Variant    string    `json:"variant"`
	ToolName   *string   `json:"toolName,omitempty"`
	Outcome    string    `json:"outcome"`
	Approved   bool      `json:"approved"`
	ResolvedBy *string   `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// InsertApprovalInput contains fields for logging a decision.
type InsertApprovalInput struct {
	RequestID  string
	SessionID  string
	TaskID     string
	Variant    string
	ToolName   *string
	Outcome    string
	Approved   bool
	ResolvedBy *string
}

// InsertApproval appends one row to the approval audit log.
func (db *DB) InsertApproval(input InsertApprovalInput) error {
	_, err := db.conn.Exec(`
		INSERT INTO approval_log (id, request_id, session_id, task_id, variant, tool_name, outcome, approved, resolved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, NewID(), input.RequestID, input.SessionID, input.TaskID, input.Variant,
		NullString(input.ToolName), input.Outcome, input.Approved, NullString(input.ResolvedBy), time.Now())
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ListApprovalsBySession returns a session's decisions, newest first.
func (db *DB) ListApprovalsBySession(sessionID string) ([]*ApprovalRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, request_id, session_id, task_id, variant, tool_name, outcome, approved, resolved_by, created_at
		FROM approval_log WHERE session_id = ? ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	out := make([]*ApprovalRecord, 0)
	for rows.Next() {
		var rec ApprovalRecord
		var toolName, resolvedBy sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SessionID, &rec.TaskID, &rec.Variant,
			&toolName, &rec.Outcome, &rec.Approved, &resolvedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ToolName = StringPtr(toolName)
		rec.ResolvedBy = StringPtr(resolvedBy)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

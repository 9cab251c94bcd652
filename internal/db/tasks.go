package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskRun is the durable record of one agent task. The live state machine is
// in memory; rows here exist so history survives restarts.
type TaskRun struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Prompt     string     `json:"prompt"`
	State      string     `json:"state"`
	ResultText *string    `json:"resultText,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Cancelled  bool       `json:"cancelled"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// SaveTaskRunInput contains fields for recording a finished task.
type SaveTaskRunInput struct {
	ID         string
	SessionID  string
	Prompt     string
	State      string
	ResultText *string
	Error      *string
	Cancelled  bool
	CreatedAt  time.Time
	FinishedAt time.Time
}

// SaveTaskRun upserts the terminal record for a task.
func (db *DB) SaveTaskRun(input SaveTaskRunInput) (*TaskRun, error) {
	_, err := db.conn.Exec(`
		INSERT INTO task_runs (id, session_id, prompt, state, result_text, error, cancelled, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			result_text = excluded.result_text,
			error = excluded.error,
			cancelled = excluded.cancelled,
			finished_at = excluded.finished_at
	`, input.ID, input.SessionID, input.Prompt, input.State,
		NullString(input.ResultText), NullString(input.Error), input.Cancelled,
		input.CreatedAt, input.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("save task run: %w", err)
	}
	return db.GetTaskRun(input.ID)
}

// GetTaskRun retrieves one task record by ID.
func (db *DB) GetTaskRun(id string) (*TaskRun, error) {
	row := db.conn.QueryRow(`
		SELECT id, session_id, prompt, state, result_text, error, cancelled, created_at, finished_at
		FROM task_runs WHERE id = ?
	`, id)

	run, err := scanTaskRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListTaskRuns returns a session's task records, newest first.
func (db *DB) ListTaskRuns(sessionID string) ([]*TaskRun, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, prompt, state, result_text, error, cancelled, created_at, finished_at
		FROM task_runs WHERE session_id = ? ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*TaskRun, 0)
	for rows.Next() {
		run, err := scanTaskRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanTaskRun(scan scanFunc) (*TaskRun, error) {
	var run TaskRun
	var resultText, errText sql.NullString
	var finishedAt sql.NullTime

	err := scan(&run.ID, &run.SessionID, &run.Prompt, &run.State,
		&resultText, &errText, &run.Cancelled, &run.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.ResultText = StringPtr(resultText)
	run.Error = StringPtr(errText)
	run.FinishedAt = TimePtr(finishedAt)
	return &run, nil
}

package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/avelasco/opsbot/internal/agent"
	"github.com/avelasco/opsbot/internal/hitl"
)

// EventArchive adapts the database to the orchestrator's persistence hooks.
// Wire events land in chat_messages, terminal task states in task_runs. Prior
// turns are reconstructed from the archived events when a session resumes.
type EventArchive struct {
	db *DB
}

func NewEventArchive(db *DB) *EventArchive {
	return &EventArchive{db: db}
}

// SaveEvent appends one wire event to the session's chat history.
func (a *EventArchive) SaveEvent(evt hitl.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := a.db.AppendChatMessage(evt.SessionID, string(evt.Type), string(payload)); err != nil {
		return err
	}
	return a.db.TouchSession(evt.SessionID)
}

// SaveResolution archives the outcome of one approval request twice over: a
// resolved event in the chat history, so replayed sessions never show a
// request without its answer, and a row in the approval audit log.
func (a *EventArchive) SaveResolution(req hitl.Request, res hitl.Resolution) error {
	approved := res.Outcome == hitl.OutcomeAnswered && res.Approved
	if err := a.SaveEvent(hitl.Event{
		Type:      hitl.EventResolved,
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		RequestID: req.ID,
		Approved:  &approved,
		Answer:    res.Answer,
	}); err != nil {
		return err
	}

	var toolName, resolvedBy *string
	if req.ToolName != "" {
		toolName = &req.ToolName
	}
	if res.ResolvedBy != "" {
		resolvedBy = &res.ResolvedBy
	}
	return a.db.InsertApproval(InsertApprovalInput{
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		Variant:    string(req.Variant),
		ToolName:   toolName,
		Outcome:    string(res.Outcome),
		Approved:   approved,
		ResolvedBy: resolvedBy,
	})
}

// SaveTaskResult records the terminal state of a task.
func (a *EventArchive) SaveTaskResult(task *hitl.Task, state hitl.TaskState, res hitl.Result) error {
	var resultText, errText *string
	if res.Text != "" {
		resultText = &res.Text
	}
	if res.Err != "" {
		errText = &res.Err
	}
	_, err := a.db.SaveTaskRun(SaveTaskRunInput{
		ID:         task.ID,
		SessionID:  task.SessionID,
		Prompt:     task.Prompt,
		State:      string(state),
		ResultText: resultText,
		Error:      errText,
		Cancelled:  res.Cancelled,
		CreatedAt:  task.CreatedAt,
		FinishedAt: time.Now(),
	})
	return err
}

// History rebuilds conversation turns for the agent from archived events:
// user_message rows become user turns, stream_end rows assistant turns.
func (a *EventArchive) History(sessionID string, limit int) ([]agent.Message, error) {
	msgs, err := a.db.ListRecentChatMessages(sessionID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]agent.Message, 0, len(msgs))
	for _, msg := range msgs {
		var evt hitl.Event
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal archived event %s: %w", msg.ID, err)
		}
		switch evt.Type {
		case hitl.EventUserMessage:
			out = append(out, agent.Message{Role: "user", Content: evt.Content})
		case hitl.EventStreamEnd:
			if evt.FinalContent != "" {
				out = append(out, agent.Message{Role: "assistant", Content: evt.FinalContent})
			}
		}
	}
	return out, nil
}

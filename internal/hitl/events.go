package hitl

import (
	"encoding/json"
	"time"
)

// EventType tags every message fanned out to front-end channels.
type EventType string

const (
	EventStreamChunk EventType = "stream_chunk"
	EventStreamEnd   EventType = "stream_end"
	EventToolStart   EventType = "tool_start"
	EventToolResult  EventType = "tool_result"
	EventHITLRequest EventType = "hitl_request"
	EventQuestion    EventType = "question"
	EventPlanReview  EventType = "plan_approval"
	EventResolved    EventType = "hitl_resolved"
	EventTaskStatus  EventType = "task_status"
	EventSessionBusy EventType = "session_busy"
	EventUserMessage EventType = "user_message"
)

// Variant distinguishes the human-decision request kinds.
type Variant string

const (
	VariantPermission Variant = "permission"
	VariantQuestion   Variant = "question"
	VariantPlan       Variant = "plan"
)

// Request is an ephemeral, in-memory decision point raised by a running task.
// It exists from publish until first resolution or deadline, never longer.
type Request struct {
	ID          string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	TaskID      string          `json:"taskId"`
	Variant     Variant         `json:"variant"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	Description string          `json:"description,omitempty"`
	Question    string          `json:"question,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Plan        string          `json:"plan,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Deadline    time.Time       `json:"deadline"`
}

// Outcome says how an await ended.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Resolution is the single winning answer delivered to the waiting task.
type Resolution struct {
	RequestID  string  `json:"requestId"`
	Outcome    Outcome `json:"outcome"`
	Approved   bool    `json:"approved"`
	Answer     string  `json:"answer,omitempty"`
	ResolvedBy string  `json:"resolvedBy,omitempty"` // channel key of the winner
}

// Event is the tagged message delivered to channels and subscribers. Fields
// beyond Type/SessionID are populated per event type; adapters serialize the
// struct as-is, so the JSON shape here is the wire contract.
type Event struct {
	Type         EventType  `json:"type"`
	SessionID    string     `json:"sessionId,omitempty"`
	TaskID       string     `json:"taskId,omitempty"`
	Content      string     `json:"content,omitempty"`
	FinalContent string     `json:"finalContent,omitempty"`
	Tool         *ToolUse   `json:"tool,omitempty"`
	Request      *Request   `json:"request,omitempty"`
	RequestID    string     `json:"requestId,omitempty"`
	Approved     *bool      `json:"approved,omitempty"`
	Answer       string     `json:"answer,omitempty"`
	Status       TaskState  `json:"status,omitempty"`
	ExistingTask string     `json:"existingTaskId,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ToolUse mirrors one tool invocation for display purposes.
type ToolUse struct {
	CallID  string          `json:"callId"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

func requestEventType(v Variant) EventType {
	switch v {
	case VariantQuestion:
		return EventQuestion
	case VariantPlan:
		return EventPlanReview
	default:
		return EventHITLRequest
	}
}

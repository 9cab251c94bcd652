package agent

import (
	"context"
	"encoding/json"
)

// EventKind categorizes events emitted by a running agent.
type EventKind string

const (
	EventChunk      EventKind = "chunk"       // assistant text
	EventToolStart  EventKind = "tool_start"  // a tool call is about to run
	EventToolResult EventKind = "tool_result" // a tool call finished
	EventAsk        EventKind = "ask"         // the agent needs a human decision before continuing
	EventDone       EventKind = "done"        // the run finished; Text carries the final answer
	EventError      EventKind = "error"       // the run failed; Err carries the cause
)

// ToolCall describes one tool invocation within a run.
type ToolCall struct {
	CallID  string          `json:"callId"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// AskKind distinguishes the human decisions an agent can block on.
type AskKind string

const (
	AskPermission AskKind = "permission" // approve/deny a sensitive tool call
	AskQuestion   AskKind = "question"   // free-text question, optionally with options
	AskPlan       AskKind = "plan"       // review a proposed multi-step plan
)

// Decision is the human answer to an Ask. Exactly one Decision must be sent
// on Ask.Resp for every Ask event, or the run will hang.
type Decision struct {
	Approved   bool
	Answer     string
	Unanswered bool // no human answer arrived before the deadline
}

// Ask is a blocking decision point. The consumer of the event channel must
// send one Decision on Resp; the agent does not proceed until it arrives.
type Ask struct {
	Kind        AskKind
	Tool        string
	Input       json.RawMessage
	Description string
	Question    string
	Options     []string
	Plan        string
	Resp        chan Decision // buffered, capacity 1
}

// Event is the tagged union flowing out of a run. Exactly one of the
// kind-specific fields is populated, matching Kind.
type Event struct {
	Kind EventKind
	Text string
	Tool *ToolCall
	Ask  *Ask
	Err  error
}

// Message is one prior conversation turn, used to resume context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest describes a single agent execution.
type RunRequest struct {
	SessionID string
	Prompt    string
	History   []Message
}

// Agent drives one streaming execution per Run call. The returned channel is
// closed when the run ends; implementations must stop promptly and close the
// channel when ctx is cancelled, and must never block forever on a send
// (sends race against ctx.Done).
type Agent interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)
}

// NewAsk builds an Ask with its response channel allocated.
func NewAsk(kind AskKind) *Ask {
	return &Ask{Kind: kind, Resp: make(chan Decision, 1)}
}

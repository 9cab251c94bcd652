package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avelasco/opsbot/internal/tools"
)

const defaultSystemPrompt = "You are opsbot, an assistant that administers the user's servers. " +
	"Keep replies concise. Use tool calls for concrete actions. " +
	"Use ask_user when you need information only the operator has, and propose_plan " +
	"before any multi-step change to production systems."

// Config tunes the chat-completions agent. BaseURL must be an
// OpenAI-compatible endpoint; self-hosted gateways work as long as they
// speak /chat/completions with tool calling.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTurns     int
	Temperature  float64
	HTTPTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4.1-mini"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 12
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 90 * time.Second
	}
	return c
}

// OpenAIAgent runs tasks against an OpenAI-compatible chat-completions
// endpoint, looping over tool calls until the model produces a final answer.
// Sensitive tools and the ask_user / propose_plan pseudo-tools surface as
// blocking Ask events.
type OpenAIAgent struct {
	cfg    Config
	client *http.Client
	tools  *tools.Registry
}

func NewOpenAIAgent(cfg Config, registry *tools.Registry) *OpenAIAgent {
	cfg = cfg.withDefaults()
	return &OpenAIAgent{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		tools:  registry,
	}
}

func (a *OpenAIAgent) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return nil, errors.New("llm api key is not configured")
	}

	out := make(chan Event)
	go a.run(ctx, req, out)
	return out, nil
}

func (a *OpenAIAgent) run(ctx context.Context, req RunRequest, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	messages := []chatMessage{{Role: "system", Content: a.cfg.SystemPrompt}}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	defs := a.toolDefs()
	endpoint := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"

	for turn := 0; turn < a.cfg.MaxTurns; turn++ {
		respMsg, err := a.callChatCompletions(ctx, endpoint, messages, defs)
		if err != nil {
			emit(Event{Kind: EventError, Err: err})
			return
		}

		text := flattenContent(respMsg.Content)
		if text != "" {
			if !emit(Event{Kind: EventChunk, Text: text}) {
				return
			}
		}

		if len(respMsg.ToolCalls) == 0 {
			if text == "" {
				text = "Done."
			}
			emit(Event{Kind: EventDone, Text: text})
			return
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: echoToolCalls(respMsg.ToolCalls),
		})

		for _, tc := range respMsg.ToolCalls {
			result, ok := a.runToolCall(ctx, emit, tc)
			if !ok {
				return
			}
			raw, _ := json.Marshal(result)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
				Content:    string(raw),
			})
		}
	}

	emit(Event{Kind: EventError, Err: fmt.Errorf("tool-call loop exceeded %d turns", a.cfg.MaxTurns)})
}

// runToolCall executes one tool call, routing ask_user / propose_plan and
// sensitive tools through blocking Ask events. The bool result is false when
// the context was cancelled mid-ask and the run should unwind.
func (a *OpenAIAgent) runToolCall(ctx context.Context, emit func(Event) bool, tc toolCallIn) (map[string]any, bool) {
	name := tc.Function.Name
	input := json.RawMessage(tc.Function.Arguments)

	switch name {
	case "ask_user":
		return a.askQuestion(ctx, emit, input)
	case "propose_plan":
		return a.askPlan(ctx, emit, input)
	}

	tool, ok := a.tools.Get(name)
	if !ok {
		return map[string]any{"ok": false, "error": "unknown tool"}, true
	}

	if tool.Sensitive {
		ask := NewAsk(AskPermission)
		ask.Tool = name
		ask.Input = input
		ask.Description = tool.Description
		dec, alive := a.awaitDecision(ctx, emit, ask)
		if !alive {
			return nil, false
		}
		if !dec.Approved {
			reason := "denied by operator"
			if dec.Unanswered {
				reason = "approval request went unanswered"
			}
			return map[string]any{"ok": false, "error": reason}, true
		}
	}

	call := &ToolCall{CallID: tc.ID, Name: name, Input: input}
	if !emit(Event{Kind: EventToolStart, Tool: call}) {
		return nil, false
	}

	result := tool.Run(ctx, input)

	resultCopy := *call
	raw, _ := json.Marshal(result)
	resultCopy.Result = string(raw)
	if okVal, _ := result["ok"].(bool); !okVal {
		resultCopy.IsError = true
	}
	if !emit(Event{Kind: EventToolResult, Tool: &resultCopy}) {
		return nil, false
	}
	return result, true
}

func (a *OpenAIAgent) askQuestion(ctx context.Context, emit func(Event) bool, input json.RawMessage) (map[string]any, bool) {
	var args struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, true
	}
	if strings.TrimSpace(args.Question) == "" {
		return map[string]any{"ok": false, "error": "question is required"}, true
	}

	ask := NewAsk(AskQuestion)
	ask.Question = args.Question
	ask.Options = args.Options
	dec, alive := a.awaitDecision(ctx, emit, ask)
	if !alive {
		return nil, false
	}
	if dec.Unanswered {
		return map[string]any{"ok": false, "error": "the operator did not answer; proceed with your best judgement or finish"}, true
	}
	return map[string]any{"ok": true, "answer": dec.Answer}, true
}

func (a *OpenAIAgent) askPlan(ctx context.Context, emit func(Event) bool, input json.RawMessage) (map[string]any, bool) {
	var args struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, true
	}
	if strings.TrimSpace(args.Plan) == "" {
		return map[string]any{"ok": false, "error": "plan is required"}, true
	}

	ask := NewAsk(AskPlan)
	ask.Plan = args.Plan
	dec, alive := a.awaitDecision(ctx, emit, ask)
	if !alive {
		return nil, false
	}
	switch {
	case dec.Approved:
		return map[string]any{"ok": true, "approved": true, "comment": dec.Answer}, true
	case dec.Unanswered:
		return map[string]any{"ok": false, "approved": false, "error": "plan review went unanswered"}, true
	default:
		return map[string]any{"ok": false, "approved": false, "comment": dec.Answer}, true
	}
}

func (a *OpenAIAgent) awaitDecision(ctx context.Context, emit func(Event) bool, ask *Ask) (Decision, bool) {
	if !emit(Event{Kind: EventAsk, Ask: ask}) {
		return Decision{}, false
	}
	select {
	case dec := <-ask.Resp:
		return dec, true
	case <-ctx.Done():
		return Decision{}, false
	}
}

func (a *OpenAIAgent) toolDefs() []toolDef {
	registered := a.tools.All()
	defs := make([]toolDef, 0, len(registered)+2)
	for _, t := range registered {
		defs = append(defs, toolDef{
			Type: "function",
			Function: toolDefDetail{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	defs = append(defs, toolDef{
		Type: "function",
		Function: toolDefDetail{
			Name:        "ask_user",
			Description: "Ask the operator a question and wait for their answer",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"question"},
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
		},
	})
	defs = append(defs, toolDef{
		Type: "function",
		Function: toolDefDetail{
			Name:        "propose_plan",
			Description: "Present a multi-step plan and wait for the operator to approve or reject it",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"plan"},
				"properties": map[string]any{
					"plan": map[string]any{"type": "string", "description": "The numbered steps you intend to execute"},
				},
			},
		},
	})
	return defs
}

// --- chat-completions wire types ---

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []toolDef     `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCallOut `json:"tool_calls,omitempty"`
}

type toolDef struct {
	Type     string        `json:"type"`
	Function toolDefDetail `json:"function"`
}

type toolDefDetail struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessageIn `json:"message"`
	} `json:"choices"`
}

type chatMessageIn struct {
	Role      string       `json:"role"`
	Content   any          `json:"content"`
	ToolCalls []toolCallIn `json:"tool_calls,omitempty"`
}

type toolCallOut struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type toolCallIn struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (a *OpenAIAgent) callChatCompletions(ctx context.Context, endpoint string, messages []chatMessage, defs []toolDef) (*chatMessageIn, error) {
	reqBody := chatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Tools:       defs,
		ToolChoice:  "auto",
		Temperature: a.cfg.Temperature,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm request failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("llm response missing choices")
	}
	return &parsed.Choices[0].Message, nil
}

func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t != "" && t != "text" {
				continue
			}
			if text, _ := m["text"].(string); text != "" {
				parts = append(parts, strings.TrimSpace(text))
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		return ""
	}
}

func echoToolCalls(in []toolCallIn) []toolCallOut {
	out := make([]toolCallOut, 0, len(in))
	for _, tc := range in {
		var o toolCallOut
		o.ID = tc.ID
		o.Type = tc.Type
		o.Function.Name = tc.Function.Name
		o.Function.Arguments = tc.Function.Arguments
		out = append(out, o)
	}
	return out
}

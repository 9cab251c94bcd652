package telegram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avelasco/opsbot/internal/hitl"
)

// chatChannel renders orchestration events into Telegram messages for one
// chat. Send only enqueues; a dedicated goroutine does the HTTP calls so the
// event fan-out never waits on the Telegram API.
type chatChannel struct {
	bot       *Bot
	chatID    int64
	sessionID string
	queue     chan hitl.Event

	mu       sync.Mutex
	closed   bool
	keyboard map[string]int // request id -> message id carrying the buttons
}

func newChatChannel(bot *Bot, chatID int64, sessionID string) *chatChannel {
	ch := &chatChannel{
		bot:       bot,
		chatID:    chatID,
		sessionID: sessionID,
		queue:     make(chan hitl.Event, 256),
		keyboard:  make(map[string]int),
	}
	go ch.loop()
	return ch
}

func (c *chatChannel) Key() string {
	return channelKey(c.chatID)
}

func (c *chatChannel) Send(evt hitl.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- evt:
	default:
		slog.Warn("telegram channel queue full, dropping event",
			"chat_id", c.chatID, "type", evt.Type)
	}
}

// Close stops the render goroutine. Events sent after Close are dropped.
func (c *chatChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

func (c *chatChannel) loop() {
	for evt := range c.queue {
		c.render(evt)
	}
}

func (c *chatChannel) render(evt hitl.Event) {
	switch evt.Type {
	case hitl.EventStreamChunk:
		c.send(evt.Content, nil)

	case hitl.EventToolStart:
		if evt.Tool != nil {
			c.send("Running "+evt.Tool.Name+"…", nil)
		}

	case hitl.EventToolResult:
		if evt.Tool != nil && evt.Tool.IsError {
			c.send("Tool "+evt.Tool.Name+" failed:\n"+truncate(evt.Tool.Result, 500), nil)
		}

	case hitl.EventHITLRequest:
		c.renderPermission(evt.Request)

	case hitl.EventQuestion:
		c.renderQuestion(evt.Request)

	case hitl.EventPlanReview:
		c.renderPlan(evt.Request)

	case hitl.EventResolved:
		c.renderResolved(evt)

	case hitl.EventTaskStatus:
		c.renderStatus(evt)

	case hitl.EventStreamEnd:
		if evt.FinalContent != "" {
			c.send(evt.FinalContent, nil)
		}

	case hitl.EventSessionBusy:
		c.send(fmt.Sprintf("A task is already running (%s, %s). Use /cancel to stop it first.",
			shortID(evt.ExistingTask), evt.Status), nil)
	}
}

func (c *chatChannel) renderPermission(req *hitl.Request) {
	if req == nil {
		return
	}
	c.bot.trackRequest(c.chatID, req)

	var b strings.Builder
	b.WriteString("Approval needed: ")
	b.WriteString(req.ToolName)
	if len(req.ToolInput) > 0 {
		b.WriteString("\n")
		b.WriteString(truncate(formatInput(req.ToolInput), 800))
	}
	if req.Description != "" {
		b.WriteString("\n")
		b.WriteString(req.Description)
	}
	b.WriteString(deadlineHint(req.Deadline))
	b.WriteString("\nTimes out as denied.")

	c.sendKeyboard(req.ID, b.String(), [][]InlineButton{{
		{Text: "Approve", Data: "ap:" + req.ID},
		{Text: "Deny", Data: "dn:" + req.ID},
	}})
}

func (c *chatChannel) renderQuestion(req *hitl.Request) {
	if req == nil {
		return
	}
	c.bot.trackRequest(c.chatID, req)

	text := req.Question + deadlineHint(req.Deadline)
	var keyboard [][]InlineButton
	for i, opt := range req.Options {
		keyboard = append(keyboard, []InlineButton{{
			Text: truncate(opt, 60),
			Data: fmt.Sprintf("op:%s:%d", req.ID, i),
		}})
	}
	if len(keyboard) == 0 {
		text += "\nReply with your answer."
	}
	c.sendKeyboard(req.ID, text, keyboard)
}

func (c *chatChannel) renderPlan(req *hitl.Request) {
	if req == nil {
		return
	}
	c.bot.trackRequest(c.chatID, req)

	text := "Plan for review:\n" + req.Plan + deadlineHint(req.Deadline)
	c.sendKeyboard(req.ID, text, [][]InlineButton{{
		{Text: "Approve plan", Data: "ap:" + req.ID},
		{Text: "Reject", Data: "dn:" + req.ID},
	}})
}

func (c *chatChannel) renderResolved(evt hitl.Event) {
	c.bot.clearRequest(c.chatID, evt.RequestID)

	c.mu.Lock()
	msgID, hadKeyboard := c.keyboard[evt.RequestID]
	delete(c.keyboard, evt.RequestID)
	c.mu.Unlock()
	if hadKeyboard {
		if err := c.bot.api.RemoveKeyboard(c.chatID, msgID); err != nil {
			slog.Debug("telegram keyboard removal failed", "error", err)
		}
	}

	// Our own button press already produced a toast; the notice matters when
	// someone resolved the request from another surface.
	if evt.Approved == nil {
		return
	}
	switch {
	case evt.Answer != "":
		c.send("Answered: "+truncate(evt.Answer, 200), nil)
	case *evt.Approved:
		c.send("Approved.", nil)
	default:
		c.send("Denied.", nil)
	}
}

func (c *chatChannel) renderStatus(evt hitl.Event) {
	switch evt.Status {
	case hitl.TaskFailed:
		msg := "Task failed."
		if evt.Error != "" {
			msg = "Task failed: " + truncate(evt.Error, 400)
		}
		c.send(msg, nil)
	case hitl.TaskCancelled:
		c.send("Task cancelled.", nil)
	}
}

func (c *chatChannel) send(text string, keyboard [][]InlineButton) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := c.bot.api.SendMessage(c.chatID, text, keyboard); err != nil {
		slog.Error("telegram send failed", "chat_id", c.chatID, "error", err)
	}
}

func (c *chatChannel) sendKeyboard(requestID, text string, keyboard [][]InlineButton) {
	msgID, err := c.bot.api.SendMessage(c.chatID, text, keyboard)
	if err != nil {
		slog.Error("telegram send failed", "chat_id", c.chatID, "error", err)
		return
	}
	if len(keyboard) > 0 {
		c.mu.Lock()
		c.keyboard[requestID] = msgID
		c.mu.Unlock()
	}
}

func formatInput(raw json.RawMessage) string {
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil || len(pretty) == 0 {
		return string(raw)
	}
	keys := make([]string, 0, len(pretty))
	for k := range pretty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, pretty[k]))
	}
	return strings.Join(parts, "\n")
}

func deadlineHint(deadline time.Time) string {
	remaining := time.Until(deadline).Round(time.Second)
	if remaining <= 0 {
		return ""
	}
	return fmt.Sprintf("\nExpires in %s.", remaining)
}

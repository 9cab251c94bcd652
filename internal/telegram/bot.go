package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avelasco/opsbot/internal/db"
	"github.com/avelasco/opsbot/internal/hitl"
)

// TaskStarter starts and cancels agent tasks.
type TaskStarter interface {
	StartTask(sessionID, prompt string) (*hitl.Task, error)
	Cancel(taskID string) error
}

// Resolver delivers human decisions to waiting tasks.
type Resolver interface {
	Resolve(requestID string, approved bool, answer, resolvedBy string) error
}

// SessionStore is the slice of the database the bot needs.
type SessionStore interface {
	GetSessionByTelegramChat(chatID int64) (*db.Session, error)
	CreateSession(input db.CreateSessionInput) (*db.Session, error)
	ListServers() ([]*db.Server, error)
}

// Bot long-polls Telegram, turns chats into sessions and forwards approval
// button presses to the resolver. One chat maps to one session.
type Bot struct {
	api      *Client
	allowed  map[int64]bool
	tasks    TaskStarter
	resolver Resolver
	registry *hitl.Registry
	slots    *hitl.SlotManager
	store    SessionStore

	mu       sync.Mutex
	channels map[int64]*chatChannel
	pending  map[string]*hitl.Request // unresolved asks by request id
	latest   map[int64]string         // newest pending request per chat
}

type Deps struct {
	Tasks    TaskStarter
	Resolver Resolver
	Registry *hitl.Registry
	Slots    *hitl.SlotManager
	Store    SessionStore
}

func NewBot(token string, allowedChatIDs []int64, deps Deps) *Bot {
	allowed := make(map[int64]bool, len(allowedChatIDs))
	for _, id := range allowedChatIDs {
		allowed[id] = true
	}
	return &Bot{
		api:      NewClient(token),
		allowed:  allowed,
		tasks:    deps.Tasks,
		resolver: deps.Resolver,
		registry: deps.Registry,
		slots:    deps.Slots,
		store:    deps.Store,
		channels: make(map[int64]*chatChannel),
		pending:  make(map[string]*hitl.Request),
		latest:   make(map[int64]string),
	}
}

// Run starts long-polling. Blocks until ctx is cancelled, then tears down the
// chat channels.
func (b *Bot) Run(ctx context.Context) {
	defer b.shutdown()
	slog.Info("telegram bot started", "allowed_chats", len(b.allowed))
	offset := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("telegram bot stopped")
			return
		default:
		}

		updates, err := b.api.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("telegram getUpdates failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) isAuthorized(chatID int64) bool {
	return b.allowed[chatID]
}

func (b *Bot) handleMessage(ctx context.Context, msg *message) {
	chatID := msg.Chat.ID
	if !b.isAuthorized(chatID) {
		slog.Warn("telegram message from unauthorized chat", "chat_id", chatID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		command, args := parseCommand(text)
		reply, err := b.handleCommand(ctx, chatID, command, args)
		if err != nil {
			reply = "Error: " + err.Error()
		}
		if reply != "" {
			b.reply(chatID, reply)
		}
		return
	}

	// Plain text either answers a pending question or starts a task.
	if b.answerPending(chatID, text) {
		return
	}
	if err := b.startTask(chatID, text); err != nil {
		b.reply(chatID, "Error: "+err.Error())
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, command, args string) (string, error) {
	switch command {
	case "start", "help":
		return strings.TrimSpace(`Commands:
/run <prompt>  start a task (plain text works too)
/cancel        cancel the running task
/status        show the current task state
/servers       list registered servers
/approve       approve the pending request
/deny [note]   deny the pending request
/answer <text> answer the pending question

Plain messages answer a pending question, or start a new task.`), nil
	case "run":
		if strings.TrimSpace(args) == "" {
			return "Usage: /run <prompt>", nil
		}
		return "", b.startTask(chatID, strings.TrimSpace(args))
	case "cancel":
		return b.commandCancel(chatID)
	case "status":
		return b.commandStatus(chatID)
	case "servers":
		return b.commandServers()
	case "approve":
		return b.resolvePending(chatID, true, strings.TrimSpace(args))
	case "deny":
		return b.resolvePending(chatID, false, strings.TrimSpace(args))
	case "answer":
		if strings.TrimSpace(args) == "" {
			return "Usage: /answer <text>", nil
		}
		if !b.answerPending(chatID, strings.TrimSpace(args)) {
			return "Nothing is waiting for an answer.", nil
		}
		return "", nil
	default:
		return "Unknown command. Use /help.", nil
	}
}

func (b *Bot) startTask(chatID int64, prompt string) error {
	session, err := b.ensureSession(chatID)
	if err != nil {
		return err
	}
	b.ensureChannel(chatID, session.ID)

	_, err = b.tasks.StartTask(session.ID, prompt)
	if errors.Is(err, hitl.ErrBusy) {
		// The session_busy event already reached the chat channel.
		return nil
	}
	return err
}

func (b *Bot) commandCancel(chatID int64) (string, error) {
	session, err := b.ensureSession(chatID)
	if err != nil {
		return "", err
	}
	task, ok := b.slots.ActiveTask(session.ID)
	if !ok {
		return "No task is running.", nil
	}
	if err := b.tasks.Cancel(task.ID); err != nil {
		return "", err
	}
	return "Cancelling " + shortID(task.ID) + ".", nil
}

func (b *Bot) commandStatus(chatID int64) (string, error) {
	session, err := b.ensureSession(chatID)
	if err != nil {
		return "", err
	}
	task, ok := b.slots.ActiveTask(session.ID)
	if !ok {
		return "Idle. Send a message to start a task.", nil
	}
	return fmt.Sprintf("Task %s is %s.\nPrompt: %s", shortID(task.ID), task.State(), truncate(task.Prompt, 200)), nil
}

func (b *Bot) commandServers() (string, error) {
	servers, err := b.store.ListServers()
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "No servers registered. Add them in the web panel.", nil
	}
	lines := make([]string, 0, len(servers)+1)
	lines = append(lines, "Servers:")
	for _, s := range servers {
		tags := ""
		if len(s.Tags) > 0 {
			tags = " [" + strings.Join(s.Tags, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("• %s %s@%s:%d%s", s.Name, s.Username, s.Host, s.Port, tags))
	}
	return strings.Join(lines, "\n"), nil
}

func (b *Bot) handleCallback(cb *callbackQuery) {
	if cb.Message == nil || !b.isAuthorized(cb.Message.Chat.ID) {
		_ = b.api.AnswerCallbackQuery(cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID
	resolvedBy := channelKey(chatID)

	var notice string
	switch {
	case strings.HasPrefix(cb.Data, "ap:"):
		notice = b.resolveByID(strings.TrimPrefix(cb.Data, "ap:"), true, "", resolvedBy, "Approved")
	case strings.HasPrefix(cb.Data, "dn:"):
		notice = b.resolveByID(strings.TrimPrefix(cb.Data, "dn:"), false, "", resolvedBy, "Denied")
	case strings.HasPrefix(cb.Data, "op:"):
		notice = b.resolveOption(strings.TrimPrefix(cb.Data, "op:"), resolvedBy)
	default:
		notice = ""
	}
	_ = b.api.AnswerCallbackQuery(cb.ID, notice)
}

func (b *Bot) resolveByID(requestID string, approved bool, answer, resolvedBy, okNotice string) string {
	err := b.resolver.Resolve(requestID, approved, answer, resolvedBy)
	switch {
	case err == nil:
		return okNotice
	case errors.Is(err, hitl.ErrAlreadyResolved):
		return "Already handled elsewhere"
	default:
		return "Request expired"
	}
}

// resolveOption handles "op:<request-id>:<index>" from a question keyboard.
func (b *Bot) resolveOption(data, resolvedBy string) string {
	idx := strings.LastIndex(data, ":")
	if idx < 0 {
		return "Request expired"
	}
	requestID := data[:idx]
	optionIdx, err := strconv.Atoi(data[idx+1:])
	if err != nil {
		return "Request expired"
	}

	b.mu.Lock()
	req := b.pending[requestID]
	b.mu.Unlock()
	if req == nil || optionIdx < 0 || optionIdx >= len(req.Options) {
		return "Request expired"
	}
	return b.resolveByID(requestID, true, req.Options[optionIdx], resolvedBy, "Sent: "+truncate(req.Options[optionIdx], 40))
}

// resolvePending resolves the newest pending request in this chat, used by
// the /approve and /deny commands.
func (b *Bot) resolvePending(chatID int64, approved bool, answer string) (string, error) {
	b.mu.Lock()
	requestID := b.latest[chatID]
	b.mu.Unlock()
	if requestID == "" {
		return "Nothing is pending.", nil
	}
	err := b.resolver.Resolve(requestID, approved, answer, channelKey(chatID))
	if errors.Is(err, hitl.ErrAlreadyResolved) {
		return "Already handled elsewhere.", nil
	}
	return "", err
}

// answerPending treats free text as the answer to a pending question. Returns
// false when nothing question-shaped is waiting.
func (b *Bot) answerPending(chatID int64, text string) bool {
	b.mu.Lock()
	requestID := b.latest[chatID]
	req := b.pending[requestID]
	b.mu.Unlock()
	if req == nil || req.Variant == hitl.VariantPermission {
		return false
	}
	err := b.resolver.Resolve(requestID, true, text, channelKey(chatID))
	if errors.Is(err, hitl.ErrAlreadyResolved) {
		b.reply(chatID, "That request was already handled elsewhere.")
	}
	return true
}

func (b *Bot) ensureSession(chatID int64) (*db.Session, error) {
	session, err := b.store.GetSessionByTelegramChat(chatID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	title := "Telegram chat"
	return b.store.CreateSession(db.CreateSessionInput{
		Title:          &title,
		Origin:         db.OriginTelegram,
		TelegramChatID: &chatID,
	})
}

func (b *Bot) ensureChannel(chatID int64, sessionID string) {
	b.mu.Lock()
	ch, ok := b.channels[chatID]
	if !ok {
		ch = newChatChannel(b, chatID, sessionID)
		b.channels[chatID] = ch
	}
	b.mu.Unlock()
	b.registry.Attach(sessionID, ch)
}

// shutdown detaches every chat channel from the registry and stops its render
// goroutine, mirroring the websocket adapter's disconnect path.
func (b *Bot) shutdown() {
	b.mu.Lock()
	channels := make([]*chatChannel, 0, len(b.channels))
	for chatID, ch := range b.channels {
		channels = append(channels, ch)
		delete(b.channels, chatID)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		b.registry.Detach(ch.sessionID, ch.Key())
		ch.Close()
	}
}

func (b *Bot) trackRequest(chatID int64, req *hitl.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[req.ID] = req
	b.latest[chatID] = req.ID
}

func (b *Bot) clearRequest(chatID int64, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	if b.latest[chatID] == requestID {
		delete(b.latest, chatID)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.SendMessage(chatID, text, nil); err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func channelKey(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

// parseCommand splits "/run@opsbot uptime please" into ("run", "uptime please").
func parseCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := strings.TrimPrefix(parts[0], "/")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	args := ""
	if len(parts) == 2 {
		args = parts[1]
	}
	return strings.ToLower(command), args
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/avelasco/opsbot/internal/hitl"
)

// openTestDB creates an in-memory database for testing
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Server Tests ---

func TestCreateServer(t *testing.T) {
	db := openTestDB(t)

	server, err := db.CreateServer(CreateServerInput{
		Name:     "web-1",
		Host:     "10.0.0.5",
		Username: "deploy",
		Tags:     []string{"prod", "web"},
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if server.ID == "" {
		t.Error("expected non-empty ID")
	}
	if server.Name != "web-1" {
		t.Errorf("expected name 'web-1', got %q", server.Name)
	}
	if server.Port != 22 {
		t.Errorf("expected default port 22, got %d", server.Port)
	}
	if len(server.Tags) != 2 || server.Tags[0] != "prod" {
		t.Errorf("unexpected tags: %v", server.Tags)
	}
}

func TestGetServerByName(t *testing.T) {
	db := openTestDB(t)

	created, _ := db.CreateServer(CreateServerInput{
		Name: "db-1", Host: "10.0.0.6", Username: "root", Port: 2222,
	})

	got, err := db.GetServerByName("db-1")
	if err != nil {
		t.Fatalf("get server by name: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected ID %q, got %q", created.ID, got.ID)
	}
	if got.Port != 2222 {
		t.Errorf("expected port 2222, got %d", got.Port)
	}

	if _, err := db.GetServerByName("nonexistent"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateServer(t *testing.T) {
	db := openTestDB(t)

	server, _ := db.CreateServer(CreateServerInput{
		Name: "app-1", Host: "10.0.0.7", Username: "deploy",
	})

	newHost := "10.0.1.7"
	keyPath := "/home/ops/.ssh/id_ed25519"
	updated, err := db.UpdateServer(server.ID, UpdateServerInput{
		Host:    &newHost,
		KeyPath: &keyPath,
	})
	if err != nil {
		t.Fatalf("update server: %v", err)
	}

	if updated.Host != "10.0.1.7" {
		t.Errorf("expected updated host, got %q", updated.Host)
	}
	if updated.KeyPath == nil || *updated.KeyPath != keyPath {
		t.Errorf("expected key path %q, got %v", keyPath, updated.KeyPath)
	}
	if updated.Username != "deploy" {
		t.Errorf("username should be unchanged, got %q", updated.Username)
	}
}

func TestDeleteServer(t *testing.T) {
	db := openTestDB(t)

	server, _ := db.CreateServer(CreateServerInput{
		Name: "tmp", Host: "10.0.0.8", Username: "root",
	})

	if err := db.DeleteServer(server.ID); err != nil {
		t.Fatalf("delete server: %v", err)
	}
	if _, err := db.GetServer(server.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := db.DeleteServer(server.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// --- Session Tests ---

func TestCreateSession(t *testing.T) {
	db := openTestDB(t)

	session, err := db.CreateSession(CreateSessionInput{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.ID == "" {
		t.Error("expected non-empty ID")
	}
	if session.Origin != OriginWeb {
		t.Errorf("expected default origin 'web', got %q", session.Origin)
	}
	if session.ServerID != nil {
		t.Errorf("expected nil server ID, got %v", session.ServerID)
	}
}

func TestSessionByTelegramChat(t *testing.T) {
	db := openTestDB(t)

	chatID := int64(987654)
	created, err := db.CreateSession(CreateSessionInput{
		Origin:         OriginTelegram,
		TelegramChatID: &chatID,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := db.GetSessionByTelegramChat(chatID)
	if err != nil {
		t.Fatalf("get session by chat: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected session %q, got %q", created.ID, got.ID)
	}
	if got.TelegramChatID == nil || *got.TelegramChatID != chatID {
		t.Errorf("unexpected chat id: %v", got.TelegramChatID)
	}

	if _, err := db.GetSessionByTelegramChat(111); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown chat, got %v", err)
	}
}

func TestUpdateSession(t *testing.T) {
	db := openTestDB(t)

	server, _ := db.CreateServer(CreateServerInput{
		Name: "s", Host: "10.0.0.9", Username: "root",
	})
	session, _ := db.CreateSession(CreateSessionInput{})

	title := "nginx incident"
	updated, err := db.UpdateSession(session.ID, UpdateSessionInput{
		ServerID: &server.ID,
		Title:    &title,
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}

	if updated.ServerID == nil || *updated.ServerID != server.ID {
		t.Errorf("expected server id %q, got %v", server.ID, updated.ServerID)
	}
	if updated.Title == nil || *updated.Title != title {
		t.Errorf("expected title %q, got %v", title, updated.Title)
	}
}

// --- Chat Message Tests ---

func TestChatMessages_AppendAndList(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})

	msg1, err := db.AppendChatMessage(session.ID, "user_message", `{"type":"user_message","content":"hello"}`)
	if err != nil {
		t.Fatalf("append message 1: %v", err)
	}
	if msg1.Seq != 1 {
		t.Errorf("expected seq 1, got %d", msg1.Seq)
	}

	msg2, err := db.AppendChatMessage(session.ID, "stream_chunk", `{"type":"stream_chunk","content":"hi"}`)
	if err != nil {
		t.Fatalf("append message 2: %v", err)
	}
	if msg2.Seq != 2 {
		t.Errorf("expected seq 2, got %d", msg2.Seq)
	}

	list, err := db.ListChatMessages(session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list))
	}
	if list[0].Kind != "user_message" || list[1].Kind != "stream_chunk" {
		t.Errorf("unexpected kinds: %q, %q", list[0].Kind, list[1].Kind)
	}

	// Sequence counters are per session.
	other, _ := db.CreateSession(CreateSessionInput{})
	msg, err := db.AppendChatMessage(other.ID, "user_message", `{}`)
	if err != nil {
		t.Fatalf("append to other session: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("expected fresh session to start at seq 1, got %d", msg.Seq)
	}
}

func TestChatMessages_RecentWindow(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})

	for i := 0; i < 5; i++ {
		if _, err := db.AppendChatMessage(session.ID, "stream_chunk", `{}`); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := db.ListRecentChatMessages(session.ID, 3)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	if recent[0].Seq != 3 || recent[2].Seq != 5 {
		t.Errorf("expected seqs 3..5 in order, got %d..%d", recent[0].Seq, recent[2].Seq)
	}
}

func TestChatMessages_CascadeDeleteOnSessionDelete(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})

	if _, err := db.AppendChatMessage(session.ID, "user_message", `{}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.DeleteSession(session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	list, err := db.ListChatMessages(session.ID)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected 0 messages after cascade delete, got %d", len(list))
	}
}

// --- Task Run Tests ---

func TestSaveTaskRun(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})

	text := "nginx restarted"
	run, err := db.SaveTaskRun(SaveTaskRunInput{
		ID:         "task-1",
		SessionID:  session.ID,
		Prompt:     "restart nginx",
		State:      "completed",
		ResultText: &text,
		CreatedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("save task run: %v", err)
	}
	if run.State != "completed" {
		t.Errorf("expected state completed, got %q", run.State)
	}
	if run.ResultText == nil || *run.ResultText != text {
		t.Errorf("unexpected result text: %v", run.ResultText)
	}

	// Upsert overwrites the terminal fields.
	errText := "lost connection"
	run, err = db.SaveTaskRun(SaveTaskRunInput{
		ID:         "task-1",
		SessionID:  session.ID,
		Prompt:     "restart nginx",
		State:      "failed",
		Error:      &errText,
		CreatedAt:  run.CreatedAt,
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert task run: %v", err)
	}
	if run.State != "failed" || run.Error == nil || *run.Error != errText {
		t.Errorf("unexpected upserted run: %+v", run)
	}

	runs, err := db.ListTaskRuns(session.ID)
	if err != nil {
		t.Fatalf("list task runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run after upsert, got %d", len(runs))
	}
}

// --- Approval Log Tests ---

func TestApprovalLog(t *testing.T) {
	db := openTestDB(t)

	tool := "run_shell"
	resolvedBy := "tg:1234"
	err := db.InsertApproval(InsertApprovalInput{
		RequestID:  "req-1",
		SessionID:  "s1",
		TaskID:     "task-1",
		Variant:    "permission",
		ToolName:   &tool,
		Outcome:    "answered",
		Approved:   true,
		ResolvedBy: &resolvedBy,
	})
	if err != nil {
		t.Fatalf("insert approval: %v", err)
	}

	err = db.InsertApproval(InsertApprovalInput{
		RequestID: "req-2",
		SessionID: "s1",
		TaskID:    "task-1",
		Variant:   "plan",
		Outcome:   "timed_out",
	})
	if err != nil {
		t.Fatalf("insert timed out approval: %v", err)
	}

	records, err := db.ListApprovalsBySession("s1")
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	found := map[string]*ApprovalRecord{}
	for _, rec := range records {
		found[rec.RequestID] = rec
	}
	if rec := found["req-1"]; rec == nil || !rec.Approved || rec.ResolvedBy == nil {
		t.Errorf("unexpected answered record: %+v", rec)
	}
	if rec := found["req-2"]; rec == nil || rec.Approved || rec.Outcome != "timed_out" {
		t.Errorf("unexpected timed out record: %+v", rec)
	}
}

// --- Preference Tests ---

func TestPreference_SetGetList(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.SetPreference(DefaultUserID, "theme", `"dark"`); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	if _, err := db.SetPreference(DefaultUserID, "theme", `"light"`); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}
	if _, err := db.SetPreference(DefaultUserID, "notify", `true`); err != nil {
		t.Fatalf("set preference: %v", err)
	}

	got, err := db.GetPreference(DefaultUserID, "theme")
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if got.Value != `"light"` {
		t.Errorf("expected upserted value, got %q", got.Value)
	}

	all, err := db.ListPreferences(DefaultUserID)
	if err != nil {
		t.Fatalf("list preferences: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 preferences, got %d", len(all))
	}

	if err := db.DeletePreference(DefaultUserID, "notify"); err != nil {
		t.Fatalf("delete preference: %v", err)
	}
	if _, err := db.GetPreference(DefaultUserID, "notify"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// --- Archive Tests ---

func TestEventArchive_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})
	archive := NewEventArchive(db)

	events := []hitl.Event{
		{Type: hitl.EventUserMessage, SessionID: session.ID, Content: "check disk space"},
		{Type: hitl.EventStreamChunk, SessionID: session.ID, Content: "Checking..."},
		{Type: hitl.EventStreamEnd, SessionID: session.ID, FinalContent: "All volumes below 60%."},
	}
	for _, evt := range events {
		if err := archive.SaveEvent(evt); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	msgs, err := db.ListChatMessages(session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 archived events, got %d", len(msgs))
	}
	var replayed hitl.Event
	if err := json.Unmarshal([]byte(msgs[0].PayloadJSON), &replayed); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if replayed.Type != hitl.EventUserMessage || replayed.Content != "check disk space" {
		t.Errorf("unexpected replayed event: %+v", replayed)
	}

	history, err := archive.History(session.ID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 turns (user + assistant), got %d", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("unexpected roles: %q, %q", history[0].Role, history[1].Role)
	}
	if history[1].Content != "All volumes below 60%." {
		t.Errorf("unexpected assistant turn: %q", history[1].Content)
	}
}

func TestEventArchive_SaveTaskResult(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})
	archive := NewEventArchive(db)

	task := &hitl.Task{ID: "task-9", SessionID: session.ID, Prompt: "uptime", CreatedAt: time.Now()}
	err := archive.SaveTaskResult(task, hitl.TaskCancelled, hitl.Result{Cancelled: true})
	if err != nil {
		t.Fatalf("save task result: %v", err)
	}

	run, err := db.GetTaskRun("task-9")
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	if run.State != "cancelled" || !run.Cancelled {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestEventArchive_SaveResolution(t *testing.T) {
	db := openTestDB(t)
	session, _ := db.CreateSession(CreateSessionInput{})
	archive := NewEventArchive(db)

	req := hitl.Request{
		ID:        "req-7",
		SessionID: session.ID,
		TaskID:    "task-9",
		Variant:   hitl.VariantPermission,
		ToolName:  "run_shell",
	}
	err := archive.SaveResolution(req, hitl.Resolution{
		RequestID:  "req-7",
		Outcome:    hitl.OutcomeAnswered,
		Approved:   true,
		ResolvedBy: "tg:42",
	})
	if err != nil {
		t.Fatalf("save resolution: %v", err)
	}

	records, err := db.ListApprovalsBySession(session.ID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(records))
	}
	rec := records[0]
	if rec.RequestID != "req-7" || !rec.Approved || rec.Outcome != "answered" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.ToolName == nil || *rec.ToolName != "run_shell" {
		t.Errorf("tool name = %v", rec.ToolName)
	}
	if rec.ResolvedBy == nil || *rec.ResolvedBy != "tg:42" {
		t.Errorf("resolved by = %v", rec.ResolvedBy)
	}

	// The outcome also lands in the replayable chat history.
	msgs, err := db.ListChatMessages(session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the resolved event in history, got %d messages", len(msgs))
	}
	var replayed hitl.Event
	if err := json.Unmarshal([]byte(msgs[0].PayloadJSON), &replayed); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if replayed.Type != hitl.EventResolved || replayed.RequestID != "req-7" ||
		replayed.Approved == nil || !*replayed.Approved {
		t.Errorf("unexpected replayed event: %+v", replayed)
	}

	// A request that expired is logged as not approved.
	err = archive.SaveResolution(
		hitl.Request{ID: "req-8", SessionID: session.ID, TaskID: "task-9", Variant: hitl.VariantPlan},
		hitl.Resolution{RequestID: "req-8", Outcome: hitl.OutcomeTimedOut},
	)
	if err != nil {
		t.Fatalf("save timed out resolution: %v", err)
	}
	records, err = db.ListApprovalsBySession(session.ID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(records))
	}
	for _, rec := range records {
		if rec.RequestID == "req-8" && (rec.Approved || rec.Outcome != "timed_out") {
			t.Errorf("unexpected timed out record: %+v", rec)
		}
	}
}

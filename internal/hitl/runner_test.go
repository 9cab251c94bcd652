package hitl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avelasco/opsbot/internal/agent"
)

// scriptedAgent drives the runner with a deterministic event sequence. emit
// returns false once the task context is cancelled, mirroring the Agent
// contract that every send races ctx.Done.
type scriptedAgent struct {
	startErr error
	script   func(ctx context.Context, emit func(agent.Event) bool)
}

func (a *scriptedAgent) Run(ctx context.Context, _ agent.RunRequest) (<-chan agent.Event, error) {
	if a.startErr != nil {
		return nil, a.startErr
	}
	out := make(chan agent.Event)
	emit := func(ev agent.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		a.script(ctx, emit)
	}()
	return out, nil
}

func askAndWait(emit func(agent.Event) bool, ask *agent.Ask) (agent.Decision, bool) {
	if !emit(agent.Event{Kind: agent.EventAsk, Ask: ask}) {
		return agent.Decision{}, false
	}
	return <-ask.Resp, true
}

func testRunner(t *testing.T, ag agent.Agent, cfg Config) (*Runner, *Registry, *recorder) {
	t.Helper()
	reg := NewRegistry()
	bus := NewBus(reg, nil)
	slots := NewSlotManager()
	rec := newRecorder("ws:test")
	reg.Attach("s1", rec)
	return NewRunner(ag, bus, slots, cfg), reg, rec
}

func waitEvent(t *testing.T, rec *recorder, match func(Event) bool, desc string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range rec.all() {
			if match(evt) {
				return evt
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; saw %d events", desc, len(rec.all()))
	return Event{}
}

func waitStatus(t *testing.T, rec *recorder, state TaskState) Event {
	t.Helper()
	return waitEvent(t, rec, func(evt Event) bool {
		return evt.Type == EventTaskStatus && evt.Status == state
	}, "task_status "+string(state))
}

func eventIndex(events []Event, match func(Event) bool) int {
	for i, evt := range events {
		if match(evt) {
			return i
		}
	}
	return -1
}

// recordingArchive captures persistence calls for assertions.
type recordingArchive struct {
	mu          sync.Mutex
	events      []Event
	resolutions []Resolution
	results     []TaskState
}

func (a *recordingArchive) SaveEvent(evt Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

func (a *recordingArchive) SaveResolution(_ Request, res Resolution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolutions = append(a.resolutions, res)
	return nil
}

func (a *recordingArchive) SaveTaskResult(_ *Task, state TaskState, _ Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, state)
	return nil
}

func (a *recordingArchive) allResolutions() []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Resolution(nil), a.resolutions...)
}

func TestRunnerApprovalRoundTrip(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		emit(agent.Event{Kind: agent.EventChunk, Text: "Checking the service. "})

		ask := agent.NewAsk(agent.AskPermission)
		ask.Tool = "run_shell"
		ask.Description = "systemctl restart nginx"
		dec, ok := askAndWait(emit, ask)
		if !ok || !dec.Approved {
			emit(agent.Event{Kind: agent.EventError, Err: errors.New("expected approval")})
			return
		}

		emit(agent.Event{Kind: agent.EventChunk, Text: "Restarted."})
		emit(agent.Event{Kind: agent.EventDone, Text: "nginx restarted cleanly"})
	}}
	runner, _, rec := testRunner(t, ag, Config{})

	// Approve from a second goroutine, like a human clicking a button.
	go func() {
		for {
			for _, evt := range rec.all() {
				if evt.Type == EventHITLRequest {
					_ = runner.bus.Resolve(evt.RequestID, true, "", "ws:test")
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	task, err := runner.StartTask("s1", "restart nginx")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	waitStatus(t, rec, TaskCompleted)
	if res := task.Result(); res.Text != "nginx restarted cleanly" {
		t.Fatalf("result = %+v, want final text", res)
	}

	events := rec.all()
	iChunk1 := eventIndex(events, func(e Event) bool {
		return e.Type == EventStreamChunk && strings.HasPrefix(e.Content, "Checking")
	})
	iReq := eventIndex(events, func(e Event) bool { return e.Type == EventHITLRequest })
	iRes := eventIndex(events, func(e Event) bool { return e.Type == EventResolved })
	iChunk2 := eventIndex(events, func(e Event) bool {
		return e.Type == EventStreamChunk && e.Content == "Restarted."
	})
	iEnd := eventIndex(events, func(e Event) bool { return e.Type == EventStreamEnd })
	for name, idx := range map[string]int{
		"chunk1": iChunk1, "request": iReq, "resolved": iRes, "chunk2": iChunk2, "stream_end": iEnd,
	} {
		if idx < 0 {
			t.Fatalf("missing %s event", name)
		}
	}
	if !(iChunk1 < iReq && iReq < iRes && iRes < iChunk2 && iChunk2 < iEnd) {
		t.Fatalf("events out of order: chunk1=%d req=%d res=%d chunk2=%d end=%d",
			iChunk1, iReq, iRes, iChunk2, iEnd)
	}

	req := events[iReq].Request
	if req == nil || req.Variant != VariantPermission || req.ToolName != "run_shell" {
		t.Fatalf("request payload = %+v", req)
	}
	if events[iEnd].FinalContent != "nginx restarted cleanly" {
		t.Fatalf("stream_end final content = %q", events[iEnd].FinalContent)
	}
}

func TestRunnerArchivesApprovedResolution(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskPermission)
		ask.Tool = "run_shell"
		dec, ok := askAndWait(emit, ask)
		if !ok || !dec.Approved {
			emit(agent.Event{Kind: agent.EventError, Err: errors.New("expected approval")})
			return
		}
		emit(agent.Event{Kind: agent.EventDone, Text: "done"})
	}}
	runner, _, rec := testRunner(t, ag, Config{})
	archive := &recordingArchive{}
	runner.WithArchive(archive)

	go func() {
		for {
			for _, evt := range rec.all() {
				if evt.Type == EventHITLRequest {
					_ = runner.bus.Resolve(evt.RequestID, true, "", "tg:42")
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	if _, err := runner.StartTask("s1", "restart nginx"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitStatus(t, rec, TaskCompleted)

	resolutions := archive.allResolutions()
	if len(resolutions) != 1 {
		t.Fatalf("archived %d resolutions, want 1", len(resolutions))
	}
	res := resolutions[0]
	if res.Outcome != OutcomeAnswered || !res.Approved || res.ResolvedBy != "tg:42" {
		t.Fatalf("resolution = %+v", res)
	}
}

func TestRunnerArchivesTimedOutResolution(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskPermission)
		ask.Tool = "run_shell"
		if _, ok := askAndWait(emit, ask); !ok {
			return
		}
		emit(agent.Event{Kind: agent.EventDone, Text: "skipped"})
	}}
	runner, _, rec := testRunner(t, ag, Config{PermissionTimeout: 25 * time.Millisecond})
	archive := &recordingArchive{}
	runner.WithArchive(archive)

	if _, err := runner.StartTask("s1", "restart nginx"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitStatus(t, rec, TaskCompleted)

	resolutions := archive.allResolutions()
	if len(resolutions) != 1 {
		t.Fatalf("archived %d resolutions, want 1", len(resolutions))
	}
	if resolutions[0].Outcome != OutcomeTimedOut || resolutions[0].Approved {
		t.Fatalf("resolution = %+v", resolutions[0])
	}
}

func TestRunnerPermissionTimeoutDenies(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskPermission)
		ask.Tool = "run_shell"
		dec, ok := askAndWait(emit, ask)
		if !ok {
			return
		}
		if dec.Approved || !dec.Unanswered {
			emit(agent.Event{Kind: agent.EventError, Err: errors.New("expected fail-safe denial")})
			return
		}
		emit(agent.Event{Kind: agent.EventDone, Text: "skipped the restart"})
	}}
	runner, _, rec := testRunner(t, ag, Config{PermissionTimeout: 25 * time.Millisecond})

	task, err := runner.StartTask("s1", "restart nginx")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	waitStatus(t, rec, TaskCompleted)
	if task.Result().Text != "skipped the restart" {
		t.Fatalf("result = %+v", task.Result())
	}

	resolved := waitEvent(t, rec, func(e Event) bool { return e.Type == EventResolved }, "hitl_resolved")
	if resolved.Approved == nil || *resolved.Approved {
		t.Fatal("timeout must broadcast a denial")
	}
}

func TestRunnerCancelDuringApprovalWait(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskQuestion)
		ask.Question = "Which disk should I wipe?"
		if _, ok := askAndWait(emit, ask); !ok {
			return
		}
		// The task was cancelled while parked; stop instead of continuing.
		<-ctx.Done()
	}}
	runner, _, rec := testRunner(t, ag, Config{})

	task, err := runner.StartTask("s1", "clean up disks")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	waitEvent(t, rec, func(e Event) bool { return e.Type == EventQuestion }, "question")
	if err := runner.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitStatus(t, rec, TaskCancelled)
	if !task.Result().Cancelled {
		t.Fatalf("result = %+v, want cancelled marker", task.Result())
	}

	// The slot is free again.
	if _, ok := runner.slots.ActiveTask("s1"); ok {
		t.Fatal("slot still held after cancellation")
	}
	idle := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		emit(agent.Event{Kind: agent.EventDone, Text: "ok"})
	}}
	runner.agent = idle
	if _, err := runner.StartTask("s1", "next"); err != nil {
		t.Fatalf("StartTask after cancel: %v", err)
	}
}

func TestRunnerBusySession(t *testing.T) {
	release := make(chan struct{})
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		emit(agent.Event{Kind: agent.EventDone, Text: "done"})
	}}
	runner, _, rec := testRunner(t, ag, Config{})

	first, err := runner.StartTask("s1", "long job")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	_, err = runner.StartTask("s1", "impatient second job")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartTask = %v, want ErrBusy", err)
	}

	busyEvt := waitEvent(t, rec, func(e Event) bool { return e.Type == EventSessionBusy }, "session_busy")
	if busyEvt.ExistingTask != first.ID {
		t.Fatalf("session_busy existing task = %s, want %s", busyEvt.ExistingTask, first.ID)
	}

	close(release)
	waitStatus(t, rec, TaskCompleted)
}

func TestRunnerAgentErrorFailsTask(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		emit(agent.Event{Kind: agent.EventChunk, Text: "working"})
		emit(agent.Event{Kind: agent.EventError, Err: errors.New("model backend unreachable")})
	}}
	runner, _, rec := testRunner(t, ag, Config{})

	task, err := runner.StartTask("s1", "p")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	evt := waitStatus(t, rec, TaskFailed)
	if !strings.Contains(evt.Error, "model backend unreachable") {
		t.Fatalf("failed status error = %q", evt.Error)
	}
	if task.Result().Err == "" {
		t.Fatal("failed task must carry an error result")
	}
}

func TestRunnerStartErrorFailsTask(t *testing.T) {
	ag := &scriptedAgent{startErr: errors.New("no api key configured")}
	runner, _, rec := testRunner(t, ag, Config{})

	if _, err := runner.StartTask("s1", "p"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	evt := waitStatus(t, rec, TaskFailed)
	if !strings.Contains(evt.Error, "no api key configured") {
		t.Fatalf("failed status error = %q", evt.Error)
	}
}

func TestRunnerUnansweredQuestionContinues(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskQuestion)
		ask.Question = "prod or staging?"
		dec, ok := askAndWait(emit, ask)
		if !ok {
			return
		}
		if !dec.Unanswered {
			emit(agent.Event{Kind: agent.EventError, Err: errors.New("expected unanswered marker")})
			return
		}
		emit(agent.Event{Kind: agent.EventDone, Text: "assumed staging"})
	}}
	runner, _, rec := testRunner(t, ag, Config{QuestionTimeout: 25 * time.Millisecond})

	task, err := runner.StartTask("s1", "deploy")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitStatus(t, rec, TaskCompleted)
	if task.Result().Text != "assumed staging" {
		t.Fatalf("result = %+v", task.Result())
	}
}

func TestRunnerUnansweredPlanAborts(t *testing.T) {
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		ask := agent.NewAsk(agent.AskPlan)
		ask.Plan = "1. stop service\n2. resize volume\n3. start service"
		if _, ok := askAndWait(emit, ask); !ok {
			return
		}
		<-ctx.Done()
	}}
	runner, _, rec := testRunner(t, ag, Config{PlanTimeout: 25 * time.Millisecond})

	task, err := runner.StartTask("s1", "resize the data volume")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	evt := waitStatus(t, rec, TaskFailed)
	if !strings.Contains(evt.Error, "no human answer") {
		t.Fatalf("failed status error = %q", evt.Error)
	}
	if !task.Cancelled() {
		t.Fatal("aborting must release the agent via the task context")
	}
}

func TestRunnerCancelMidStream(t *testing.T) {
	started := make(chan struct{})
	ag := &scriptedAgent{script: func(ctx context.Context, emit func(agent.Event) bool) {
		emit(agent.Event{Kind: agent.EventChunk, Text: "step 1"})
		close(started)
		for {
			if !emit(agent.Event{Kind: agent.EventChunk, Text: "more"}) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}}
	runner, _, rec := testRunner(t, ag, Config{})

	task, err := runner.StartTask("s1", "p")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	<-started
	if err := runner.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitStatus(t, rec, TaskCancelled)
	if !task.Result().Cancelled {
		t.Fatalf("result = %+v, want cancelled", task.Result())
	}
}

package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avelasco/opsbot/internal/agent"
)

// Default deadlines for human decisions. Plans get longer because a human has
// to read them.
const (
	DefaultPermissionTimeout = 2 * time.Minute
	DefaultQuestionTimeout   = 2 * time.Minute
	DefaultPlanTimeout       = 5 * time.Minute
)

// UnansweredPolicy decides what happens when a question or plan review times
// out: abort the task, or let the agent continue without an answer. Either
// way the outcome is surfaced explicitly, never silently swallowed.
type UnansweredPolicy string

const (
	UnansweredContinue UnansweredPolicy = "continue"
	UnansweredAbort    UnansweredPolicy = "abort"
)

var errUnanswered = errors.New("no human answer before deadline")

// Config tunes runner timeouts and timeout policies.
type Config struct {
	PermissionTimeout    time.Duration
	QuestionTimeout      time.Duration
	PlanTimeout          time.Duration
	OnUnansweredQuestion UnansweredPolicy
	OnUnansweredPlan     UnansweredPolicy
}

func (c Config) withDefaults() Config {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = DefaultQuestionTimeout
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = DefaultPlanTimeout
	}
	if c.OnUnansweredQuestion == "" {
		c.OnUnansweredQuestion = UnansweredContinue
	}
	if c.OnUnansweredPlan == "" {
		c.OnUnansweredPlan = UnansweredAbort
	}
	return c
}

// Archive persists what the core itself does not own: chat history and
// terminal task records. Failures are logged, never fatal to a task.
type Archive interface {
	SaveEvent(evt Event) error
	SaveResolution(req Request, res Resolution) error
	SaveTaskResult(task *Task, state TaskState, res Result) error
}

// HistoryLoader supplies prior conversation turns when resuming a session.
type HistoryLoader interface {
	History(sessionID string, limit int) ([]agent.Message, error)
}

// Runner drives one task from PENDING to a terminal state: it streams agent
// output to subscribers in order, turns the agent's blocking asks into bus
// requests, applies the per-variant timeouts, and converts every failure into
// an explicit FAILED result. One hosting process runs many tasks; an error in
// one never escapes its runner goroutine.
type Runner struct {
	agent   agent.Agent
	bus     *Bus
	slots   *SlotManager
	archive Archive
	history HistoryLoader
	metrics *Metrics
	cfg     Config
}

func NewRunner(ag agent.Agent, bus *Bus, slots *SlotManager, cfg Config) *Runner {
	return &Runner{
		agent: ag,
		bus:   bus,
		slots: slots,
		cfg:   cfg.withDefaults(),
	}
}

// WithArchive attaches a persistence sink for events and task results.
func (r *Runner) WithArchive(a Archive) *Runner {
	r.archive = a
	return r
}

// WithHistory attaches a loader for prior conversation turns.
func (r *Runner) WithHistory(h HistoryLoader) *Runner {
	r.history = h
	return r
}

// WithMetrics attaches orchestration counters.
func (r *Runner) WithMetrics(m *Metrics) *Runner {
	r.metrics = m
	return r
}

// StartTask acquires the session slot and launches the task. On a busy
// session it broadcasts a session-busy notice and returns the BusyError
// carrying the active task's id; callers surface it, they never queue.
func (r *Runner) StartTask(sessionID, prompt string) (*Task, error) {
	task, err := r.slots.Acquire(sessionID, prompt)
	if err != nil {
		var busy *BusyError
		if errors.As(err, &busy) {
			r.publish(Event{
				Type:         EventSessionBusy,
				SessionID:    sessionID,
				ExistingTask: busy.TaskID,
				Status:       busy.State,
			})
		}
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.TasksStarted.Inc()
	}
	r.publish(Event{
		Type:      EventUserMessage,
		SessionID: sessionID,
		TaskID:    task.ID,
		Content:   prompt,
	})

	go r.run(task)
	return task, nil
}

// Cancel sets the task's cooperative cancellation signal.
func (r *Runner) Cancel(taskID string) error {
	return r.slots.Cancel(taskID)
}

func (r *Runner) run(task *Task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("task runner panicked",
				"task_id", task.ID, "session_id", task.SessionID, "panic", rec)
			r.finish(task, TaskFailed, Result{Err: fmt.Sprintf("internal error: %v", rec)})
		}
	}()

	if err := r.slots.Transition(task.ID, TaskRunning); err != nil {
		slog.Error("task could not start", "task_id", task.ID, "session_id", task.SessionID, "error", err)
		r.finish(task, TaskFailed, Result{Err: err.Error()})
		return
	}
	r.publish(Event{Type: EventTaskStatus, SessionID: task.SessionID, TaskID: task.ID, Status: TaskRunning})

	var history []agent.Message
	if r.history != nil {
		var err error
		history, err = r.history.History(task.SessionID, 50)
		if err != nil {
			slog.Warn("failed to load session history", "session_id", task.SessionID, "error", err)
		}
	}

	events, err := r.agent.Run(task.Context(), agent.RunRequest{
		SessionID: task.SessionID,
		Prompt:    task.Prompt,
		History:   history,
	})
	if err != nil {
		r.finish(task, TaskFailed, Result{Err: fmt.Sprintf("start agent: %v", err)})
		return
	}

	var (
		finalText string
		done      bool
		runErr    error
	)

loop:
	for ev := range events {
		if task.Cancelled() {
			break
		}
		switch ev.Kind {
		case agent.EventChunk:
			r.publish(Event{Type: EventStreamChunk, SessionID: task.SessionID, TaskID: task.ID, Content: ev.Text})
		case agent.EventToolStart:
			r.publish(Event{Type: EventToolStart, SessionID: task.SessionID, TaskID: task.ID, Tool: toolUse(ev.Tool)})
		case agent.EventToolResult:
			r.publish(Event{Type: EventToolResult, SessionID: task.SessionID, TaskID: task.ID, Tool: toolUse(ev.Tool)})
		case agent.EventAsk:
			if err := r.handleAsk(task, ev.Ask); err != nil {
				runErr = err
				break loop
			}
		case agent.EventDone:
			finalText = ev.Text
			done = true
		case agent.EventError:
			runErr = ev.Err
		}
	}

	if runErr != nil {
		// Unblock the agent goroutine; it selects on ctx for every send.
		_ = r.slots.Cancel(task.ID)
	}

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		r.finish(task, TaskCancelled, Result{Cancelled: true})
	case runErr != nil:
		slog.Error("agent task failed",
			"task_id", task.ID, "session_id", task.SessionID, "error", runErr)
		r.finish(task, TaskFailed, Result{Err: runErr.Error()})
	case done:
		r.finish(task, TaskCompleted, Result{Text: finalText})
	case task.Cancelled():
		r.finish(task, TaskCancelled, Result{Cancelled: true})
	default:
		// Event channel closed without a done marker: the agent gave up
		// without saying why. Surface it, never let the task vanish.
		r.finish(task, TaskFailed, Result{Err: "agent stream ended unexpectedly"})
	}
}

// handleAsk bridges one blocking agent ask to the approval bus: publish the
// request, park the task in AWAITING_APPROVAL, wait for the first answer (or
// deadline, or cancellation), then reply to the agent exactly once. A timed
// out permission is always a denial; questions and plans follow the
// configured unanswered policy.
func (r *Runner) handleAsk(task *Task, ask *agent.Ask) error {
	variant, timeout := r.askVariant(ask)
	now := time.Now().UTC()
	req := Request{
		ID:          uuid.NewString(),
		SessionID:   task.SessionID,
		TaskID:      task.ID,
		Variant:     variant,
		ToolName:    ask.Tool,
		ToolInput:   ask.Input,
		Description: ask.Description,
		Question:    ask.Question,
		Options:     ask.Options,
		Plan:        ask.Plan,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
	}

	if err := r.slots.Transition(task.ID, TaskAwaitingApproval); err != nil {
		ask.Resp <- agent.Decision{}
		return err
	}
	r.bus.PublishRequest(req)
	r.archiveEvent(Event{Type: requestEventType(variant), SessionID: task.SessionID, TaskID: task.ID, Request: &req, RequestID: req.ID})

	res := r.bus.AwaitResolution(task.Context(), req.ID, timeout)
	r.archiveResolution(req, res)

	if err := r.slots.Transition(task.ID, TaskRunning); err != nil {
		slog.Error("task could not resume after approval wait",
			"task_id", task.ID, "session_id", task.SessionID, "error", err)
	}

	switch res.Outcome {
	case OutcomeAnswered:
		ask.Resp <- agent.Decision{Approved: res.Approved, Answer: res.Answer}
		return nil

	case OutcomeCancelled:
		ask.Resp <- agent.Decision{}
		return context.Canceled

	default: // timed out
		ask.Resp <- agent.Decision{Unanswered: true}
		switch variant {
		case VariantPermission:
			// Fail-safe: an unanswered permission request is a denial.
			return nil
		case VariantQuestion:
			if r.cfg.OnUnansweredQuestion == UnansweredAbort {
				return fmt.Errorf("%w: question %s", errUnanswered, req.ID)
			}
			return nil
		default:
			if r.cfg.OnUnansweredPlan == UnansweredContinue {
				return nil
			}
			return fmt.Errorf("%w: plan approval %s", errUnanswered, req.ID)
		}
	}
}

func (r *Runner) askVariant(ask *agent.Ask) (Variant, time.Duration) {
	switch ask.Kind {
	case agent.AskQuestion:
		return VariantQuestion, r.cfg.QuestionTimeout
	case agent.AskPlan:
		return VariantPlan, r.cfg.PlanTimeout
	default:
		return VariantPermission, r.cfg.PermissionTimeout
	}
}

// finish drives the task to a terminal state, emits the terminal
// notifications every subscriber is owed, and releases the slot. If another
// path already finished the task the transition fails and this call backs
// off without publishing a second terminal status.
func (r *Runner) finish(task *Task, state TaskState, res Result) {
	if err := r.slots.Finish(task.ID, state, res); err != nil {
		slog.Warn("task already finished",
			"task_id", task.ID, "session_id", task.SessionID, "state", state, "error", err)
		r.slots.Release(task.ID)
		return
	}

	if r.archive != nil {
		if err := r.archive.SaveTaskResult(task, state, res); err != nil {
			slog.Warn("failed to persist task result", "task_id", task.ID, "error", err)
		}
	}
	if state == TaskCompleted {
		r.publish(Event{Type: EventStreamEnd, SessionID: task.SessionID, TaskID: task.ID, FinalContent: res.Text})
	}
	r.publish(Event{Type: EventTaskStatus, SessionID: task.SessionID, TaskID: task.ID, Status: state, Error: res.Err})

	if r.metrics != nil {
		r.metrics.TasksFinished.WithLabelValues(string(state)).Inc()
	}
	r.slots.Release(task.ID)
}

func (r *Runner) publish(evt Event) {
	r.bus.Publish(evt)
	r.archiveEvent(evt)
}

// archiveResolution records how the ask ended, whatever the outcome, so the
// audit log and replayed history always carry the decision alongside the
// request.
func (r *Runner) archiveResolution(req Request, res Resolution) {
	if r.archive == nil {
		return
	}
	if err := r.archive.SaveResolution(req, res); err != nil {
		slog.Warn("failed to persist resolution",
			"request_id", req.ID, "session_id", req.SessionID, "error", err)
	}
}

func (r *Runner) archiveEvent(evt Event) {
	if r.archive == nil {
		return
	}
	switch evt.Type {
	case EventSessionBusy:
		return // transient notice, not history
	}
	if err := r.archive.SaveEvent(evt); err != nil {
		slog.Warn("failed to persist event",
			"session_id", evt.SessionID, "event_type", evt.Type, "error", err)
	}
}

func toolUse(tc *agent.ToolCall) *ToolUse {
	if tc == nil {
		return nil
	}
	return &ToolUse{
		CallID:  tc.CallID,
		Name:    tc.Name,
		Input:   tc.Input,
		Result:  tc.Result,
		IsError: tc.IsError,
	}
}

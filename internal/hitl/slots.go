package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of one agent task.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskRunning          TaskState = "running"
	TaskAwaitingApproval TaskState = "awaiting_approval"
	TaskCompleted        TaskState = "completed"
	TaskFailed           TaskState = "failed"
	TaskCancelled        TaskState = "cancelled"
)

// Terminal reports whether a state ends the task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// validNext lists the allowed state-machine edges. Anything absent is a bug
// in the caller and is rejected loudly.
var validNext = map[TaskState][]TaskState{
	TaskPending:          {TaskRunning},
	TaskRunning:          {TaskAwaitingApproval, TaskCompleted, TaskFailed, TaskCancelled},
	TaskAwaitingApproval: {TaskRunning, TaskFailed, TaskCancelled},
}

// ErrInvalidTransition is returned for a forbidden state-machine edge.
var ErrInvalidTransition = errors.New("invalid task transition")

// ErrTaskNotFound is returned when a task id is not in the active map.
var ErrTaskNotFound = errors.New("task not found")

// ErrBusy marks BusyError for errors.Is checks.
var ErrBusy = errors.New("session busy")

// BusyError reports that a session already has an active task. It carries the
// existing task so callers can surface "a task is already running" instead of
// queueing or dropping the new request.
type BusyError struct {
	TaskID string
	State  TaskState
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session busy: task %s is %s", e.TaskID, e.State)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Result is the terminal payload of a task.
type Result struct {
	Text      string `json:"text,omitempty"`
	Err       string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Task is one agent execution for one prompt within a session. It is owned by
// the SlotManager from acquire to release; everything else refers to it by ID.
type Task struct {
	ID        string
	SessionID string
	Prompt    string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  TaskState
	result Result
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Context carries the task's cooperative cancellation signal. Runners check
// it at every suspension point; Cancel never kills anything forcibly.
func (t *Task) Context() context.Context { return t.ctx }

// Cancelled reports whether the cancel signal has been set.
func (t *Task) Cancelled() bool { return t.ctx.Err() != nil }

// Result returns the terminal payload. Meaningful only once the task reached
// a terminal state.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// SlotManager enforces the one-active-task-per-session invariant. All task
// state mutation is routed through Acquire/Transition/Cancel/Release so the
// shared maps have a single owner. Map access never blocks across a
// suspension point; independent sessions never contend beyond the brief map
// locks here.
type SlotManager struct {
	mu     sync.RWMutex
	active map[string]*Task // session id → active task
	byID   map[string]*Task // task id → task
}

func NewSlotManager() *SlotManager {
	return &SlotManager{
		active: make(map[string]*Task),
		byID:   make(map[string]*Task),
	}
}

// Acquire grants the session's single task slot. If a task is already active
// for the session it returns a BusyError carrying that task's id and state.
func (m *SlotManager) Acquire(sessionID, prompt string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok {
		return nil, &BusyError{TaskID: existing.ID, State: existing.State()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		state:     TaskPending,
	}
	m.active[sessionID] = task
	m.byID[task.ID] = task
	return task, nil
}

// Get returns an active task by id.
func (m *SlotManager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.byID[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ActiveTask returns the task currently holding the session's slot, if any.
func (m *SlotManager) ActiveTask(sessionID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.active[sessionID]
	return task, ok
}

// Transition validates and applies a state-machine edge. A forbidden edge
// returns ErrInvalidTransition with both states attached and leaves the task
// untouched; it is never silently ignored because that would mask a
// concurrency bug.
func (m *SlotManager) Transition(taskID string, to TaskState) error {
	task, err := m.Get(taskID)
	if err != nil {
		return err
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if !edgeAllowed(task.state, to) {
		return fmt.Errorf("%w: task %s: %s -> %s", ErrInvalidTransition, taskID, task.state, to)
	}
	task.state = to
	return nil
}

// Finish applies a terminal transition and records the result payload.
func (m *SlotManager) Finish(taskID string, to TaskState, result Result) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: task %s: %s is not terminal", ErrInvalidTransition, taskID, to)
	}
	task, err := m.Get(taskID)
	if err != nil {
		return err
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if !edgeAllowed(task.state, to) {
		return fmt.Errorf("%w: task %s: %s -> %s", ErrInvalidTransition, taskID, task.state, to)
	}
	task.state = to
	task.result = result
	return nil
}

// Cancel sets the task's cooperative cancellation signal. The runner observes
// it at its next suspension point and unwinds to CANCELLED; nothing is killed
// here.
func (m *SlotManager) Cancel(taskID string) error {
	task, err := m.Get(taskID)
	if err != nil {
		return err
	}
	task.cancel()
	return nil
}

// Release frees the session slot. Safe against double release: the second
// caller finds nothing to remove and returns quietly. Only the task that
// still owns the session entry is removed, so a stale release can never evict
// a successor task.
func (m *SlotManager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.byID[taskID]
	if !ok {
		return
	}
	delete(m.byID, taskID)
	if current, ok := m.active[task.SessionID]; ok && current.ID == taskID {
		delete(m.active, task.SessionID)
	}
	task.cancel()
}

func edgeAllowed(from, to TaskState) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

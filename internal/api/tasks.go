package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/avelasco/opsbot/internal/hitl"
)

type taskView struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Prompt    string         `json:"prompt"`
	State     hitl.TaskState `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
}

func liveTaskView(t *hitl.Task) taskView {
	return taskView{
		ID:        t.ID,
		SessionID: t.SessionID,
		Prompt:    t.Prompt,
		State:     t.State(),
		CreatedAt: t.CreatedAt,
	}
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	if _, err := s.db.GetSession(sessionID); err != nil {
		writeDBError(w, err, "session")
		return
	}

	var input struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input.Prompt = strings.TrimSpace(input.Prompt)
	if input.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	task, err := s.tasks.StartTask(sessionID, input.Prompt)
	if err != nil {
		var busy *hitl.BusyError
		if errors.As(err, &busy) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":  "session already has a running task",
				"taskId": busy.TaskID,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start task")
		return
	}
	writeJSON(w, http.StatusAccepted, liveTaskView(task))
}

func (s *Server) handleActiveTask(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	task, ok := s.slots.ActiveTask(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active task")
		return
	}
	writeJSON(w, http.StatusOK, liveTaskView(task))
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	if _, err := s.db.GetSession(sessionID); err != nil {
		writeDBError(w, err, "session")
		return
	}

	runs, err := s.db.ListTaskRuns(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list task runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetTask returns a live task when one is in flight, falling back to
// the archived run.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")

	if task, err := s.slots.Get(taskID); err == nil {
		writeJSON(w, http.StatusOK, liveTaskView(task))
		return
	}

	run, err := s.db.GetTaskRun(taskID)
	if err != nil {
		writeDBError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")

	err := s.tasks.Cancel(taskID)
	if errors.Is(err, hitl.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	requestID := urlParam(r, "id")

	var input struct {
		Approved bool   `json:"approved"`
		Answer   string `json:"answer"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.resolver.Resolve(requestID, input.Approved, input.Answer, "web:api")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, hitl.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "request already resolved")
	default:
		writeError(w, http.StatusNotFound, "request not found or expired")
	}
}

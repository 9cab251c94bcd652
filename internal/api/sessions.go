package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/avelasco/opsbot/internal/db"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ServerID *string `json:"serverId"`
		Title    *string `json:"title"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.db.CreateSession(db.CreateSessionInput{
		ServerID: input.ServerID,
		Title:    input.Title,
		Origin:   db.OriginWeb,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.db.GetSession(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")

	// Refuse to delete a session with a live task; cancel it first.
	if task, ok := s.slots.ActiveTask(sessionID); ok {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "session has a running task",
			"taskId": task.ID,
		})
		return
	}

	if err := s.db.DeleteSession(sessionID); err != nil {
		writeDBError(w, err, "session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chatMessageView decorates an archived message with its decoded payload so
// the front end replays history without a second parse.
type chatMessageView struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	if _, err := s.db.GetSession(sessionID); err != nil {
		writeDBError(w, err, "session")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var messages []*db.ChatMessage
	var err error
	if limit > 0 {
		messages, err = s.db.ListRecentChatMessages(sessionID, limit)
	} else {
		messages, err = s.db.ListChatMessages(sessionID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	views := make([]chatMessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, chatMessageView{
			ID:        m.ID,
			Seq:       m.Seq,
			Kind:      m.Kind,
			Payload:   json.RawMessage(m.PayloadJSON),
			CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	if _, err := s.db.GetSession(sessionID); err != nil {
		writeDBError(w, err, "session")
		return
	}

	approvals, err := s.db.ListApprovalsBySession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

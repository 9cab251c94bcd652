package api

import (
	"net/http"
	"strings"

	"github.com/avelasco/opsbot/internal/db"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.db.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var input db.CreateServerInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input.Name = strings.TrimSpace(input.Name)
	input.Host = strings.TrimSpace(input.Host)
	input.Username = strings.TrimSpace(input.Username)
	if input.Name == "" || input.Host == "" || input.Username == "" {
		writeError(w, http.StatusBadRequest, "name, host and username are required")
		return
	}
	if input.Port < 0 || input.Port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	server, err := s.db.CreateServer(input)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "a server with that name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create server")
		return
	}
	writeJSON(w, http.StatusCreated, server)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.db.GetServer(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "server")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var input db.UpdateServerInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	server, err := s.db.UpdateServer(urlParam(r, "id"), input)
	if err != nil {
		writeDBError(w, err, "server")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteServer(urlParam(r, "id")); err != nil {
		writeDBError(w, err, "server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avelasco/opsbot/internal/config"
	"github.com/avelasco/opsbot/internal/db"
	"github.com/avelasco/opsbot/internal/hitl"
)

// allowedOrigins defines which origins may make cross-origin requests.
// Used by both CORS middleware and WebSocket CheckOrigin.
var allowedOrigins = []string{
	"http://localhost:*",
}

// isAllowedOrigin checks whether an origin matches the allowedOrigins list.
// Supports the "http://localhost:*" wildcard pattern (any port on localhost).
func isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			parsed, err := url.Parse(origin)
			if err != nil {
				continue
			}
			withoutPort := parsed.Scheme + "://" + parsed.Hostname()
			if withoutPort == prefix {
				return true
			}
		}
	}
	return false
}

// TaskService starts and cancels agent tasks.
type TaskService interface {
	StartTask(sessionID, prompt string) (*hitl.Task, error)
	Cancel(taskID string) error
}

// Resolver delivers human decisions to waiting tasks.
type Resolver interface {
	Resolve(requestID string, approved bool, answer, resolvedBy string) error
}

type Server struct {
	db          *db.DB
	router      chi.Router
	auth        *AuthService
	authLimiter *loginRateLimiter
	tasks       TaskService
	resolver    Resolver
	registry    *hitl.Registry
	slots       *hitl.SlotManager
	httpServer  *http.Server
}

type Deps struct {
	DB       *db.DB
	Config   *config.Store
	Tasks    TaskService
	Resolver Resolver
	Registry *hitl.Registry
	Slots    *hitl.SlotManager
	// JWTSecretPath overrides the signing-secret location, used in tests.
	JWTSecretPath string
}

func NewServer(deps Deps) *Server {
	s := &Server{
		db:          deps.DB,
		auth:        NewAuthService(deps.Config, deps.JWTSecretPath),
		authLimiter: newLoginRateLimiter(5, 1*time.Minute),
		tasks:       deps.Tasks,
		resolver:    deps.Resolver,
		registry:    deps.Registry,
		slots:       deps.Slots,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/setup", s.handleSetup)
	r.Get("/api/auth/status", s.handleAuthStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (public, auth handled in handshake)
	r.Get("/ws", s.handleWebSocket)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Auth
		r.Get("/api/auth/me", s.handleMe)
		r.Post("/api/auth/password", s.handleChangePassword)

		// Servers
		r.Get("/api/servers", s.handleListServers)
		r.Post("/api/servers", s.handleCreateServer)
		r.Get("/api/servers/{id}", s.handleGetServer)
		r.Patch("/api/servers/{id}", s.handleUpdateServer)
		r.Delete("/api/servers/{id}", s.handleDeleteServer)

		// Sessions
		r.Get("/api/sessions", s.handleListSessions)
		r.Post("/api/sessions", s.handleCreateSession)
		r.Get("/api/sessions/{id}", s.handleGetSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)
		r.Get("/api/sessions/{id}/messages", s.handleListMessages)
		r.Get("/api/sessions/{id}/approvals", s.handleListApprovals)

		// Tasks
		r.Post("/api/sessions/{id}/tasks", s.handleStartTask)
		r.Get("/api/sessions/{id}/task", s.handleActiveTask)
		r.Get("/api/sessions/{id}/tasks", s.handleListTaskRuns)
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Delete("/api/tasks/{id}", s.handleCancelTask)

		// Approval requests
		r.Post("/api/requests/{id}/resolve", s.handleResolveRequest)

		// Preferences
		r.Get("/api/preferences/{key}", s.handleGetPreference)
		r.Put("/api/preferences/{key}", s.handleSetPreference)
		r.Delete("/api/preferences/{key}", s.handleDeletePreference)
	})

	s.router = r
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeDBError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, "failed to get "+entity)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

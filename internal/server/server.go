package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/orchestrator"
)

type Server struct {
	Service *orchestrator.Service
	Logger  *log.Logger
}

func New(svc *orchestrator.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{Service: svc, Logger: logger.With("component", "server")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health endpoint for K8s probes.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Patch("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)

			r.Post("/open", s.handleOpenProject)
			r.Get("/snapshot", s.handleListSnapshots)
			r.Post("/snapshot", s.handleCreateSnapshot)
			r.Get("/status", s.handleGetStatus)
			r.Post("/status", s.handleStatusAction)
			r.Post("/clone-sandbox", s.handleMigrate)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// Envelope wraps every API response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

type response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, response{Success: true, Data: data})
}

// fail writes err as an error envelope. data, when non-nil, is included
// alongside the error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, data any) {
	e := apperr.From(err)
	status := apperr.HTTPStatus(e.Kind)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", e.Kind, "error", err)
	}
	writeJSON(w, status, response{
		Success: false,
		Data:    data,
		Error:   &ErrorBody{Error: e.Kind, Message: e.Message, Details: e.Details},
	})
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation("invalid request body: %v", err)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}

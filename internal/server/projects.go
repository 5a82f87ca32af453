package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	q := r.URL.Query()
	res, err := s.Service.ListProjects(r.Context(), orchestrator.ListProjectsInput{
		Page:       page,
		Limit:      limit,
		Visibility: q.Get("visibility"),
		SortBy:     q.Get("sort_by"),
		SortOrder:  q.Get("sort_order"),
		Search:     q.Get("search"),
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, res)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateProjectInput
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	p, err := s.Service.CreateProject(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Service.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpdateProjectInput
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	p, err := s.Service.UpdateProject(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Service.DeleteProject(r.Context(), id); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.OpenProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, res)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	res, err := s.Service.ListSnapshots(r.Context(), chi.URLParam(r, "id"), snapshot.ListOptions{
		Page:  page,
		Limit: limit,
		Order: r.URL.Query().Get("sort_order"),
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, res)
}

// SnapshotCreated is the body of a successful capture: the snapshot row
// plus its id under the name clients look up.
type SnapshotCreated struct {
	SnapshotID string `json:"snapshotId"`
	*sbxstore.Snapshot
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Service.CreateSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusCreated, SnapshotCreated{SnapshotID: snap.ID, Snapshot: snap})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, st)
}

func (s *Server) handleStatusAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	st, err := s.Service.PostStatusAction(r.Context(), chi.URLParam(r, "id"), req.Action)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, st)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.Migrate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		// The failed attempt's result is still useful to the caller.
		if res != nil {
			s.fail(w, r, err, res)
		} else {
			s.fail(w, r, err, nil)
		}
		return
	}
	s.ok(w, http.StatusOK, res)
}

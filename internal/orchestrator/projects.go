package orchestrator

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/sbxstore"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"

	DefaultModel = "moonshotai/kimi-k2-instruct"

	MaxNameLength = 100

	DefaultProjectLimit = 20
	MaxProjectLimit     = 100
)

// SupportedModels lists the models a project may be configured with.
var SupportedModels = []string{
	"moonshotai/kimi-k2-instruct",
	"anthropic/claude-3-sonnet",
	"openai/gpt-4",
	"openai/gpt-3.5-turbo",
}

func supportedModel(m string) bool {
	for _, s := range SupportedModels {
		if s == m {
			return true
		}
	}
	return false
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("project name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", apperr.Validation("project name must be at most %d characters", MaxNameLength)
	}
	return name, nil
}

func validVisibility(v string) error {
	if v != VisibilityPrivate && v != VisibilityPublic {
		return apperr.Validation("visibility must be %q or %q", VisibilityPrivate, VisibilityPublic)
	}
	return nil
}

func duplicateName(name string) error {
	return apperr.New(apperr.KindDuplicateName, "a project named \""+name+"\" already exists")
}

type CreateProjectInput struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

// CreateProject validates and stores a new project with an empty pointer.
func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (*sbxstore.Project, error) {
	name, err := validName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.Model == "" {
		in.Model = DefaultModel
	}
	if !supportedModel(in.Model) {
		return nil, apperr.Validation("unsupported model %q", in.Model)
	}
	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}
	if err := validVisibility(in.Visibility); err != nil {
		return nil, err
	}

	now := s.store.Now().UTC()
	p := &sbxstore.Project{
		ID:         uuid.NewString(),
		Name:       name,
		Model:      in.Model,
		Visibility: in.Visibility,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateProject(p); err != nil {
		if errors.Is(err, sbxstore.ErrDuplicateName) {
			return nil, duplicateName(name)
		}
		return nil, apperr.Database("failed to create project", err)
	}
	s.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// ProjectDetail is a project with its pointer and latest snapshot.
type ProjectDetail struct {
	*sbxstore.Project
	State          *sbxstore.Pointer  `json:"state,omitempty"`
	LatestSnapshot *sbxstore.Snapshot `json:"latestSnapshot,omitempty"`
}

func (s *Service) GetProject(ctx context.Context, id string) (*ProjectDetail, error) {
	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	ptr, err := s.store.GetPointer(id)
	if err != nil {
		return nil, apperr.Database("failed to load project state", err)
	}
	latest, err := s.store.LatestSnapshot(id)
	if err != nil {
		return nil, apperr.Database("failed to load latest snapshot", err)
	}
	return &ProjectDetail{Project: p, State: ptr, LatestSnapshot: latest}, nil
}

func (s *Service) project(id string) (*sbxstore.Project, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		return nil, apperr.Database("failed to load project", err)
	}
	if p == nil {
		return nil, apperr.NotFound("project %s not found", id)
	}
	return p, nil
}

// ListProjectsInput mirrors the list query parameters. Zero values take
// the defaults: page 1, limit 20, all visibilities, created_at desc.
type ListProjectsInput struct {
	Page       int
	Limit      int
	Visibility string
	SortBy     string
	SortOrder  string
	Search     string
}

type ProjectPage struct {
	Items []*sbxstore.Project `json:"items"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

func (s *Service) ListProjects(ctx context.Context, in ListProjectsInput) (*ProjectPage, error) {
	if in.Page <= 0 {
		in.Page = 1
	}
	if in.Limit <= 0 {
		in.Limit = DefaultProjectLimit
	}
	if in.Limit > MaxProjectLimit {
		in.Limit = MaxProjectLimit
	}

	params := db.ListProjectsParams{
		Search: strings.TrimSpace(in.Search),
		Limit:  in.Limit,
		Offset: (in.Page - 1) * in.Limit,
	}
	switch in.Visibility {
	case "", "all":
	case VisibilityPrivate, VisibilityPublic:
		params.Visibility = in.Visibility
	default:
		return nil, apperr.Validation("visibility must be all, private or public")
	}
	switch in.SortBy {
	case "":
		params.SortBy = "created_at"
	case "created_at", "updated_at", "last_opened_at", "name":
		params.SortBy = in.SortBy
	default:
		return nil, apperr.Validation("unsupported sort field %q", in.SortBy)
	}
	switch strings.ToLower(in.SortOrder) {
	case "", "desc":
		params.Desc = true
	case "asc":
	default:
		return nil, apperr.Validation("sort order must be asc or desc")
	}

	items, total, err := s.store.ListProjects(params)
	if err != nil {
		return nil, apperr.Database("failed to list projects", err)
	}
	return &ProjectPage{Items: items, Total: total, Page: in.Page, Limit: in.Limit}, nil
}

// UpdateProjectInput holds the fields to change; nil fields are kept.
type UpdateProjectInput struct {
	Name       *string `json:"name,omitempty"`
	Model      *string `json:"model,omitempty"`
	Visibility *string `json:"visibility,omitempty"`
}

func (s *Service) UpdateProject(ctx context.Context, id string, in UpdateProjectInput) (*sbxstore.Project, error) {
	if in.Name == nil && in.Model == nil && in.Visibility == nil {
		return nil, apperr.Validation("no fields to update")
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if p.Name, err = validName(*in.Name); err != nil {
			return nil, err
		}
	}
	if in.Model != nil {
		if !supportedModel(*in.Model) {
			return nil, apperr.Validation("unsupported model %q", *in.Model)
		}
		p.Model = *in.Model
	}
	if in.Visibility != nil {
		if err := validVisibility(*in.Visibility); err != nil {
			return nil, err
		}
		p.Visibility = *in.Visibility
	}
	p.UpdatedAt = s.store.Now().UTC()

	ok, err := s.store.UpdateProject(p)
	if errors.Is(err, sbxstore.ErrDuplicateName) {
		return nil, duplicateName(p.Name)
	}
	if err != nil {
		return nil, apperr.Database("failed to update project", err)
	}
	if !ok {
		return nil, apperr.NotFound("project %s not found", id)
	}
	return p, nil
}

// DeleteProject releases the bound sandbox and snapshot blobs best-effort,
// then deletes the project with its pointer and snapshot rows.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ptr, err := s.pointer(id)
	if err != nil {
		return err
	}
	s.release(ctx, id, ptr)
	if err := s.store.DeleteProject(id); err != nil {
		return apperr.Database("failed to delete project", err)
	}
	s.logger.Info("project deleted", "project_id", id, "sandbox_id", ptr.SandboxID)
	return nil
}

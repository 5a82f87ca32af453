package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/apperr"
)

func TestCreateProjectDefaults(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.CreateProject(context.Background(), CreateProjectInput{Name: "  Demo  "})
	require.NoError(t, err)
	require.Equal(t, "Demo", p.Name)
	require.Equal(t, DefaultModel, p.Model)
	require.Equal(t, VisibilityPrivate, p.Visibility)
	require.NotEmpty(t, p.ID)

	detail, err := f.svc.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.State)
	require.False(t, detail.State.Bound())
	require.Nil(t, detail.LatestSnapshot)
}

func TestCreateProjectValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateProjectInput{
		"empty name":     {Name: "   "},
		"long name":      {Name: strings.Repeat("x", MaxNameLength+1)},
		"unknown model":  {Name: "a", Model: "acme/llm"},
		"bad visibility": {Name: "a", Visibility: "internal"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateProject(context.Background(), in)
			require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}

	_, err := f.svc.CreateProject(context.Background(), CreateProjectInput{Name: strings.Repeat("é", MaxNameLength)})
	require.NoError(t, err)
}

func TestCreateProjectDuplicateName(t *testing.T) {
	f := newFixture(t)
	f.project(t, "Demo")
	_, err := f.svc.CreateProject(context.Background(), CreateProjectInput{Name: "Demo"})
	require.True(t, apperr.Is(err, apperr.KindDuplicateName))
}

func TestListProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		f.advance(time.Second)
		_, err := f.svc.CreateProject(ctx, CreateProjectInput{Name: name, Visibility: VisibilityPublic})
		require.NoError(t, err)
	}
	f.advance(time.Second)
	f.project(t, "delta")

	page, err := f.svc.ListProjects(ctx, ListProjectsInput{})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Equal(t, DefaultProjectLimit, page.Limit)
	require.Equal(t, "delta", page.Items[0].Name)

	page, err = f.svc.ListProjects(ctx, ListProjectsInput{Visibility: "public", SortBy: "name", SortOrder: "asc", Limit: 2, Page: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	require.Equal(t, "gamma", page.Items[0].Name)

	page, err = f.svc.ListProjects(ctx, ListProjectsInput{Search: "ET", Limit: 1000})
	require.NoError(t, err)
	require.Equal(t, MaxProjectLimit, page.Limit)
	require.Len(t, page.Items, 1)
	require.Equal(t, "beta", page.Items[0].Name)

	for _, in := range []ListProjectsInput{
		{Visibility: "secret"},
		{SortBy: "size"},
		{SortOrder: "sideways"},
	} {
		_, err := f.svc.ListProjects(ctx, in)
		require.True(t, apperr.Is(err, apperr.KindValidation))
	}
}

func TestUpdateProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	f.project(t, "Taken")

	name := " Renamed "
	model := "openai/gpt-4"
	f.advance(time.Minute)
	updated, err := f.svc.UpdateProject(ctx, p.ID, UpdateProjectInput{Name: &name, Model: &model})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)
	require.Equal(t, model, updated.Model)
	require.True(t, updated.UpdatedAt.After(p.UpdatedAt))

	_, err = f.svc.UpdateProject(ctx, p.ID, UpdateProjectInput{})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	taken := "Taken"
	_, err = f.svc.UpdateProject(ctx, p.ID, UpdateProjectInput{Name: &taken})
	require.True(t, apperr.Is(err, apperr.KindDuplicateName))

	bad := "acme/llm"
	_, err = f.svc.UpdateProject(ctx, p.ID, UpdateProjectInput{Model: &bad})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.UpdateProject(ctx, "missing", UpdateProjectInput{Name: &name})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteProjectReleasesResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, f.blobs.Keys(), 1)

	require.NoError(t, f.svc.DeleteProject(ctx, p.ID))

	sb, _ := f.prov.Sandbox(opened.SandboxID)
	require.True(t, sb.Terminated)
	require.Empty(t, f.blobs.Keys())
	_, err = f.svc.GetProject(ctx, p.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	err = f.svc.DeleteProject(ctx, p.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

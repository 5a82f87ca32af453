package sbxstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/db"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(d)
	s.Now = func() time.Time { return now }
	return s, &now
}

func addProject(t *testing.T, s *Store, id, name string) {
	t.Helper()
	now := s.Now()
	require.NoError(t, s.CreateProject(&Project{ID: id, Name: name, Model: "openai/gpt-4", Visibility: "private", CreatedAt: now, UpdatedAt: now}))
}

func TestCreateProjectDuplicateName(t *testing.T) {
	s, _ := newTestStore(t)
	addProject(t, s, "p1", "Demo")

	err := s.CreateProject(&Project{ID: "p2", Name: "Demo", Model: "openai/gpt-4", Visibility: "private"})
	require.ErrorIs(t, err, ErrDuplicateName)

	p, err := s.GetProject("p1")
	require.NoError(t, err)
	require.Equal(t, "Demo", p.Name)
	require.Nil(t, p.LastOpenedAt)

	require.NoError(t, s.TouchOpened("p1"))
	p, err = s.GetProject("p1")
	require.NoError(t, err)
	require.NotNil(t, p.LastOpenedAt)
	require.True(t, p.LastOpenedAt.Equal(s.Now()))
}

func TestBindAndClear(t *testing.T) {
	s, now := newTestStore(t)
	addProject(t, s, "p1", "Demo")

	ptr, err := s.GetPointer("p1")
	require.NoError(t, err)
	require.False(t, ptr.Bound())

	require.NoError(t, s.Bind("p1", Binding{
		SandboxID:      "sbx-1",
		EndpointURL:    "https://5173-sbx-1.test",
		StartedAt:      *now,
		ExpiresAt:      now.Add(time.Hour),
		LastSnapshotID: "snap-1",
	}))

	ptr, err = s.GetPointer("p1")
	require.NoError(t, err)
	require.True(t, ptr.Bound())
	require.Equal(t, time.Hour, ptr.TimeLeft(*now))
	require.Equal(t, "snap-1", ptr.LastSnapshotID)

	require.NoError(t, s.ClearSandbox("p1"))
	ptr, err = s.GetPointer("p1")
	require.NoError(t, err)
	require.False(t, ptr.Bound())
	require.Empty(t, ptr.EndpointURL)
	require.Nil(t, ptr.ExpiresAt)
	require.Equal(t, "snap-1", ptr.LastSnapshotID)
}

func TestValidMigrationTransition(t *testing.T) {
	path := []string{
		MigrationStart,
		MigrationOldConnected,
		MigrationSnapshotCaptured,
		MigrationNewCreated,
		MigrationNewRestored,
		MigrationPointerSwapped,
		MigrationOldTerminated,
		MigrationDone,
	}
	for i := 0; i < len(path)-1; i++ {
		require.True(t, ValidMigrationTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		require.True(t, ValidMigrationTransition(path[i], MigrationFailed), "%s -> failed", path[i])
	}
	require.False(t, ValidMigrationTransition(MigrationStart, MigrationPointerSwapped))
	require.False(t, ValidMigrationTransition(MigrationNewCreated, MigrationPointerSwapped))
	require.False(t, ValidMigrationTransition(MigrationDone, MigrationFailed))
	require.False(t, ValidMigrationTransition(MigrationFailed, MigrationStart))
}

type recordingActions struct {
	mu       sync.Mutex
	cleaned  []string
	migrated []string
}

func (r *recordingActions) CleanupExpired(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, projectID)
	return nil
}

func (r *recordingActions) MigrateExpiring(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrated = append(r.migrated, projectID)
	return nil
}

func TestExpiryWatcherCheck(t *testing.T) {
	s, now := newTestStore(t)
	for _, id := range []string{"expired", "soon", "later"} {
		addProject(t, s, id, id)
	}
	bind := func(id string, ttl time.Duration) {
		require.NoError(t, s.Bind(id, Binding{SandboxID: "sbx-" + id, StartedAt: *now, ExpiresAt: now.Add(ttl)}))
	}
	bind("expired", -time.Minute)
	bind("soon", 5*time.Minute)
	bind("later", time.Hour)

	actions := &recordingActions{}
	w := NewExpiryWatcher(s, actions, time.Minute, 10*time.Minute, nil)
	w.check(context.Background())
	require.Equal(t, []string{"expired"}, actions.cleaned)
	require.Equal(t, []string{"soon"}, actions.migrated)

	actions = &recordingActions{}
	w = NewExpiryWatcher(s, actions, time.Minute, 0, nil)
	w.check(context.Background())
	require.Equal(t, []string{"expired"}, actions.cleaned)
	require.Empty(t, actions.migrated)
}

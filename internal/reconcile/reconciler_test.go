package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/blob/blobtest"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/handlecache"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/provider/providertest"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
	"github.com/agentserver/projectbox/internal/workspace"
)

type fixture struct {
	db    *db.DB
	now   time.Time
	store *sbxstore.Store
	prov  *providertest.Provider
	blobs *blobtest.Store
	snaps *snapshot.Manager
	cache *handlecache.Cache
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	f := &fixture{db: d, now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = sbxstore.NewStore(d)
	f.store.Now = clock
	f.prov = providertest.New()
	f.prov.Now = clock
	f.blobs = blobtest.New()
	f.cache = handlecache.New()
	f.cache.Now = clock

	ws := workspace.New(f.prov, workspace.DefaultConfig())
	f.snaps = snapshot.NewManager(f.store, f.blobs, ws, snapshot.Options{})
	f.rec = New(Deps{
		Store:      f.store,
		Provider:   f.prov,
		Workspace:  ws,
		Snapshots:  f.snaps,
		Scaffolder: workspace.NewTemplateScaffolder(ws),
		Cache:      f.cache,
	}, DefaultConfig())

	require.NoError(t, f.store.CreateProject(&sbxstore.Project{ID: "p1", Name: "Demo", Model: "openai/gpt-4", Visibility: "private", CreatedAt: f.now, UpdatedAt: f.now}))
	return f
}

func (f *fixture) pointer(t *testing.T) *sbxstore.Pointer {
	t.Helper()
	ptr, err := f.store.GetPointer("p1")
	require.NoError(t, err)
	return ptr
}

func TestOpenCreatesBaseEnvironment(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)
	require.Equal(t, msgCreated, res.Message)
	require.NotEmpty(t, res.EndpointURL)
	require.False(t, res.Degraded)

	ptr := f.pointer(t)
	require.Equal(t, res.SandboxID, ptr.SandboxID)
	require.Equal(t, res.EndpointURL, ptr.EndpointURL)
	require.True(t, ptr.ExpiresAt.Equal(f.now.Add(DefaultConfig().TTL)))

	sb, ok := f.prov.Sandbox(res.SandboxID)
	require.True(t, ok)
	require.Contains(t, sb.Files, "package.json")
	require.True(t, sb.DevRunning)

	_, cached := f.cache.Get("p1", res.SandboxID)
	require.True(t, cached)

	p, err := f.store.GetProject("p1")
	require.NoError(t, err)
	require.NotNil(t, p.LastOpenedAt)
}

func TestOpenIsIdempotentWhileTimeRemains(t *testing.T) {
	f := newFixture(t)
	first, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	second, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusExisting, second.Status)
	require.Equal(t, first.SandboxID, second.SandboxID)
	require.Equal(t, first.EndpointURL, second.EndpointURL)

	third, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusExisting, third.Status)

	require.Equal(t, 1, f.prov.Calls("create"))
}

func TestOpenReplacesSandboxNearExpiry(t *testing.T) {
	f := newFixture(t)
	first, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)

	f.now = f.now.Add(DefaultConfig().TTL - time.Minute)
	second, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, second.Status)
	require.NotEqual(t, first.SandboxID, second.SandboxID)

	old, _ := f.prov.Sandbox(first.SandboxID)
	require.True(t, old.Terminated)
	require.Equal(t, []string{second.SandboxID}, f.prov.Live())
	require.Equal(t, second.SandboxID, f.pointer(t).SandboxID)
}

func TestOpenRecreatesUnreachableSandbox(t *testing.T) {
	f := newFixture(t)
	first, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, f.prov.Terminate(context.Background(), &provider.Handle{ID: first.SandboxID}))
	second, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, second.Status)
	require.NotEqual(t, first.SandboxID, second.SandboxID)
}

func TestOpenRestoresLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	first, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	sb, _ := f.prov.Sandbox(first.SandboxID)
	sb.Files["src/feature.js"] = []byte("work")

	h, ok := f.cache.Get("p1", first.SandboxID)
	require.True(t, ok)
	snap, err := f.snaps.Capture(context.Background(), "p1", h)
	require.NoError(t, err)
	require.NoError(t, f.store.ClearSandbox("p1"))

	res, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusRestored, res.Status)
	require.Equal(t, snap.ID, f.pointer(t).LastSnapshotID)

	restored, _ := f.prov.Sandbox(res.SandboxID)
	require.Equal(t, []byte("work"), restored.Files["src/feature.js"])
	require.True(t, restored.Installed)
}

func TestOpenFallsBackWhenRestoreFails(t *testing.T) {
	f := newFixture(t)
	first, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	h, _ := f.cache.Get("p1", first.SandboxID)
	snap, err := f.snaps.Capture(context.Background(), "p1", h)
	require.NoError(t, err)
	require.NoError(t, f.store.ClearSandbox("p1"))

	f.blobs.SetError("download", errors.New("bucket offline"))
	res, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)
	require.Equal(t, msgRestoreFailed, res.Message)
	require.NotEmpty(t, res.Warnings)

	// The last known snapshot is kept for the next attempt.
	require.Equal(t, snap.ID, f.pointer(t).LastSnapshotID)
	sb, _ := f.prov.Sandbox(res.SandboxID)
	require.Contains(t, sb.Files, "index.html")
}

func TestOpenReportsDegradedEnvironment(t *testing.T) {
	f := newFixture(t)
	f.prov.SetError(workspace.CmdInstall, errors.New("registry unreachable"))

	res, err := f.rec.Open(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)
	require.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	require.True(t, f.pointer(t).Bound())
}

func TestOpenTerminatesSandboxWhenPointerWriteFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.Exec(`CREATE TRIGGER fail_state BEFORE UPDATE ON project_state
		WHEN NEW.sandbox_id IS NOT NULL BEGIN SELECT RAISE(ABORT, 'state write refused'); END`)
	require.NoError(t, err)

	_, err = f.rec.Open(context.Background(), "p1")
	require.True(t, apperr.Is(err, apperr.KindDatabase))
	require.Empty(t, f.prov.Live())
	require.False(t, f.pointer(t).Bound())
	require.Equal(t, 0, f.cache.Len())
}

func TestOpenCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.prov.SetError("create", errors.New("quota exceeded"))

	_, err := f.rec.Open(context.Background(), "p1")
	require.True(t, apperr.Is(err, apperr.KindSandbox))
	require.False(t, f.pointer(t).Bound())
}

func TestOpenUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Open(context.Background(), "missing")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/blob/blobtest"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/events"
	"github.com/agentserver/projectbox/internal/migrate"
	"github.com/agentserver/projectbox/internal/provider/providertest"
	"github.com/agentserver/projectbox/internal/reconcile"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
	"github.com/agentserver/projectbox/internal/workspace"
)

type fixture struct {
	mu    sync.Mutex
	now   time.Time
	store *sbxstore.Store
	prov  *providertest.Provider
	blobs *blobtest.Store
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	f := &fixture{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.store = sbxstore.NewStore(d)
	f.store.Now = f.clock
	f.prov = providertest.New()
	f.prov.Now = f.clock
	f.blobs = blobtest.New()
	f.svc = New(Deps{
		Store:     f.store,
		Provider:  f.prov,
		Workspace: workspace.New(f.prov, workspace.DefaultConfig()),
		Blobs:     f.blobs,
	}, DefaultConfig())
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) project(t *testing.T, name string) *sbxstore.Project {
	t.Helper()
	p, err := f.svc.CreateProject(context.Background(), CreateProjectInput{Name: name})
	require.NoError(t, err)
	return p
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")

	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusCreated, opened.Status)
	require.NotEmpty(t, opened.EndpointURL)

	detail, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, opened.SandboxID, detail.State.SandboxID)
	require.True(t, detail.State.ExpiresAt.Equal(f.clock().Add(DefaultConfig().TTL)))

	sb, _ := f.prov.Sandbox(opened.SandboxID)
	sb.Files["src/App.jsx"] = []byte("export default () => null")

	snap, err := f.svc.CreateSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.SHA256)

	st, err := f.svc.PostStatusAction(ctx, p.ID, ActionForceCleanup)
	require.NoError(t, err)
	require.True(t, st.Cleared)
	require.Equal(t, 1, st.SnapshotsCount)

	reopened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusRestored, reopened.Status)
	restored, _ := f.prov.Sandbox(reopened.SandboxID)
	require.Equal(t, []byte("export default () => null"), restored.Files["src/App.jsx"])

	res, err := f.svc.Migrate(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, migrate.StatusSuccess, res.Status)

	st, err = f.svc.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	require.NotEqual(t, reopened.SandboxID, st.SandboxID)
	require.Equal(t, res.NewSandboxID, st.SandboxID)
	require.Equal(t, sbxstore.StatusRunning, st.SandboxStatus)
	require.Equal(t, snap.ID, st.LatestSnapshot.ID)
	require.Equal(t, []string{res.NewSandboxID}, f.prov.Live())
}

func TestStatusSelfHealsExpiredPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	_, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	f.advance(DefaultConfig().TTL + time.Second)
	st, err := f.svc.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, sbxstore.StatusExpired, st.SandboxStatus)

	st, err = f.svc.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, sbxstore.StatusStopped, st.SandboxStatus)
	require.Empty(t, st.SandboxID)
	require.Empty(t, st.EndpointURL)
	require.Nil(t, st.ExpiresAt)
}

func TestConcurrentOpensCreateOneSandbox(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Demo")

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.OpenProject(context.Background(), p.ID)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = res.SandboxID
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, f.prov.Calls("create"))
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestCreateSnapshotRequiresSandbox(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Demo")

	_, err := f.svc.CreateSnapshot(context.Background(), p.ID)
	require.True(t, apperr.Is(err, apperr.KindNoSandbox))

	_, err = f.svc.CreateSnapshot(context.Background(), "missing")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateSnapshotUnreachableSandbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	f.prov.Expire(opened.SandboxID)
	f.svc.cache.Drop(p.ID)
	_, err = f.svc.CreateSnapshot(ctx, p.ID)
	require.True(t, apperr.Is(err, apperr.KindSandboxConnection))
}

func TestListSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	_, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.advance(time.Second)
		_, err := f.svc.CreateSnapshot(ctx, p.ID)
		require.NoError(t, err)
	}

	page, err := f.svc.ListSnapshots(ctx, p.ID, snapshot.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)

	_, err = f.svc.ListSnapshots(ctx, "missing", snapshot.ListOptions{})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPostStatusActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.svc.PostStatusAction(ctx, p.ID, "reboot")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.PostStatusAction(ctx, "missing", "reboot")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	st, err := f.svc.PostStatusAction(ctx, p.ID, ActionRefresh)
	require.NoError(t, err)
	require.Equal(t, sbxstore.StatusRunning, st.SandboxStatus)

	st, err = f.svc.PostStatusAction(ctx, p.ID, ActionCleanup)
	require.NoError(t, err)
	require.False(t, st.Cleared)
	require.Equal(t, opened.SandboxID, st.SandboxID)
}

func TestMigrateWithoutSandbox(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Demo")
	res, err := f.svc.Migrate(context.Background(), p.ID)
	require.True(t, apperr.Is(err, apperr.KindNoSandbox))
	require.Equal(t, migrate.StatusFailed, res.Status)
}

func TestExpiryActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	ch, cancel := f.svc.Events().Subscribe(p.ID)
	defer cancel()

	f.advance(DefaultConfig().TTL - time.Minute)
	require.NoError(t, f.svc.MigrateExpiring(ctx, p.ID))
	detail, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotEqual(t, opened.SandboxID, detail.State.SandboxID)

	f.advance(DefaultConfig().TTL + time.Minute)
	require.NoError(t, f.svc.CleanupExpired(ctx, p.ID))
	detail, err = f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, detail.State.Bound())

	var last events.Event
	for len(ch) > 0 {
		last = <-ch
	}
	require.Equal(t, events.TypeStatus, last.Type)
	require.Equal(t, sbxstore.StatusExpired, last.State)
}

func TestExpiryActionsSkipBusyProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	opened, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	unlock, err := f.svc.lock(ctx, p.ID)
	require.NoError(t, err)

	f.advance(DefaultConfig().TTL - time.Minute)
	require.NoError(t, f.svc.MigrateExpiring(ctx, p.ID))
	f.advance(2 * time.Minute)
	require.NoError(t, f.svc.CleanupExpired(ctx, p.ID))

	detail, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, opened.SandboxID, detail.State.SandboxID)

	unlock()
	require.NoError(t, f.svc.CleanupExpired(ctx, p.ID))
	detail, err = f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, detail.State.Bound())
}

func TestExpiryWatcherDrivesService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Demo")
	_, err := f.svc.OpenProject(ctx, p.ID)
	require.NoError(t, err)
	f.advance(DefaultConfig().TTL + time.Minute)

	w := sbxstore.NewExpiryWatcher(f.store, f.svc, 10*time.Millisecond, 0, nil)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		ptr, err := f.store.GetPointer(p.ID)
		return err == nil && !ptr.Bound()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenPublishesEvent(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Demo")
	ch, cancel := f.svc.Events().Subscribe("")
	defer cancel()

	res, err := f.svc.OpenProject(context.Background(), p.ID)
	require.NoError(t, err)
	e := <-ch
	require.Equal(t, events.TypeOpen, e.Type)
	require.Equal(t, reconcile.StatusCreated, e.State)
	require.Equal(t, res.SandboxID, e.SandboxID)
	require.Equal(t, p.ID, e.ProjectID)
}

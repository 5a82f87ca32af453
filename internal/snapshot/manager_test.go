package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/archive"
	"github.com/agentserver/projectbox/internal/blob"
	"github.com/agentserver/projectbox/internal/blob/blobtest"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/provider/providertest"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/workspace"
)

type fixture struct {
	store *sbxstore.Store
	blobs *blobtest.Store
	prov  *providertest.Provider
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	// Every read of the clock advances it so snapshots order strictly.
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := sbxstore.NewStore(d)
	store.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	require.NoError(t, store.CreateProject(&sbxstore.Project{ID: "p1", Name: "Demo", Model: "openai/gpt-4", Visibility: "private"}))

	prov := providertest.New()
	blobs := blobtest.New()
	ws := workspace.New(prov, workspace.DefaultConfig())
	return &fixture{
		store: store,
		blobs: blobs,
		prov:  prov,
		mgr:   NewManager(store, blobs, ws, Options{}),
	}
}

func (f *fixture) sandbox(t *testing.T, files map[string]string) *provider.Handle {
	t.Helper()
	h, err := f.prov.Create(context.Background(), provider.CreateOptions{TTL: time.Hour})
	require.NoError(t, err)
	sb, _ := f.prov.Sandbox(h.ID)
	for name, content := range files {
		sb.Files[name] = []byte(content)
	}
	return h
}

func TestCaptureStoresHashedArchive(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{
		"package.json":          `{"name":"demo"}`,
		"src/main.js":           "console.log(1)",
		"node_modules/x/a.js":   "dep",
		".git/HEAD":             "ref",
		"src/.DS_Store":         "junk",
		"public/assets/app.css": "body{}",
	})

	snap, err := f.mgr.Capture(context.Background(), "p1", h)
	require.NoError(t, err)
	require.Equal(t, blob.SnapshotKey("p1", snap.ID), snap.StorageKey)

	data := f.blobs.Objects[snap.StorageKey]
	require.Equal(t, archive.Sum(data), snap.SHA256)
	require.Equal(t, int64(len(data)), snap.SizeBytes)
	require.Equal(t, archive.ContentType, f.blobs.ContentTypes[snap.StorageKey])

	entries, err := archive.Decode(data)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	require.Equal(t, []string{"package.json", "public/assets/app.css", "src/main.js"}, paths)

	ptr, err := f.store.GetPointer("p1")
	require.NoError(t, err)
	require.Equal(t, snap.ID, ptr.LastSnapshotID)
}

func TestCaptureUploadFailureRemovesPlaceholder(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{"a.txt": "a"})
	f.blobs.SetError("upload", errors.New("bucket unavailable"))

	_, err := f.mgr.Capture(context.Background(), "p1", h)
	require.True(t, apperr.Is(err, apperr.KindStorage))

	all, err := f.store.AllSnapshots("p1")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCaptureSandboxFailure(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, nil)
	f.prov.SetError(workspace.CmdPack, errors.New("exec refused"))

	_, err := f.mgr.Capture(context.Background(), "p1", h)
	require.True(t, apperr.Is(err, apperr.KindSandbox))
	require.Empty(t, f.blobs.Keys())
}

func TestRetentionKeepsNewestFive(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{"a.txt": "a"})

	var ids []string
	for i := 0; i < 7; i++ {
		sb, _ := f.prov.Sandbox(h.ID)
		sb.Files["a.txt"] = []byte(fmt.Sprintf("v%d", i))
		snap, err := f.mgr.Capture(context.Background(), "p1", h)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	all, err := f.store.AllSnapshots("p1")
	require.NoError(t, err)
	require.Len(t, all, DefaultRetain)

	var keys []string
	for _, s := range all {
		keys = append(keys, s.StorageKey)
	}
	require.ElementsMatch(t, keys, f.blobs.Keys())
	require.Equal(t, ids[6], all[0].ID)
	for _, s := range all {
		require.NotContains(t, ids[:2], s.ID)
	}
}

func TestRetentionKeepsRowsWhenBlobRemovalFails(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{"a.txt": "a"})
	for i := 0; i < DefaultRetain; i++ {
		_, err := f.mgr.Capture(context.Background(), "p1", h)
		require.NoError(t, err)
	}

	f.blobs.SetError("remove", errors.New("denied"))
	_, err := f.mgr.Capture(context.Background(), "p1", h)
	require.NoError(t, err)

	all, err := f.store.AllSnapshots("p1")
	require.NoError(t, err)
	require.Len(t, all, DefaultRetain+1)
	require.Len(t, f.blobs.Keys(), DefaultRetain+1)
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	src := f.sandbox(t, map[string]string{
		"package.json":        `{"name":"demo"}`,
		"src/main.js":         "main",
		"node_modules/x/a.js": "dep",
	})
	snap, err := f.mgr.Capture(context.Background(), "p1", src)
	require.NoError(t, err)

	dst := f.sandbox(t, map[string]string{"stale.txt": "old"})
	report, err := f.mgr.Restore(context.Background(), dst, snap)
	require.NoError(t, err)
	require.Equal(t, 2, report.Files)
	require.False(t, report.Degraded())

	sb, _ := f.prov.Sandbox(dst.ID)
	require.Equal(t, map[string][]byte{
		"package.json": []byte(`{"name":"demo"}`),
		"src/main.js":  []byte("main"),
	}, sb.Files)
	require.True(t, sb.Installed)
	require.True(t, sb.DevRunning)
	require.Contains(t, f.prov.Commands(dst.ID), workspace.CmdCleanup)
}

func TestRestoreRejectsHashMismatch(t *testing.T) {
	f := newFixture(t)
	snap, err := f.mgr.Capture(context.Background(), "p1", f.sandbox(t, map[string]string{"a.txt": "a"}))
	require.NoError(t, err)
	f.blobs.Put(snap.StorageKey, []byte("tampered"))

	_, err = f.mgr.Restore(context.Background(), f.sandbox(t, nil), snap)
	require.True(t, apperr.Is(err, apperr.KindRestore))
	require.ErrorContains(t, err, "hash mismatch")
}

func TestRestoreIsDegradedNotFatal(t *testing.T) {
	f := newFixture(t)
	snap, err := f.mgr.Capture(context.Background(), "p1", f.sandbox(t, map[string]string{"a.txt": "a"}))
	require.NoError(t, err)

	f.prov.SetError(workspace.CmdInstall, errors.New("npm exploded"))
	dst := f.sandbox(t, nil)
	report, err := f.mgr.Restore(context.Background(), dst, snap)
	require.NoError(t, err)
	require.True(t, report.Degraded())
	require.Len(t, report.Warnings(), 1)
	require.ErrorContains(t, report.Err(), "npm exploded")

	// A missing package.json is replaced by a minimal one.
	sb, _ := f.prov.Sandbox(dst.ID)
	require.Contains(t, sb.Files, "package.json")
}

func TestApplyIsStrict(t *testing.T) {
	f := newFixture(t)
	src := f.sandbox(t, map[string]string{"a.txt": "a"})
	a, err := f.mgr.Transfer(context.Background(), src)
	require.NoError(t, err)

	f.prov.SetError(workspace.CmdStartDev, errors.New("port in use"))
	_, err = f.mgr.Apply(context.Background(), f.sandbox(t, nil), a)
	require.ErrorContains(t, err, "port in use")

	all, err := f.store.AllSnapshots("p1")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestTransferUsesTransferCeiling(t *testing.T) {
	f := newFixture(t)
	big := string(make([]byte, archive.TransferMaxFileSize+1))
	src := f.sandbox(t, map[string]string{"big.bin": big, "a.txt": "a"})

	a, err := f.mgr.Transfer(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, a.Files)
	require.Len(t, a.Skipped, 1)
	require.Equal(t, "big.bin", a.Skipped[0].Path)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{"a.txt": "a"})
	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := f.mgr.Capture(context.Background(), "p1", h)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	page, err := f.mgr.List("p1", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, DefaultListLimit, page.Limit)
	require.Equal(t, ids[2], page.Items[0].ID)

	page, err = f.mgr.List("p1", ListOptions{Page: 2, Limit: 2, Order: "ASC"})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	require.Equal(t, ids[2], page.Items[0].ID)

	page, err = f.mgr.List("p1", ListOptions{Limit: 500})
	require.NoError(t, err)
	require.Equal(t, MaxListLimit, page.Limit)

	_, err = f.mgr.List("p1", ListOptions{Order: "sideways"})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteAllRemovesBlobs(t *testing.T) {
	f := newFixture(t)
	h := f.sandbox(t, map[string]string{"a.txt": "a"})
	for i := 0; i < 2; i++ {
		_, err := f.mgr.Capture(context.Background(), "p1", h)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.DeleteAll(context.Background(), "p1"))
	require.Empty(t, f.blobs.Keys())
}

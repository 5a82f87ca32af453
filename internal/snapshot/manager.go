// Package snapshot captures sandbox working directories into content-hashed
// archives, restores them into sandboxes and enforces retention.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/archive"
	"github.com/agentserver/projectbox/internal/blob"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/workspace"
)

const (
	DefaultRetain      = 5
	DefaultBlobTimeout = 60 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Retain      int
	BlobTimeout time.Duration
	Logger      *log.Logger
}

// Manager captures, restores, lists and prunes snapshots.
type Manager struct {
	store       *sbxstore.Store
	blobs       blob.Store
	ws          *workspace.Workspace
	retain      int
	blobTimeout time.Duration
	logger      *log.Logger

	newID func() string
}

func NewManager(store *sbxstore.Store, blobs blob.Store, ws *workspace.Workspace, opts Options) *Manager {
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.BlobTimeout <= 0 {
		opts.BlobTimeout = DefaultBlobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		store:       store,
		blobs:       blobs,
		ws:          ws,
		retain:      opts.Retain,
		blobTimeout: opts.BlobTimeout,
		logger:      opts.Logger.With("component", "snapshot"),
		newID:       uuid.NewString,
	}
}

// Capture archives the working directory of h and stores it as a new
// snapshot of the project. The row is inserted as a placeholder, the
// archive uploaded, and only then the storage key set, so a finalized row
// always references an existing blob.
func (m *Manager) Capture(ctx context.Context, projectID string, h *provider.Handle) (*sbxstore.Snapshot, error) {
	packed, err := m.ws.Pack(ctx, h, archive.DefaultMaxFileSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "failed to read working directory", err)
	}
	a, err := encode(packed, archive.DefaultOptions())
	if err != nil {
		return nil, apperr.Internal("failed to encode snapshot", err)
	}
	m.logSkipped(projectID, a)

	snap := &sbxstore.Snapshot{
		ID:        m.newID(),
		ProjectID: projectID,
		SizeBytes: a.Size(),
		SHA256:    a.SHA256,
		CreatedAt: m.store.Now().UTC(),
	}
	if err := m.store.InsertPlaceholder(snap); err != nil {
		return nil, apperr.Database("failed to record snapshot", err)
	}

	key := blob.SnapshotKey(projectID, snap.ID)
	uploadCtx, cancel := context.WithTimeout(ctx, m.blobTimeout)
	_, err = m.blobs.Upload(uploadCtx, key, a.Data, archive.ContentType)
	cancel()
	if err != nil {
		m.deleteRow(snap.ID)
		return nil, apperr.Storage("failed to upload snapshot", err)
	}

	if err := m.store.FinalizeSnapshot(snap.ID, key); err != nil {
		m.deleteRow(snap.ID)
		m.removeBlobs(ctx, key)
		return nil, apperr.Database("failed to finalize snapshot", err)
	}
	snap.StorageKey = key

	m.logger.Info("snapshot captured",
		"project_id", projectID,
		"snapshot_id", snap.ID,
		"files", a.Files,
		"size", humanize.Bytes(uint64(a.Size())),
	)

	if err := m.store.SetLastSnapshot(projectID, snap.ID); err != nil {
		m.logger.Warn("failed to record last snapshot", "project_id", projectID, "snapshot_id", snap.ID, "error", err)
	}
	m.Prune(ctx, projectID)
	return snap, nil
}

// Prune keeps the newest snapshots of a project and removes the rest.
// Rows are only deleted once their blobs are gone. Failures are logged.
// It returns the number of rows removed.
func (m *Manager) Prune(ctx context.Context, projectID string) int {
	old, err := m.store.SnapshotsBeyond(projectID, m.retain)
	if err != nil {
		m.logger.Warn("failed to list snapshots for retention", "project_id", projectID, "error", err)
		return 0
	}
	if len(old) == 0 {
		return 0
	}

	keys := make([]string, 0, len(old))
	for _, s := range old {
		keys = append(keys, s.StorageKey)
	}
	if !m.removeBlobs(ctx, keys...) {
		return 0
	}

	removed := 0
	for _, s := range old {
		if err := m.store.DeleteSnapshot(s.ID); err != nil {
			m.logger.Warn("failed to delete snapshot row", "project_id", projectID, "snapshot_id", s.ID, "error", err)
			continue
		}
		removed++
	}
	m.logger.Debug("pruned snapshots", "project_id", projectID, "removed", removed)
	return removed
}

// DeleteAll removes the blobs of every snapshot of a project. Rows are left
// for the caller, which deletes them with the project.
func (m *Manager) DeleteAll(ctx context.Context, projectID string) error {
	all, err := m.store.AllSnapshots(projectID)
	if err != nil {
		return err
	}
	var keys []string
	for _, s := range all {
		if s.StorageKey != "" {
			keys = append(keys, s.StorageKey)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.blobTimeout)
	defer cancel()
	return m.blobs.Remove(ctx, keys...)
}

// Restore downloads snap, verifies its hash and rehydrates it into h.
// Install and dev server start are best-effort; their failures are
// reported, not returned.
func (m *Manager) Restore(ctx context.Context, h *provider.Handle, snap *sbxstore.Snapshot) (*RestoreReport, error) {
	dlCtx, cancel := context.WithTimeout(ctx, m.blobTimeout)
	data, err := m.blobs.Download(dlCtx, snap.StorageKey)
	cancel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRestore, "failed to download snapshot", err)
	}
	if sum := archive.Sum(data); sum != snap.SHA256 {
		return nil, apperr.Wrap(apperr.KindRestore, "snapshot hash mismatch",
			fmt.Errorf("snapshot %s: stored %s, downloaded %s", snap.ID, snap.SHA256, sum))
	}
	return m.apply(ctx, h, data, false)
}

// Transfer captures the working directory of h into an in-memory archive
// for migration. It is never persisted.
func (m *Manager) Transfer(ctx context.Context, h *provider.Handle) (*archive.Archive, error) {
	packed, err := m.ws.Pack(ctx, h, archive.TransferMaxFileSize)
	if err != nil {
		return nil, err
	}
	a, err := encode(packed, archive.TransferOptions())
	if err != nil {
		return nil, fmt.Errorf("encode transfer archive: %w", err)
	}
	m.logSkipped("", a)
	return a, nil
}

// Apply rehydrates a transfer archive into h. Unlike Restore, install and
// dev server failures are returned.
func (m *Manager) Apply(ctx context.Context, h *provider.Handle, a *archive.Archive) (*RestoreReport, error) {
	return m.apply(ctx, h, a.Data, true)
}

func (m *Manager) apply(ctx context.Context, h *provider.Handle, data []byte, strict bool) (*RestoreReport, error) {
	defer m.cleanup(ctx, h)

	entries, err := archive.Decode(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRestore, "failed to decode archive", err)
	}
	tarData, err := archive.Tar(entries)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRestore, "failed to build tar stream", err)
	}
	if err := m.ws.Unpack(ctx, h, tarData); err != nil {
		return nil, apperr.Wrap(apperr.KindRestore, "failed to extract archive", err)
	}

	report := &RestoreReport{Files: len(entries)}
	if err := m.ws.EnsurePackageJSON(ctx, h); err != nil {
		m.logger.Warn("failed to ensure package.json", "sandbox_id", h.ID, "error", err)
	}
	if err := m.ws.Install(ctx, h); err != nil {
		report.InstallErr = err
		if strict {
			return report, err
		}
		m.logger.Warn("dependency install failed", "sandbox_id", h.ID, "error", err)
	}
	if err := m.ws.StartDev(ctx, h); err != nil {
		report.StartErr = err
		if strict {
			return report, err
		}
		m.logger.Warn("dev server start failed", "sandbox_id", h.ID, "error", err)
	}
	return report, nil
}

// encode builds the zip from a packed tar stream and merges the files the
// sandbox already left out with those the codec skips.
func encode(p *workspace.Packed, opts archive.Options) (*archive.Archive, error) {
	a, err := archive.Encode(bytes.NewReader(p.Tar), opts)
	if err != nil {
		return nil, err
	}
	a.Skipped = append(p.Skipped, a.Skipped...)
	return a, nil
}

func (m *Manager) cleanup(ctx context.Context, h *provider.Handle) {
	if err := m.ws.Cleanup(context.WithoutCancel(ctx), h); err != nil {
		m.logger.Debug("transfer cleanup failed", "sandbox_id", h.ID, "error", err)
	}
}

func (m *Manager) deleteRow(id string) {
	if err := m.store.DeleteSnapshot(id); err != nil {
		m.logger.Warn("failed to delete snapshot placeholder", "snapshot_id", id, "error", err)
	}
}

func (m *Manager) removeBlobs(ctx context.Context, keys ...string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.blobTimeout)
	defer cancel()
	if err := m.blobs.Remove(ctx, keys...); err != nil {
		m.logger.Warn("failed to remove snapshot blobs", "keys", keys, "error", err)
		return false
	}
	return true
}

func (m *Manager) logSkipped(projectID string, a *archive.Archive) {
	for _, s := range a.Skipped {
		m.logger.Debug("skipped oversized file", "project_id", projectID, "path", s.Path, "size", humanize.Bytes(uint64(s.Size)))
	}
}

// RestoreReport describes the outcome of rehydrating a sandbox.
type RestoreReport struct {
	Files      int
	InstallErr error
	StartErr   error
}

// Degraded reports whether the files were restored but the environment
// did not fully come up.
func (r *RestoreReport) Degraded() bool {
	return r != nil && (r.InstallErr != nil || r.StartErr != nil)
}

// Warnings returns human readable descriptions of the degraded steps.
func (r *RestoreReport) Warnings() []string {
	if r == nil {
		return nil
	}
	var w []string
	if r.InstallErr != nil {
		w = append(w, "dependency install failed: "+r.InstallErr.Error())
	}
	if r.StartErr != nil {
		w = append(w, "dev server start failed: "+r.StartErr.Error())
	}
	return w
}

// Err joins the degraded steps into one error, or nil.
func (r *RestoreReport) Err() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.InstallErr, r.StartErr)
}

// Package orchestrator is the public operation surface of projectbox. It
// serializes operations per project and composes the reconciler, snapshot
// manager, migration controller and health prober.
package orchestrator

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/blob"
	"github.com/agentserver/projectbox/internal/events"
	"github.com/agentserver/projectbox/internal/handlecache"
	"github.com/agentserver/projectbox/internal/health"
	"github.com/agentserver/projectbox/internal/migrate"
	"github.com/agentserver/projectbox/internal/projectlock"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/reconcile"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
	"github.com/agentserver/projectbox/internal/workspace"
)

// Status actions.
const (
	ActionRefresh      = "refresh"
	ActionCleanup      = "cleanup"
	ActionForceCleanup = "force_cleanup"
)

// Config holds sandbox lifetime, remote call timeouts and snapshot retention.
type Config struct {
	TTL              time.Duration
	ReuseThreshold   time.Duration
	ConnectTimeout   time.Duration
	CreateTimeout    time.Duration
	TerminateTimeout time.Duration
	SnapshotRetain   int
	BlobTimeout      time.Duration
}

func DefaultConfig() Config {
	rc := reconcile.DefaultConfig()
	return Config{
		TTL:              rc.TTL,
		ReuseThreshold:   rc.ReuseThreshold,
		ConnectTimeout:   rc.ConnectTimeout,
		CreateTimeout:    rc.CreateTimeout,
		TerminateTimeout: rc.TerminateTimeout,
		SnapshotRetain:   snapshot.DefaultRetain,
		BlobTimeout:      snapshot.DefaultBlobTimeout,
	}
}

// Deps are the adapters a Service runs on. Scaffolder and Events are
// optional.
type Deps struct {
	Store      *sbxstore.Store
	Provider   provider.Provider
	Workspace  *workspace.Workspace
	Blobs      blob.Store
	Scaffolder workspace.Scaffolder
	Events     *events.Hub
	Logger     *log.Logger
}

type Service struct {
	store     *sbxstore.Store
	provider  provider.Provider
	cache     *handlecache.Cache
	locks     *projectlock.Locker
	events    *events.Hub
	snapshots *snapshot.Manager
	reconcile *reconcile.Reconciler
	migrate   *migrate.Controller
	health    *health.Prober
	logger    *log.Logger
	cfg       Config
}

func New(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	if deps.Scaffolder == nil {
		deps.Scaffolder = workspace.NewTemplateScaffolder(deps.Workspace)
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(logger)
	}
	cache := handlecache.New()
	cache.Now = func() time.Time { return deps.Store.Now() }

	snaps := snapshot.NewManager(deps.Store, deps.Blobs, deps.Workspace, snapshot.Options{
		Retain:      cfg.SnapshotRetain,
		BlobTimeout: cfg.BlobTimeout,
		Logger:      logger,
	})
	wsCfg := deps.Workspace.Config()

	return &Service{
		store:     deps.Store,
		provider:  deps.Provider,
		cache:     cache,
		locks:     projectlock.New(),
		events:    deps.Events,
		snapshots: snaps,
		reconcile: reconcile.New(reconcile.Deps{
			Store:      deps.Store,
			Provider:   deps.Provider,
			Workspace:  deps.Workspace,
			Snapshots:  snaps,
			Scaffolder: deps.Scaffolder,
			Cache:      cache,
			Logger:     logger,
		}, reconcile.Config{
			TTL:              cfg.TTL,
			ReuseThreshold:   cfg.ReuseThreshold,
			ConnectTimeout:   cfg.ConnectTimeout,
			CreateTimeout:    cfg.CreateTimeout,
			TerminateTimeout: cfg.TerminateTimeout,
		}),
		migrate: migrate.New(migrate.Deps{
			Store:     deps.Store,
			Provider:  deps.Provider,
			Workspace: deps.Workspace,
			Snapshots: snaps,
			Cache:     cache,
			Events:    deps.Events,
			Logger:    logger,
		}, migrate.Config{
			TTL:              cfg.TTL,
			ConnectTimeout:   cfg.ConnectTimeout,
			CreateTimeout:    cfg.CreateTimeout,
			TerminateTimeout: cfg.TerminateTimeout,
		}),
		health: health.New(health.Deps{
			Store:     deps.Store,
			Provider:  deps.Provider,
			Workspace: deps.Workspace,
			Cache:     cache,
			Logger:    logger,
		}, health.Config{
			ConnectTimeout:   cfg.ConnectTimeout,
			ProbeTimeout:     wsCfg.ProbeTimeout,
			PortCheckTimeout: wsCfg.PortCheckTimeout,
			TerminateTimeout: cfg.TerminateTimeout,
		}),
		logger: logger.With("component", "orchestrator"),
		cfg:    cfg,
	}
}

// Events returns the hub lifecycle events are published on.
func (s *Service) Events() *events.Hub {
	return s.events
}

// lock serializes operations on one project.
func (s *Service) lock(ctx context.Context, projectID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return nil, apperr.Internal("operation cancelled while waiting for project lock", err)
	}
	return unlock, nil
}

func (s *Service) publish(projectID, typ, state, sandboxID, message string) {
	s.events.Publish(events.Event{
		Time:      s.store.Now().UTC(),
		ProjectID: projectID,
		Type:      typ,
		State:     state,
		SandboxID: sandboxID,
		Message:   message,
	})
}

// OpenProject returns a live sandbox endpoint for the project, reusing,
// recreating or restoring as needed.
func (s *Service) OpenProject(ctx context.Context, projectID string) (*reconcile.Result, error) {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.reconcile.Open(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.publish(projectID, events.TypeOpen, res.Status, res.SandboxID, res.Message)
	return res, nil
}

// CreateSnapshot captures the bound sandbox's working directory.
func (s *Service) CreateSnapshot(ctx context.Context, projectID string) (*sbxstore.Snapshot, error) {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ptr, err := s.pointer(projectID)
	if err != nil {
		return nil, err
	}
	if !ptr.Bound() {
		return nil, apperr.New(apperr.KindNoSandbox, "project has no bound sandbox")
	}
	h, err := s.handle(ctx, projectID, ptr.SandboxID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxConnection, "failed to connect to sandbox", err)
	}

	snap, err := s.snapshots.Capture(ctx, projectID, h)
	if err != nil {
		return nil, err
	}
	s.publish(projectID, events.TypeSnapshot, "created", ptr.SandboxID, snap.ID)
	return snap, nil
}

// ListSnapshots returns one page of finalized snapshots.
func (s *Service) ListSnapshots(ctx context.Context, projectID string, opts snapshot.ListOptions) (*snapshot.Page, error) {
	if _, err := s.project(projectID); err != nil {
		return nil, err
	}
	return s.snapshots.List(projectID, opts)
}

// Status is a health report plus snapshot summary.
type Status struct {
	*health.Report
	SnapshotsCount int                `json:"snapshotsCount"`
	LatestSnapshot *sbxstore.Snapshot `json:"latestSnapshot,omitempty"`
}

// GetStatus probes the bound sandbox. An expired pointer is cleared.
func (s *Service) GetStatus(ctx context.Context, projectID string) (*Status, error) {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.status(ctx, projectID)
}

func (s *Service) status(ctx context.Context, projectID string) (*Status, error) {
	rep, err := s.health.Probe(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.withSnapshots(rep), nil
}

// withSnapshots attaches the snapshot summary. Failures only drop the
// summary.
func (s *Service) withSnapshots(rep *health.Report) *Status {
	st := &Status{Report: rep}
	count, err := s.store.CountSnapshots(rep.ProjectID)
	if err != nil {
		s.logger.Warn("failed to count snapshots", "project_id", rep.ProjectID, "error", err)
	}
	st.SnapshotsCount = count
	latest, err := s.store.LatestSnapshot(rep.ProjectID)
	if err != nil {
		s.logger.Warn("failed to load latest snapshot", "project_id", rep.ProjectID, "error", err)
	}
	st.LatestSnapshot = latest
	if rep.Cleared {
		s.publish(rep.ProjectID, events.TypeStatus, rep.SandboxStatus, "", "sandbox state cleared")
	}
	return st
}

// PostStatusAction runs refresh, cleanup or force_cleanup.
func (s *Service) PostStatusAction(ctx context.Context, projectID, action string) (*Status, error) {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.project(projectID); err != nil {
		return nil, err
	}

	var rep *health.Report
	switch action {
	case ActionRefresh:
		return s.status(ctx, projectID)
	case ActionCleanup:
		rep, err = s.health.Cleanup(ctx, projectID)
	case ActionForceCleanup:
		rep, err = s.health.ForceCleanup(ctx, projectID)
	default:
		return nil, apperr.Validation("unsupported action %q", action)
	}
	if err != nil {
		return nil, err
	}
	return s.withSnapshots(rep), nil
}

// Migrate hot-migrates the project onto a fresh sandbox. The result is
// returned for failed migrations too.
func (s *Service) Migrate(ctx context.Context, projectID string) (*migrate.Result, error) {
	unlock, err := s.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.migrate.Migrate(ctx, projectID)
}

// CleanupExpired clears the pointer of a project whose sandbox expired.
// A project busy with another operation is skipped; the next sweep
// retries it.
func (s *Service) CleanupExpired(ctx context.Context, projectID string) error {
	unlock, ok := s.tryLock(projectID)
	if !ok {
		return nil
	}
	defer unlock()

	rep, err := s.health.Cleanup(ctx, projectID)
	if err != nil {
		return err
	}
	if rep.Cleared {
		s.publish(projectID, events.TypeStatus, rep.SandboxStatus, "", rep.Message)
	}
	return nil
}

// MigrateExpiring migrates a project whose sandbox expires soon. Busy
// projects are skipped like in CleanupExpired. Projects whose pointer
// changed in the meantime are skipped by the migration's own checks.
func (s *Service) MigrateExpiring(ctx context.Context, projectID string) error {
	unlock, ok := s.tryLock(projectID)
	if !ok {
		return nil
	}
	defer unlock()
	_, err := s.migrate.Migrate(ctx, projectID)
	return err
}

func (s *Service) tryLock(projectID string) (func(), bool) {
	unlock, ok := s.locks.TryLock(projectID)
	if !ok {
		s.logger.Debug("project busy, skipping expiry action", "project_id", projectID)
	}
	return unlock, ok
}

func (s *Service) pointer(projectID string) (*sbxstore.Pointer, error) {
	ptr, err := s.store.GetPointer(projectID)
	if err != nil {
		return nil, apperr.Database("failed to load project state", err)
	}
	if ptr == nil {
		return nil, apperr.NotFound("project %s not found", projectID)
	}
	return ptr, nil
}

// handle returns a cached handle for sandboxID or connects to it.
func (s *Service) handle(ctx context.Context, projectID, sandboxID string) (*provider.Handle, error) {
	if h, ok := s.cache.Get(projectID, sandboxID); ok {
		return h, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	h, err := s.provider.Connect(cctx, sandboxID)
	if err != nil {
		return nil, err
	}
	s.cache.Put(projectID, h)
	return h, nil
}

// release terminates the bound sandbox and removes all snapshot blobs of a
// project concurrently. Failures are logged.
func (s *Service) release(ctx context.Context, projectID string, ptr *sbxstore.Pointer) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With("project_id", projectID)
	var g errgroup.Group
	if ptr.Bound() {
		g.Go(func() error {
			h, err := s.handle(ctx, projectID, ptr.SandboxID)
			if err != nil {
				logger.Info("bound sandbox already gone", "sandbox_id", ptr.SandboxID, "error", err)
				return nil
			}
			tctx, cancel := context.WithTimeout(ctx, s.cfg.TerminateTimeout)
			defer cancel()
			if err := s.provider.Terminate(tctx, h); err != nil {
				logger.Warn("failed to terminate sandbox", "sandbox_id", ptr.SandboxID, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := s.snapshots.DeleteAll(ctx, projectID); err != nil {
			logger.Warn("failed to remove snapshot blobs", "error", err)
		}
		return nil
	})
	g.Wait()
	s.cache.Drop(projectID)
}

// Package reconcile brings a project's sandbox to a usable state: it reuses
// the bound sandbox while it has time left, and otherwise creates a new one
// and restores the latest snapshot into it.
package reconcile

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/handlecache"
	"github.com/agentserver/projectbox/internal/ids"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
	"github.com/agentserver/projectbox/internal/workspace"
)

// Open outcomes.
const (
	StatusExisting = "existing"
	StatusCreated  = "created"
	StatusRestored = "restored"
)

const (
	msgExisting       = "connected to existing sandbox"
	msgCreated        = "created new project environment"
	msgRestored       = "restored project from snapshot"
	msgRestoreFailed  = "snapshot restore failed, created base env"
	msgStoreFailed    = "failed to save project state"
	msgCreateFailed   = "failed to create sandbox"
	msgScaffoldFailed = "failed to set up project environment"
)

// Config holds the sandbox lifetime and the timeouts of remote calls.
type Config struct {
	// TTL is the lifetime requested for new sandboxes.
	TTL time.Duration
	// ReuseThreshold is the minimum time left for a bound sandbox to be reused.
	ReuseThreshold   time.Duration
	ConnectTimeout   time.Duration
	CreateTimeout    time.Duration
	TerminateTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:              30 * time.Minute,
		ReuseThreshold:   2 * time.Minute,
		ConnectTimeout:   15 * time.Second,
		CreateTimeout:    2 * time.Minute,
		TerminateTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Store      *sbxstore.Store
	Provider   provider.Provider
	Workspace  *workspace.Workspace
	Snapshots  *snapshot.Manager
	Scaffolder workspace.Scaffolder
	Cache      *handlecache.Cache
	Logger     *log.Logger
}

// Result is the outcome of opening a project.
type Result struct {
	SandboxID   string    `json:"sandboxId"`
	EndpointURL string    `json:"endpointUrl"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	ExpiresAt   time.Time `json:"expiresAt"`
	// Degraded is set when the files are in place but dependency install
	// or dev server start failed.
	Degraded bool     `json:"degraded"`
	Warnings []string `json:"warnings,omitempty"`
}

type Reconciler struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Reconciler {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	deps.Logger = deps.Logger.With("component", "reconcile")
	return &Reconciler{Deps: deps, cfg: cfg}
}

// Open returns a live sandbox endpoint for the project. It writes at most
// one pointer row and terminates at most one stale sandbox.
func (r *Reconciler) Open(ctx context.Context, projectID string) (*Result, error) {
	ptr, err := r.Store.GetPointer(projectID)
	if err != nil {
		return nil, apperr.Database("failed to load project state", err)
	}
	if ptr == nil {
		return nil, apperr.NotFound("project %s not found", projectID)
	}

	if ptr.Bound() {
		if res := r.reuse(ctx, projectID, ptr); res != nil {
			return res, nil
		}
	}
	return r.create(ctx, projectID, ptr)
}

// reuse returns a result for the bound sandbox when it is reachable and has
// enough time left. Otherwise it retires the stale sandbox and returns nil.
func (r *Reconciler) reuse(ctx context.Context, projectID string, ptr *sbxstore.Pointer) *Result {
	logger := r.Logger.With("project_id", projectID, "sandbox_id", ptr.SandboxID)

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	h, err := r.Provider.Connect(connectCtx, ptr.SandboxID)
	cancel()
	r.Cache.Invalidate(projectID, ptr.SandboxID)
	if err != nil {
		logger.Info("bound sandbox unreachable", "error", err)
		return nil
	}

	now := r.Store.Now()
	if left := ptr.TimeLeft(now); left <= r.cfg.ReuseThreshold {
		logger.Info("bound sandbox expiring soon, replacing", "time_left", left.Round(time.Second))
		r.terminate(ctx, h)
		return nil
	}

	endpoint := ptr.EndpointURL
	if endpoint == "" {
		if endpoint, err = r.Workspace.Endpoint(ctx, h); err != nil {
			logger.Warn("failed to resolve endpoint", "error", err)
			r.terminate(ctx, h)
			return nil
		}
	}
	r.Cache.Put(projectID, h)
	r.touch(projectID)
	return &Result{
		SandboxID:   ptr.SandboxID,
		EndpointURL: endpoint,
		Status:      StatusExisting,
		Message:     msgExisting,
		ExpiresAt:   *ptr.ExpiresAt,
	}
}

func (r *Reconciler) create(ctx context.Context, projectID string, ptr *sbxstore.Pointer) (*Result, error) {
	createCtx, cancel := context.WithTimeout(ctx, r.cfg.CreateTimeout)
	h, err := r.Provider.Create(createCtx, provider.CreateOptions{
		Name:  ids.NewSandboxName(),
		TTL:   r.cfg.TTL,
		Ports: []int{r.Workspace.Config().DevPort},
	})
	cancel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, msgCreateFailed, err)
	}
	logger := r.Logger.With("project_id", projectID, "sandbox_id", h.ID)
	logger.Info("created sandbox")

	res, lastSnapshotID, err := r.populate(ctx, projectID, h)
	if err != nil {
		r.terminate(ctx, h)
		return nil, err
	}
	if lastSnapshotID == "" {
		lastSnapshotID = ptr.LastSnapshotID
	}

	endpoint, err := r.Workspace.Endpoint(ctx, h)
	if err != nil {
		r.terminate(ctx, h)
		return nil, apperr.Wrap(apperr.KindSandbox, "failed to resolve sandbox endpoint", err)
	}

	now := r.Store.Now().UTC()
	expiresAt := now.Add(r.cfg.TTL)
	err = r.Store.Bind(projectID, sbxstore.Binding{
		SandboxID:      h.ID,
		EndpointURL:    endpoint,
		StartedAt:      now,
		ExpiresAt:      expiresAt,
		LastSnapshotID: lastSnapshotID,
	})
	if err != nil {
		// The pointer must not be left referencing an unbound sandbox.
		r.terminate(ctx, h)
		return nil, apperr.Database(msgStoreFailed, err)
	}

	r.Cache.Put(projectID, h)
	r.touch(projectID)

	res.SandboxID = h.ID
	res.EndpointURL = endpoint
	res.ExpiresAt = expiresAt
	logger.Info("project opened", "status", res.Status, "degraded", res.Degraded)
	return res, nil
}

// populate fills a new sandbox from the latest snapshot, falling back to
// the base environment. It returns the id of the restored snapshot.
func (r *Reconciler) populate(ctx context.Context, projectID string, h *provider.Handle) (*Result, string, error) {
	snap, err := r.Store.LatestSnapshot(projectID)
	if err != nil {
		return nil, "", apperr.Database("failed to load latest snapshot", err)
	}

	res := &Result{Status: StatusCreated, Message: msgCreated}
	if snap != nil {
		report, err := r.Snapshots.Restore(ctx, h, snap)
		if err == nil {
			res.Status = StatusRestored
			res.Message = msgRestored
			res.Degraded = report.Degraded()
			res.Warnings = report.Warnings()
			if res.Degraded {
				r.Logger.Warn("snapshot restored into degraded environment",
					"project_id", projectID, "snapshot_id", snap.ID, "error", report.Err())
			}
			return res, snap.ID, nil
		}
		r.Logger.Warn("snapshot restore failed, falling back to base environment",
			"project_id", projectID, "snapshot_id", snap.ID, "error", err)
		res.Message = msgRestoreFailed
		res.Warnings = append(res.Warnings, err.Error())
	}

	if err := r.Scaffolder.Scaffold(ctx, h); err != nil {
		return nil, "", apperr.Wrap(apperr.KindSandbox, msgScaffoldFailed, err)
	}
	if err := r.Workspace.Install(ctx, h); err != nil {
		res.Degraded = true
		res.Warnings = append(res.Warnings, "dependency install failed: "+err.Error())
	}
	if err := r.Workspace.StartDev(ctx, h); err != nil {
		res.Degraded = true
		res.Warnings = append(res.Warnings, "dev server start failed: "+err.Error())
	}
	return res, "", nil
}

func (r *Reconciler) terminate(ctx context.Context, h *provider.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TerminateTimeout)
	defer cancel()
	if err := r.Provider.Terminate(ctx, h); err != nil {
		r.Logger.Warn("failed to terminate sandbox", "sandbox_id", h.ID, "error", err)
	}
}

func (r *Reconciler) touch(projectID string) {
	if err := r.Store.TouchOpened(projectID); err != nil {
		r.Logger.Warn("failed to update last opened time", "project_id", projectID, "error", err)
	}
}

// Package migrate hot-migrates a project onto a fresh sandbox: it clones
// the working directory of the bound sandbox into a new one and only
// repoints the project once the new sandbox is proven restorable.
package migrate

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/events"
	"github.com/agentserver/projectbox/internal/handlecache"
	"github.com/agentserver/projectbox/internal/ids"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/snapshot"
	"github.com/agentserver/projectbox/internal/workspace"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Config struct {
	TTL              time.Duration
	ConnectTimeout   time.Duration
	CreateTimeout    time.Duration
	TerminateTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:              30 * time.Minute,
		ConnectTimeout:   15 * time.Second,
		CreateTimeout:    2 * time.Minute,
		TerminateTimeout: 15 * time.Second,
	}
}

type Deps struct {
	Store     *sbxstore.Store
	Provider  provider.Provider
	Workspace *workspace.Workspace
	Snapshots *snapshot.Manager
	Cache     *handlecache.Cache
	Events    *events.Hub
	Logger    *log.Logger
}

// Result describes a migration attempt. It is returned for failed
// attempts too, alongside the error.
type Result struct {
	MigrationID    string   `json:"migrationId"`
	OldSandboxID   string   `json:"oldSandboxId"`
	NewSandboxID   string   `json:"newSandboxId,omitempty"`
	NewEndpointURL string   `json:"newEndpointUrl,omitempty"`
	DurationMs     int64    `json:"durationMs"`
	Status         string   `json:"status"`
	State          string   `json:"state"`
	Message        string   `json:"message"`
	Warnings       []string `json:"warnings,omitempty"`
}

type Controller struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Controller {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	deps.Logger = deps.Logger.With("component", "migrate")
	return &Controller{Deps: deps, cfg: cfg}
}

// run tracks one migration through its states.
type run struct {
	c         *Controller
	res       *Result
	projectID string
	logger    *log.Logger
}

func (r *run) advance(to, sandboxID string) {
	from := r.res.State
	if !sbxstore.ValidMigrationTransition(from, to) {
		panic(fmt.Sprintf("invalid migration transition %s -> %s", from, to))
	}
	r.res.State = to
	r.logger.Debug("migration state", "from", from, "to", to, "sandbox_id", sandboxID)
	r.c.Events.Publish(events.Event{
		ProjectID: r.projectID,
		Type:      events.TypeMigration,
		State:     to,
		SandboxID: sandboxID,
	})
}

// Migrate moves the project onto a new sandbox. The pointer is only
// rewritten after the new sandbox has been restored; any failure before
// that leaves the old sandbox and pointer untouched and terminates the
// new sandbox.
func (c *Controller) Migrate(ctx context.Context, projectID string) (res *Result, err error) {
	start := time.Now()
	res = &Result{MigrationID: ids.NewMigrationID(), Status: StatusFailed, State: sbxstore.MigrationStart}
	r := &run{c: c, res: res, projectID: projectID, logger: c.Logger.With("project_id", projectID, "migration_id", res.MigrationID)}

	var oldH, newH *provider.Handle
	swapped := false

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("migration panicked", "panic", p, "stack", string(debug.Stack()))
			err = apperr.Internal("migration aborted unexpectedly", fmt.Errorf("panic: %v", p))
		}
		res.DurationMs = time.Since(start).Milliseconds()
		if err == nil {
			return
		}
		if swapped {
			// The cutover happened; what failed afterwards is cleanup.
			res.Status = StatusSuccess
			res.Message = "migrated to new sandbox"
			res.Warnings = append(res.Warnings, err.Error())
			err = nil
			return
		}

		res.Status = StatusFailed
		res.Message = apperr.From(err).Message
		if res.State != sbxstore.MigrationFailed {
			r.advance(sbxstore.MigrationFailed, "")
		}
		if apperr.Is(err, apperr.KindInternal) {
			c.terminateAll(ctx, newH, oldH)
			if oldH != nil {
				if _, cerr := c.Store.ClearSandboxIf(projectID, oldH.ID); cerr != nil {
					r.logger.Warn("failed to clear pointer", "error", cerr)
				}
				c.Cache.Invalidate(projectID, oldH.ID)
			}
		} else {
			c.terminateAll(ctx, newH)
		}
		r.logger.Warn("migration failed", "state", res.State, "error", err, "duration_ms", res.DurationMs)
	}()

	ptr, err := c.Store.GetPointer(projectID)
	if err != nil {
		return res, apperr.Database("failed to load project state", err)
	}
	if ptr == nil {
		return res, apperr.NotFound("project %s not found", projectID)
	}
	if !ptr.Bound() {
		return res, apperr.New(apperr.KindNoSandbox, "project has no bound sandbox")
	}
	res.OldSandboxID = ptr.SandboxID

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	oldH, err = c.Provider.Connect(connectCtx, ptr.SandboxID)
	cancel()
	if err != nil {
		oldH = nil
		return res, apperr.Wrap(apperr.KindSandboxConnection, "failed to connect to current sandbox", err)
	}
	r.advance(sbxstore.MigrationOldConnected, oldH.ID)

	transfer, err := c.Snapshots.Transfer(ctx, oldH)
	if err != nil {
		return res, apperr.Wrap(apperr.KindMigrationSnapshot, "failed to capture sandbox state", err)
	}
	r.logger.Info("captured transfer archive", "files", transfer.Files, "size", humanize.Bytes(uint64(transfer.Size())))
	r.advance(sbxstore.MigrationSnapshotCaptured, oldH.ID)

	createCtx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	newH, err = c.Provider.Create(createCtx, provider.CreateOptions{
		Name:  ids.NewSandboxName(),
		TTL:   c.cfg.TTL,
		Ports: []int{c.Workspace.Config().DevPort},
	})
	cancel()
	if err != nil {
		newH = nil
		return res, apperr.Wrap(apperr.KindSandbox, "failed to create sandbox", err)
	}
	res.NewSandboxID = newH.ID
	r.advance(sbxstore.MigrationNewCreated, newH.ID)

	if _, err := c.Snapshots.Apply(ctx, newH, transfer); err != nil {
		return res, apperr.Wrap(apperr.KindRestore, "failed to restore into new sandbox", err)
	}
	endpoint, err := c.Workspace.Endpoint(ctx, newH)
	if err != nil {
		return res, apperr.Wrap(apperr.KindRestore, "failed to resolve new sandbox endpoint", err)
	}
	res.NewEndpointURL = endpoint
	r.advance(sbxstore.MigrationNewRestored, newH.ID)

	now := c.Store.Now().UTC()
	err = c.Store.Bind(projectID, sbxstore.Binding{
		SandboxID:      newH.ID,
		EndpointURL:    endpoint,
		StartedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTL),
		LastSnapshotID: ptr.LastSnapshotID,
	})
	if err != nil {
		return res, apperr.Database("failed to switch project to new sandbox", err)
	}
	swapped = true
	c.Cache.Invalidate(projectID, oldH.ID)
	c.Cache.Put(projectID, newH)
	r.advance(sbxstore.MigrationPointerSwapped, newH.ID)

	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TerminateTimeout)
	err = c.Provider.Terminate(termCtx, oldH)
	cancel()
	if err != nil {
		r.logger.Warn("failed to terminate old sandbox", "sandbox_id", oldH.ID, "error", err)
		res.Warnings = append(res.Warnings, "failed to terminate old sandbox: "+err.Error())
	}
	r.advance(sbxstore.MigrationOldTerminated, oldH.ID)

	if err := c.Workspace.Cleanup(ctx, newH); err != nil {
		r.logger.Debug("transfer cleanup failed", "sandbox_id", newH.ID, "error", err)
	}
	r.advance(sbxstore.MigrationDone, newH.ID)

	res.Status = StatusSuccess
	res.Message = "migrated to new sandbox"
	r.logger.Info("migration complete", "old_sandbox_id", oldH.ID, "new_sandbox_id", newH.ID, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// terminateAll terminates the given handles concurrently. Each failure is
// logged on its own and never cancels the others.
func (c *Controller) terminateAll(ctx context.Context, handles ...*provider.Handle) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, h := range handles {
		if h == nil {
			continue
		}
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, c.cfg.TerminateTimeout)
			defer cancel()
			if err := c.Provider.Terminate(tctx, h); err != nil {
				c.Logger.Warn("failed to terminate sandbox during migration cleanup", "sandbox_id", h.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Package health reports whether a project's bound sandbox is alive and
// clears pointers that no longer reference a usable sandbox.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/handlecache"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/workspace"
)

type Config struct {
	ConnectTimeout   time.Duration
	ProbeTimeout     time.Duration
	PortCheckTimeout time.Duration
	TerminateTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   15 * time.Second,
		ProbeTimeout:     10 * time.Second,
		PortCheckTimeout: 5 * time.Second,
		TerminateTimeout: 15 * time.Second,
	}
}

type Deps struct {
	Store     *sbxstore.Store
	Provider  provider.Provider
	Workspace *workspace.Workspace
	Cache     *handlecache.Cache
	Logger    *log.Logger
}

// Details carries informational probe results that never change the
// reported status.
type Details struct {
	DevServerListening *bool `json:"devServerListening,omitempty"`
}

// Report is the observed state of a project's sandbox.
type Report struct {
	ProjectID     string     `json:"projectId"`
	SandboxID     string     `json:"sandboxId,omitempty"`
	EndpointURL   string     `json:"endpointUrl,omitempty"`
	SandboxStatus string     `json:"sandboxStatus"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Details       Details    `json:"details"`
	// Cleared is set when this call cleared the pointer.
	Cleared bool   `json:"cleared"`
	Message string `json:"message,omitempty"`
}

type Prober struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Prober {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	deps.Logger = deps.Logger.With("component", "health")
	return &Prober{Deps: deps, cfg: cfg}
}

func (p *Prober) pointer(projectID string) (*sbxstore.Pointer, error) {
	ptr, err := p.Store.GetPointer(projectID)
	if err != nil {
		return nil, apperr.Database("failed to load project state", err)
	}
	if ptr == nil {
		return nil, apperr.NotFound("project %s not found", projectID)
	}
	return ptr, nil
}

func reportFor(ptr *sbxstore.Pointer) *Report {
	return &Report{
		ProjectID:   ptr.ProjectID,
		SandboxID:   ptr.SandboxID,
		EndpointURL: ptr.EndpointURL,
		ExpiresAt:   ptr.ExpiresAt,
	}
}

// clear drops the sandbox fields from a report after its pointer was cleared.
func (r *Report) clear() {
	r.SandboxID = ""
	r.EndpointURL = ""
	r.ExpiresAt = nil
	r.Cleared = true
}

// Probe classifies the bound sandbox. An expired pointer is cleared as a
// side effect.
func (p *Prober) Probe(ctx context.Context, projectID string) (*Report, error) {
	ptr, err := p.pointer(projectID)
	if err != nil {
		return nil, err
	}
	rep := reportFor(ptr)
	if !ptr.Bound() {
		rep.SandboxStatus = sbxstore.StatusStopped
		return rep, nil
	}

	logger := p.Logger.With("project_id", projectID, "sandbox_id", ptr.SandboxID)
	if ptr.TimeLeft(p.Store.Now()) <= 0 {
		rep.SandboxStatus = sbxstore.StatusExpired
		if err := p.clearIf(projectID, ptr.SandboxID); err != nil {
			logger.Warn("failed to clear expired sandbox state", "error", err)
		} else {
			rep.clear()
		}
		return rep, nil
	}

	h, err := p.connect(ctx, projectID, ptr.SandboxID)
	if err != nil {
		logger.Info("sandbox unreachable", "error", err)
		rep.SandboxStatus = sbxstore.StatusStopped
		return rep, nil
	}

	probeCtx, cancel := provider.WithTimeout(ctx, p.cfg.ProbeTimeout)
	err = p.Workspace.Probe(probeCtx, h)
	cancel()
	if errors.Is(err, provider.ErrNotFound) {
		p.Cache.Invalidate(projectID, h.ID)
		logger.Info("sandbox gone", "error", err)
		rep.SandboxStatus = sbxstore.StatusStopped
		return rep, nil
	}
	if err != nil {
		logger.Warn("sandbox probe failed", "error", err)
		rep.SandboxStatus = sbxstore.StatusUnknown
		return rep, nil
	}
	rep.SandboxStatus = sbxstore.StatusRunning

	portCtx, cancel := provider.WithTimeout(ctx, p.cfg.PortCheckTimeout)
	listening, err := p.Workspace.DevListening(portCtx, h)
	cancel()
	if err != nil {
		logger.Debug("port check failed", "error", err)
	} else {
		rep.Details.DevServerListening = &listening
	}
	return rep, nil
}

// Cleanup clears the pointer only if the bound sandbox has expired.
func (p *Prober) Cleanup(ctx context.Context, projectID string) (*Report, error) {
	ptr, err := p.pointer(projectID)
	if err != nil {
		return nil, err
	}
	rep := reportFor(ptr)
	rep.SandboxStatus = sbxstore.StatusStopped
	if !ptr.Bound() || ptr.TimeLeft(p.Store.Now()) > 0 {
		if ptr.Bound() {
			rep.SandboxStatus = sbxstore.StatusUnknown
		}
		rep.Message = "nothing to clean up"
		return rep, nil
	}

	rep.SandboxStatus = sbxstore.StatusExpired
	if err := p.clearIf(projectID, ptr.SandboxID); err != nil {
		return nil, apperr.Database("failed to clear expired sandbox state", err)
	}
	rep.clear()
	rep.Message = "cleared expired sandbox state"
	return rep, nil
}

// ForceCleanup terminates the bound sandbox best-effort and clears the
// pointer regardless of expiry.
func (p *Prober) ForceCleanup(ctx context.Context, projectID string) (*Report, error) {
	ptr, err := p.pointer(projectID)
	if err != nil {
		return nil, err
	}
	rep := reportFor(ptr)
	rep.SandboxStatus = sbxstore.StatusStopped
	if ptr.Bound() {
		logger := p.Logger.With("project_id", projectID, "sandbox_id", ptr.SandboxID)
		if h, err := p.connect(ctx, projectID, ptr.SandboxID); err != nil {
			logger.Info("sandbox already gone", "error", err)
		} else {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TerminateTimeout)
			if err := p.Provider.Terminate(tctx, h); err != nil {
				logger.Warn("failed to terminate sandbox", "error", err)
			}
			cancel()
		}
	}

	if err := p.Store.ClearSandbox(projectID); err != nil {
		return nil, apperr.Database("failed to clear sandbox state", err)
	}
	p.Cache.Drop(projectID)
	if ptr.Bound() {
		rep.clear()
	}
	rep.Message = "cleared all sandbox state"
	p.Logger.Info("force cleanup", "project_id", projectID, "sandbox_id", ptr.SandboxID)
	return rep, nil
}

// connect returns a cached handle for sandboxID or connects to it.
func (p *Prober) connect(ctx context.Context, projectID, sandboxID string) (*provider.Handle, error) {
	if h, ok := p.Cache.Get(projectID, sandboxID); ok {
		return h, nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	h, err := p.Provider.Connect(cctx, sandboxID)
	if err != nil {
		return nil, err
	}
	p.Cache.Put(projectID, h)
	return h, nil
}

func (p *Prober) clearIf(projectID, sandboxID string) error {
	p.Cache.Invalidate(projectID, sandboxID)
	if _, err := p.Store.ClearSandboxIf(projectID, sandboxID); err != nil {
		return err
	}
	p.Logger.Info("cleared expired sandbox state", "project_id", projectID, "sandbox_id", sandboxID)
	return nil
}

package sbxstore

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// ExpiryActions handles pointers found by the ExpiryWatcher.
type ExpiryActions interface {
	// CleanupExpired clears the pointer of a project whose sandbox expired.
	CleanupExpired(ctx context.Context, projectID string) error
	// MigrateExpiring hot-migrates a project whose sandbox expires soon.
	MigrateExpiring(ctx context.Context, projectID string) error
}

// ExpiryWatcher periodically clears expired pointers and, when a migration
// window is set, migrates projects before their sandbox expires.
type ExpiryWatcher struct {
	store    *Store
	actions  ExpiryActions
	interval time.Duration
	window   time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewExpiryWatcher creates a watcher. A zero window disables proactive
// migration.
func NewExpiryWatcher(store *Store, actions ExpiryActions, interval, window time.Duration, logger *log.Logger) *ExpiryWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ExpiryWatcher{
		store:    store,
		actions:  actions,
		interval: interval,
		window:   window,
		logger:   logger.With("component", "expiry-watcher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the check loop. Call Stop() to terminate.
func (w *ExpiryWatcher) Start() {
	go w.loop()
}

// Stop terminates the watcher and waits for an in-flight check to finish.
func (w *ExpiryWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *ExpiryWatcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *ExpiryWatcher) check(ctx context.Context) {
	now := w.store.Now()
	pointers, err := w.store.ExpiringBefore(now.Add(w.window))
	if err != nil {
		w.logger.Error("list expiring pointers", "error", err)
		return
	}

	for _, p := range pointers {
		if ctx.Err() != nil {
			return
		}
		if p.TimeLeft(now) <= 0 {
			w.logger.Info("clearing expired sandbox", "project_id", p.ProjectID, "sandbox_id", p.SandboxID)
			if err := w.actions.CleanupExpired(ctx, p.ProjectID); err != nil {
				w.logger.Warn("cleanup expired sandbox", "project_id", p.ProjectID, "error", err)
			}
			continue
		}
		if w.window <= 0 {
			continue
		}
		w.logger.Info("migrating expiring sandbox", "project_id", p.ProjectID, "sandbox_id", p.SandboxID, "time_left", p.TimeLeft(now).Round(time.Second))
		if err := w.actions.MigrateExpiring(ctx, p.ProjectID); err != nil {
			w.logger.Warn("migrate expiring sandbox", "project_id", p.ProjectID, "error", err)
		}
	}
}

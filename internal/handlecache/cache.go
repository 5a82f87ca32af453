// Package handlecache keeps live sandbox handles per project so that
// repeated operations can skip reconnecting.
package handlecache

import (
	"sync"
	"time"

	"github.com/agentserver/projectbox/internal/provider"
)

// Cache maps project IDs to the handle of their bound sandbox. It is a
// convenience only: callers pass the sandbox ID from the persisted
// pointer and a cached handle for any other sandbox is discarded.
type Cache struct {
	mu      sync.RWMutex
	handles map[string]*provider.Handle

	// Now is the clock used for expiry checks.
	Now func() time.Time
}

func New() *Cache {
	return &Cache{
		handles: make(map[string]*provider.Handle),
		Now:     time.Now,
	}
}

// Put stores the handle for a project, replacing any previous one.
func (c *Cache) Put(projectID string, h *provider.Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handles[projectID] = h
	c.mu.Unlock()
}

// Get returns the cached handle for a project if it refers to sandboxID
// and has not expired. A stale entry is removed.
func (c *Cache) Get(projectID, sandboxID string) (*provider.Handle, bool) {
	c.mu.RLock()
	h, ok := c.handles[projectID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if h.ID == sandboxID && (h.ExpiresAt.IsZero() || c.Now().Before(h.ExpiresAt)) {
		return h, true
	}
	c.Invalidate(projectID, h.ID)
	return nil, false
}

// Invalidate removes the entry for a project, only if it still refers to sandboxID.
func (c *Cache) Invalidate(projectID, sandboxID string) {
	c.mu.Lock()
	if existing, ok := c.handles[projectID]; ok && existing.ID == sandboxID {
		delete(c.handles, projectID)
	}
	c.mu.Unlock()
}

// Drop removes the entry for a project regardless of the sandbox it refers to.
func (c *Cache) Drop(projectID string) {
	c.mu.Lock()
	delete(c.handles, projectID)
	c.mu.Unlock()
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

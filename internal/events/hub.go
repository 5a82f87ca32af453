// Package events fans out project lifecycle events to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Event types.
const (
	TypeOpen      = "open"
	TypeSnapshot  = "snapshot"
	TypeMigration = "migration"
	TypeStatus    = "status"
)

// Event is a lifecycle transition of one project.
type Event struct {
	Time      time.Time `json:"time"`
	ProjectID string    `json:"projectId"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	SandboxID string    `json:"sandboxId,omitempty"`
	Message   string    `json:"message,omitempty"`
}

const subscriberBuffer = 32

type subscriber struct {
	ch chan Event
}

// Hub delivers events to subscribers of a project, or of all projects when
// subscribed with an empty ID. Slow subscribers miss events rather than
// blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe returns a channel of events for projectID and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(projectID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[projectID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[projectID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[projectID], s)
			if len(h.subs[projectID]) == 0 {
				delete(h.subs, projectID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers e to the project's subscribers and to global subscribers.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{e.ProjectID, ""} {
		for s := range h.subs[key] {
			select {
			case s.ch <- e:
			default:
				h.logger.Debug("dropping event for slow subscriber", "project_id", e.ProjectID, "type", e.Type, "state", e.State)
			}
		}
		if e.ProjectID == "" {
			break
		}
	}
}

package snapshot

import (
	"strings"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/sbxstore"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 50
)

// ListOptions selects a page of snapshots. Order is "desc" (default) or "asc".
type ListOptions struct {
	Page  int
	Limit int
	Order string
}

// Page is one page of finalized snapshots.
type Page struct {
	Items []*sbxstore.Snapshot `json:"items"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

func (o ListOptions) normalize() (ListOptions, error) {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	o.Order = strings.ToLower(o.Order)
	switch o.Order {
	case "":
		o.Order = "desc"
	case "asc", "desc":
	default:
		return o, apperr.Validation("invalid sort order %q", o.Order)
	}
	return o, nil
}

// List returns a page of a project's finalized snapshots and their total.
func (m *Manager) List(projectID string, opts ListOptions) (*Page, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	items, err := m.store.ListSnapshots(projectID, opts.Limit, (opts.Page-1)*opts.Limit, opts.Order == "asc")
	if err != nil {
		return nil, apperr.Database("failed to list snapshots", err)
	}
	total, err := m.store.CountSnapshots(projectID)
	if err != nil {
		return nil, apperr.Database("failed to count snapshots", err)
	}
	return &Page{Items: items, Total: total, Page: opts.Page, Limit: opts.Limit}, nil
}

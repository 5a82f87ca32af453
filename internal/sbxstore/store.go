package sbxstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/agentserver/projectbox/internal/db"
)

// ErrDuplicateName is returned when a project name is already taken.
var ErrDuplicateName = errors.New("project name already exists")

// Project is a long-lived project record.
type Project struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Model        string     `json:"model"`
	Visibility   string     `json:"visibility"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastOpenedAt *time.Time `json:"lastOpenedAt,omitempty"`
}

// Pointer is the persisted belief about which sandbox is bound to a project.
type Pointer struct {
	ProjectID      string     `json:"projectId"`
	SandboxID      string     `json:"sandboxId,omitempty"`
	EndpointURL    string     `json:"endpointUrl,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastSnapshotID string     `json:"lastSnapshotId,omitempty"`
}

// Bound reports whether the pointer references a sandbox.
func (p *Pointer) Bound() bool {
	return p != nil && p.SandboxID != ""
}

// TimeLeft returns the time until expiry. A pointer without an expiry
// has no time left.
func (p *Pointer) TimeLeft(now time.Time) time.Duration {
	if p == nil || p.ExpiresAt == nil {
		return 0
	}
	return p.ExpiresAt.Sub(now)
}

// Snapshot is an archived working directory. StorageKey is empty while the
// upload is in flight.
type Snapshot struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	StorageKey string    `json:"storageKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Binding describes a freshly bound sandbox.
type Binding struct {
	SandboxID      string
	EndpointURL    string
	StartedAt      time.Time
	ExpiresAt      time.Time
	LastSnapshotID string
}

// Store manages projects, pointers and snapshot rows on top of the database.
type Store struct {
	db *db.DB

	// Now is the clock used for bookkeeping timestamps.
	Now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, Now: time.Now}
}

func (s *Store) nowMs() int64 {
	return db.Millis(s.Now())
}

// CreateProject inserts a project and its empty pointer.
func (s *Store) CreateProject(p *Project) error {
	err := s.db.CreateProject(&db.Project{
		ID:          p.ID,
		Name:        p.Name,
		Model:       p.Model,
		Visibility:  p.Visibility,
		CreatedAtMs: db.Millis(p.CreatedAt),
		UpdatedAtMs: db.Millis(p.UpdatedAt),
	})
	if errors.Is(err, db.ErrDuplicate) {
		return ErrDuplicateName
	}
	return err
}

// GetProject returns nil when the project does not exist.
func (s *Store) GetProject(id string) (*Project, error) {
	dp, err := s.db.GetProject(id)
	if err != nil || dp == nil {
		return nil, err
	}
	return dbProjectToProject(dp), nil
}

func (s *Store) ListProjects(params db.ListProjectsParams) ([]*Project, int, error) {
	rows, total, err := s.db.ListProjects(params)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Project, 0, len(rows))
	for _, dp := range rows {
		out = append(out, dbProjectToProject(dp))
	}
	return out, total, nil
}

// UpdateProject writes the editable fields. It returns false when the
// project does not exist.
func (s *Store) UpdateProject(p *Project) (bool, error) {
	ok, err := s.db.UpdateProject(&db.Project{
		ID:          p.ID,
		Name:        p.Name,
		Model:       p.Model,
		Visibility:  p.Visibility,
		UpdatedAtMs: db.Millis(p.UpdatedAt),
	})
	if errors.Is(err, db.ErrDuplicate) {
		return false, ErrDuplicateName
	}
	return ok, err
}

func (s *Store) DeleteProject(id string) error {
	return s.db.DeleteProject(id)
}

// TouchOpened records that the project was opened now.
func (s *Store) TouchOpened(id string) error {
	return s.db.TouchProjectOpened(id, s.nowMs())
}

// GetPointer returns the project's pointer, or nil when no row exists.
func (s *Store) GetPointer(projectID string) (*Pointer, error) {
	st, err := s.db.GetProjectState(projectID)
	if err != nil || st == nil {
		return nil, err
	}
	return dbStateToPointer(st), nil
}

// Bind overwrites the whole pointer with a new sandbox in one statement.
func (s *Store) Bind(projectID string, b Binding) error {
	return s.db.UpsertProjectState(&db.ProjectState{
		ProjectID:          projectID,
		SandboxID:          sql.NullString{String: b.SandboxID, Valid: b.SandboxID != ""},
		SandboxURL:         sql.NullString{String: b.EndpointURL, Valid: b.EndpointURL != ""},
		SandboxStartedAtMs: sql.NullInt64{Int64: db.Millis(b.StartedAt), Valid: true},
		SandboxExpiresAtMs: sql.NullInt64{Int64: db.Millis(b.ExpiresAt), Valid: true},
		LastSnapshotID:     sql.NullString{String: b.LastSnapshotID, Valid: b.LastSnapshotID != ""},
		UpdatedAtMs:        s.nowMs(),
	})
}

// ClearSandbox nulls the sandbox fields of the pointer.
func (s *Store) ClearSandbox(projectID string) error {
	return s.db.ClearProjectSandbox(projectID, s.nowMs())
}

// ClearSandboxIf clears the pointer only while it still references sandboxID.
func (s *Store) ClearSandboxIf(projectID, sandboxID string) (bool, error) {
	return s.db.ClearProjectSandboxIf(projectID, sandboxID, s.nowMs())
}

func (s *Store) SetLastSnapshot(projectID, snapshotID string) error {
	return s.db.SetLastSnapshot(projectID, snapshotID, s.nowMs())
}

// ExpiringBefore returns bound pointers that expire before t.
func (s *Store) ExpiringBefore(t time.Time) ([]*Pointer, error) {
	states, err := s.db.ListStatesExpiringBefore(db.Millis(t))
	if err != nil {
		return nil, err
	}
	out := make([]*Pointer, 0, len(states))
	for _, st := range states {
		out = append(out, dbStateToPointer(st))
	}
	return out, nil
}

// InsertPlaceholder inserts a snapshot row without a storage key.
func (s *Store) InsertPlaceholder(snap *Snapshot) error {
	return s.db.InsertSnapshot(&db.Snapshot{
		ID:          snap.ID,
		ProjectID:   snap.ProjectID,
		SizeBytes:   snap.SizeBytes,
		SHA256:      snap.SHA256,
		CreatedAtMs: db.Millis(snap.CreatedAt),
	})
}

// FinalizeSnapshot sets the storage key of a placeholder row.
func (s *Store) FinalizeSnapshot(id, key string) error {
	return s.db.SetSnapshotStorageKey(id, key)
}

func (s *Store) DeleteSnapshot(id string) error {
	return s.db.DeleteSnapshot(id)
}

// LatestSnapshot returns the newest finalized snapshot, or nil.
func (s *Store) LatestSnapshot(projectID string) (*Snapshot, error) {
	ds, err := s.db.LatestSnapshot(projectID)
	if err != nil || ds == nil {
		return nil, err
	}
	return dbSnapshotToSnapshot(ds), nil
}

func (s *Store) ListSnapshots(projectID string, limit, offset int, ascending bool) ([]*Snapshot, error) {
	rows, err := s.db.ListSnapshots(projectID, limit, offset, ascending)
	return snapshots(rows), err
}

func (s *Store) CountSnapshots(projectID string) (int, error) {
	return s.db.CountSnapshots(projectID)
}

// SnapshotsBeyond returns finalized snapshots older than the newest keep.
func (s *Store) SnapshotsBeyond(projectID string, keep int) ([]*Snapshot, error) {
	rows, err := s.db.ListSnapshotsBeyond(projectID, keep)
	return snapshots(rows), err
}

// AllSnapshots returns every snapshot row of a project, placeholders included.
func (s *Store) AllSnapshots(projectID string) ([]*Snapshot, error) {
	rows, err := s.db.ListAllSnapshots(projectID)
	return snapshots(rows), err
}

func snapshots(rows []*db.Snapshot) []*Snapshot {
	out := make([]*Snapshot, 0, len(rows))
	for _, ds := range rows {
		out = append(out, dbSnapshotToSnapshot(ds))
	}
	return out
}

func dbProjectToProject(dp *db.Project) *Project {
	return &Project{
		ID:           dp.ID,
		Name:         dp.Name,
		Model:        dp.Model,
		Visibility:   dp.Visibility,
		CreatedAt:    time.UnixMilli(dp.CreatedAtMs).UTC(),
		UpdatedAt:    time.UnixMilli(dp.UpdatedAtMs).UTC(),
		LastOpenedAt: db.FromMillis(dp.LastOpenedAtMs),
	}
}

func dbStateToPointer(st *db.ProjectState) *Pointer {
	p := &Pointer{
		ProjectID: st.ProjectID,
		StartedAt: db.FromMillis(st.SandboxStartedAtMs),
		ExpiresAt: db.FromMillis(st.SandboxExpiresAtMs),
	}
	if st.SandboxID.Valid {
		p.SandboxID = st.SandboxID.String
	}
	if st.SandboxURL.Valid {
		p.EndpointURL = st.SandboxURL.String
	}
	if st.LastSnapshotID.Valid {
		p.LastSnapshotID = st.LastSnapshotID.String
	}
	return p
}

func dbSnapshotToSnapshot(ds *db.Snapshot) *Snapshot {
	return &Snapshot{
		ID:         ds.ID,
		ProjectID:  ds.ProjectID,
		StorageKey: ds.StorageKey,
		SizeBytes:  ds.SizeBytes,
		SHA256:     ds.SHA256,
		CreatedAt:  time.UnixMilli(ds.CreatedAtMs).UTC(),
	}
}

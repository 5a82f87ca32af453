package db

import (
	"database/sql"
	"fmt"
)

// Snapshot is a row of project_snapshots. An empty StorageKey marks a
// placeholder whose upload has not completed.
type Snapshot struct {
	ID          string
	ProjectID   string
	StorageKey  string
	SizeBytes   int64
	SHA256      string
	CreatedAtMs int64
}

const snapshotColumns = `id, project_id, storage_key, size_bytes, sha256, created_at_ms`

func scanSnapshot(s scanner) (*Snapshot, error) {
	sn := &Snapshot{}
	err := s.Scan(&sn.ID, &sn.ProjectID, &sn.StorageKey, &sn.SizeBytes, &sn.SHA256, &sn.CreatedAtMs)
	return sn, err
}

func (db *DB) InsertSnapshot(s *Snapshot) error {
	_, err := db.Exec(
		`INSERT INTO project_snapshots (id, project_id, storage_key, size_bytes, sha256, created_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.ProjectID, s.StorageKey, s.SizeBytes, s.SHA256, s.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SetSnapshotStorageKey finalizes a placeholder row. It only updates rows
// whose storage key is still empty, so a finalized snapshot is never
// repointed.
func (db *DB) SetSnapshotStorageKey(id, key string) error {
	res, err := db.Exec(
		`UPDATE project_snapshots SET storage_key = $1 WHERE id = $2 AND storage_key = ''`,
		key, id,
	)
	if err != nil {
		return fmt.Errorf("set snapshot storage key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set snapshot storage key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set snapshot storage key: no placeholder row %s", id)
	}
	return nil
}

// LatestSnapshot returns the newest finalized snapshot of a project.
func (db *DB) LatestSnapshot(projectID string) (*Snapshot, error) {
	s, err := scanSnapshot(db.QueryRow(
		`SELECT `+snapshotColumns+` FROM project_snapshots
		 WHERE project_id = $1 AND storage_key <> ''
		 ORDER BY created_at_ms DESC, id DESC LIMIT 1`,
		projectID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots returns one page of finalized snapshots.
func (db *DB) ListSnapshots(projectID string, limit, offset int, ascending bool) ([]*Snapshot, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	return db.querySnapshots(
		`SELECT `+snapshotColumns+` FROM project_snapshots
		 WHERE project_id = $1 AND storage_key <> ''
		 ORDER BY created_at_ms `+order+`, id `+order+` LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
}

func (db *DB) CountSnapshots(projectID string) (int, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM project_snapshots WHERE project_id = $1 AND storage_key <> ''`,
		projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// ListSnapshotsBeyond returns finalized snapshots older than the newest keep.
func (db *DB) ListSnapshotsBeyond(projectID string, keep int) ([]*Snapshot, error) {
	return db.querySnapshots(
		`SELECT `+snapshotColumns+` FROM project_snapshots
		 WHERE project_id = $1 AND storage_key <> ''
		 ORDER BY created_at_ms DESC, id DESC LIMIT 1000 OFFSET $2`,
		projectID, keep,
	)
}

// ListAllSnapshots returns every row of a project, placeholders included.
func (db *DB) ListAllSnapshots(projectID string) ([]*Snapshot, error) {
	return db.querySnapshots(
		`SELECT `+snapshotColumns+` FROM project_snapshots WHERE project_id = $1 ORDER BY created_at_ms DESC`,
		projectID,
	)
}

func (db *DB) DeleteSnapshot(id string) error {
	_, err := db.Exec("DELETE FROM project_snapshots WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (db *DB) querySnapshots(query string, args ...any) ([]*Snapshot, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

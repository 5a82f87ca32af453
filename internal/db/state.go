package db

import (
	"database/sql"
	"fmt"
)

// ProjectState is the persisted sandbox pointer of a project.
type ProjectState struct {
	ProjectID          string
	SandboxID          sql.NullString
	SandboxURL         sql.NullString
	SandboxStartedAtMs sql.NullInt64
	SandboxExpiresAtMs sql.NullInt64
	LastSnapshotID     sql.NullString
	UpdatedAtMs        int64
}

const stateColumns = `project_id, sandbox_id, sandbox_url, sandbox_started_at_ms, sandbox_expires_at_ms, last_snapshot_id, updated_at_ms`

func scanState(s scanner) (*ProjectState, error) {
	st := &ProjectState{}
	err := s.Scan(&st.ProjectID, &st.SandboxID, &st.SandboxURL, &st.SandboxStartedAtMs, &st.SandboxExpiresAtMs, &st.LastSnapshotID, &st.UpdatedAtMs)
	return st, err
}

func (db *DB) GetProjectState(projectID string) (*ProjectState, error) {
	st, err := scanState(db.QueryRow(`SELECT `+stateColumns+` FROM project_state WHERE project_id = $1`, projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project state: %w", err)
	}
	return st, nil
}

// UpsertProjectState overwrites every pointer field in one statement.
func (db *DB) UpsertProjectState(st *ProjectState) error {
	_, err := db.Exec(
		`INSERT INTO project_state (project_id, sandbox_id, sandbox_url, sandbox_started_at_ms, sandbox_expires_at_ms, last_snapshot_id, updated_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (project_id) DO UPDATE SET
		   sandbox_id = excluded.sandbox_id,
		   sandbox_url = excluded.sandbox_url,
		   sandbox_started_at_ms = excluded.sandbox_started_at_ms,
		   sandbox_expires_at_ms = excluded.sandbox_expires_at_ms,
		   last_snapshot_id = excluded.last_snapshot_id,
		   updated_at_ms = excluded.updated_at_ms`,
		st.ProjectID, st.SandboxID, st.SandboxURL, st.SandboxStartedAtMs, st.SandboxExpiresAtMs, st.LastSnapshotID, st.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert project state: %w", err)
	}
	return nil
}

// ClearProjectSandbox nulls the sandbox fields and keeps last_snapshot_id.
func (db *DB) ClearProjectSandbox(projectID string, atMs int64) error {
	_, err := db.Exec(
		`UPDATE project_state SET sandbox_id = NULL, sandbox_url = NULL, sandbox_started_at_ms = NULL,
		   sandbox_expires_at_ms = NULL, updated_at_ms = $1
		 WHERE project_id = $2`,
		atMs, projectID,
	)
	if err != nil {
		return fmt.Errorf("clear project sandbox: %w", err)
	}
	return nil
}

// ClearProjectSandboxIf clears the sandbox fields only while the pointer
// still references sandboxID. It reports whether a row was cleared.
func (db *DB) ClearProjectSandboxIf(projectID, sandboxID string, atMs int64) (bool, error) {
	res, err := db.Exec(
		`UPDATE project_state SET sandbox_id = NULL, sandbox_url = NULL, sandbox_started_at_ms = NULL,
		   sandbox_expires_at_ms = NULL, updated_at_ms = $1
		 WHERE project_id = $2 AND sandbox_id = $3`,
		atMs, projectID, sandboxID,
	)
	if err != nil {
		return false, fmt.Errorf("clear project sandbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear project sandbox: %w", err)
	}
	return n > 0, nil
}

func (db *DB) SetLastSnapshot(projectID, snapshotID string, atMs int64) error {
	_, err := db.Exec(
		`UPDATE project_state SET last_snapshot_id = $1, updated_at_ms = $2 WHERE project_id = $3`,
		snapshotID, atMs, projectID,
	)
	if err != nil {
		return fmt.Errorf("set last snapshot: %w", err)
	}
	return nil
}

// ListStatesExpiringBefore returns bound pointers whose sandbox expires
// before the given time.
func (db *DB) ListStatesExpiringBefore(atMs int64) ([]*ProjectState, error) {
	rows, err := db.Query(
		`SELECT `+stateColumns+` FROM project_state
		 WHERE sandbox_id IS NOT NULL AND sandbox_expires_at_ms IS NOT NULL AND sandbox_expires_at_ms < $1
		 ORDER BY sandbox_expires_at_ms ASC`,
		atMs,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring states: %w", err)
	}
	defer rows.Close()

	var states []*ProjectState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

package db

import (
	"database/sql"
	"fmt"
	"strings"
)

type Project struct {
	ID             string
	Name           string
	Model          string
	Visibility     string
	CreatedAtMs    int64
	UpdatedAtMs    int64
	LastOpenedAtMs sql.NullInt64
}

const projectColumns = `id, name, model, visibility, created_at_ms, updated_at_ms, last_opened_at_ms`

func scanProject(s scanner) (*Project, error) {
	p := &Project{}
	err := s.Scan(&p.ID, &p.Name, &p.Model, &p.Visibility, &p.CreatedAtMs, &p.UpdatedAtMs, &p.LastOpenedAtMs)
	return p, err
}

// CreateProject inserts a project together with its empty state row.
// A name collision returns ErrDuplicate.
func (db *DB) CreateProject(p *Project) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO projects (id, name, model, visibility, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Model, p.Visibility, p.CreatedAtMs, p.UpdatedAtMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create project: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO project_state (project_id, updated_at_ms) VALUES ($1, $2)`,
		p.ID, p.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("create project state: %w", err)
	}
	return tx.Commit()
}

func (db *DB) GetProject(id string) (*Project, error) {
	p, err := scanProject(db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjectsParams filters and orders ListProjects. Empty fields mean no
// filter; SortBy must be one of the sortable columns.
type ListProjectsParams struct {
	Visibility string
	Search     string
	SortBy     string
	Desc       bool
	Limit      int
	Offset     int
}

var projectSortColumns = map[string]string{
	"created_at":     "created_at_ms",
	"updated_at":     "updated_at_ms",
	"last_opened_at": "last_opened_at_ms",
	"name":           "name",
}

// ListProjects returns one page of projects and the total number matching
// the filter.
func (db *DB) ListProjects(params ListProjectsParams) ([]*Project, int, error) {
	var (
		where []string
		args  []any
	)
	if params.Visibility != "" {
		args = append(args, params.Visibility)
		where = append(where, fmt.Sprintf("visibility = $%d", len(args)))
	}
	if params.Search != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(params.Search))+"%")
		where = append(where, fmt.Sprintf(`LOWER(name) LIKE $%d ESCAPE '\'`, len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM projects`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	col, ok := projectSortColumns[params.SortBy]
	if !ok {
		col = "created_at_ms"
	}
	dir := "ASC"
	if params.Desc {
		dir = "DESC"
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, params.Offset)
	query := fmt.Sprintf(`SELECT %s FROM projects%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		projectColumns, clause, col, dir, len(args)-1, len(args))

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// UpdateProject writes name, model and visibility. It returns false when no
// project has the given id.
func (db *DB) UpdateProject(p *Project) (bool, error) {
	res, err := db.Exec(
		`UPDATE projects SET name = $1, model = $2, visibility = $3, updated_at_ms = $4 WHERE id = $5`,
		p.Name, p.Model, p.Visibility, p.UpdatedAtMs, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("update project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update project: %w", err)
	}
	return n > 0, nil
}

// DeleteProject removes a project. State and snapshot rows cascade.
func (db *DB) DeleteProject(id string) error {
	_, err := db.Exec("DELETE FROM projects WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (db *DB) TouchProjectOpened(id string, atMs int64) error {
	_, err := db.Exec("UPDATE projects SET last_opened_at_ms = $1 WHERE id = $2", atMs, id)
	if err != nil {
		return fmt.Errorf("touch project opened: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

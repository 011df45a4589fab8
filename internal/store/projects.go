package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/frankbria/codeframe/internal/core"
)

// CreateProject inserts a new project in Created/Discovery.
func (s *Store) CreateProject(ctx context.Context, id, name, userID string) (*Project, error) {
	now := nowUTC()
	p := &Project{
		ID:        id,
		Name:      name,
		Status:    ProjectCreated,
		Phase:     PhaseDiscovery,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, phase, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Status, p.Phase, p.UserID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, core.Storage("create_project", err)
	}
	return p, nil
}

func scanProject(row interface {
	Scan(dest ...any) error
}) (*Project, error) {
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Phase, &p.UserID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

const selectProjectCols = `id, name, status, phase, user_id, created_at, updated_at`

// GetProject returns a single project or a NotFound error.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectProjectCols+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_project", "project", id)
	}
	if err != nil {
		return nil, core.Storage("get_project", err)
	}
	return p, nil
}

// ListProjects returns every project, optionally filtered by user.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	q := `SELECT ` + selectProjectCols + ` FROM projects`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.Storage("list_projects", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, core.Storage("list_projects", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListProjectsByStatus returns every project in a given status, ordered by
// id for deterministic dispatch-tick iteration, round-robin across
// projects within a tick.
func (s *Store) ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectProjectCols+` FROM projects WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, core.Storage("list_projects_by_status", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, core.Storage("list_projects_by_status", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectStatus sets Status, which may oscillate Running<->Paused.
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, status ProjectStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowUTC(), id)
	if err != nil {
		return core.Storage("update_project_status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound("update_project_status", "project", id)
	}
	return nil
}

// UpdateProjectPhase advances the project's phase. Phases move monotonically;
// callers are responsible for only issuing forward transitions.
func (s *Store) UpdateProjectPhase(ctx context.Context, id string, phase ProjectPhase) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET phase = ?, updated_at = ? WHERE id = ?`,
		phase, nowUTC(), id)
	if err != nil {
		return core.Storage("update_project_phase", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound("update_project_phase", "project", id)
	}
	return nil
}

// DeleteProject cascades to every dependent row (assignments, tasks,
// blockers, memory, checkpoints, reviews) via ON DELETE CASCADE.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return core.Storage("delete_project", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound("delete_project", "project", id)
	}
	return nil
}

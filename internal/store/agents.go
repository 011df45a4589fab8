package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/frankbria/codeframe/internal/core"
)

const selectAgentCols = `id, type, provider, maturity, status, context_tokens, created_at, updated_at`

func scanAgent(row interface{ Scan(dest ...any) error }) (*Agent, error) {
	a := &Agent{}
	if err := row.Scan(&a.ID, &a.Type, &a.Provider, &a.Maturity, &a.Status, &a.ContextTokens, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAgent inserts a new reusable agent resource, not owned by any project.
func (s *Store) CreateAgent(ctx context.Context, id string, typ AgentType, provider string, maturity Maturity) (*Agent, error) {
	now := nowUTC()
	a := &Agent{ID: id, Type: typ, Provider: provider, Maturity: maturity, Status: AgentIdle, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, provider, maturity, status, context_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		a.ID, a.Type, a.Provider, a.Maturity, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, core.Storage("create_agent", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectAgentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_agent", "agent", id)
	}
	if err != nil {
		return nil, core.Storage("get_agent", err)
	}
	return a, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, status, nowUTC(), id)
	if err != nil {
		return core.Storage("update_agent_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("update_agent_status", "agent", id)
	}
	return nil
}

// AssignAgent links an agent to a project with a role. Enforces a
// unique-across-(project_id, agent_id, is_active=true) invariant via the
// partial unique index; a duplicate active assignment surfaces as a
// ConcurrencyConflict rather than a silent no-op.
func (s *Store) AssignAgent(ctx context.Context, projectID, agentID, role string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return notFound("assign_agent", "project", projectID)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, agentID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return notFound("assign_agent", "agent", agentID)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_agents (project_id, agent_id, role, is_active, assigned_at)
			VALUES (?, ?, ?, 1, ?)`,
			projectID, agentID, role, nowUTC())
		if err != nil {
			if isUniqueConstraintErr(err) {
				return core.Concurrency("assign_agent", "agent already actively assigned to project")
			}
			return err
		}
		return nil
	})
}

// UnassignAgent deactivates the assignment (soft delete); the agent survives.
func (s *Store) UnassignAgent(ctx context.Context, projectID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_agents SET is_active = 0
		WHERE project_id = ? AND agent_id = ? AND is_active = 1`,
		projectID, agentID)
	if err != nil {
		return core.Storage("unassign_agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("unassign_agent", "active assignment", projectID+"/"+agentID)
	}
	return nil
}

// UpdateRole changes the role on an active assignment.
func (s *Store) UpdateRole(ctx context.Context, projectID, agentID, role string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_agents SET role = ?
		WHERE project_id = ? AND agent_id = ? AND is_active = 1`,
		role, projectID, agentID)
	if err != nil {
		return core.Storage("update_role", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("update_role", "active assignment", projectID+"/"+agentID)
	}
	return nil
}

// AssignmentView pairs an Agent with its role on a particular project.
type AssignmentView struct {
	Agent
	Role       string
	AssignedAt string
}

// GetAgentsForProject lists agents with an active assignment on project_id
// (activeOnly=false also includes deactivated history).
func (s *Store) GetAgentsForProject(ctx context.Context, projectID string, activeOnly bool) ([]AssignmentView, error) {
	q := `
		SELECT a.` + selectAgentColsNoPrefix() + `, pa.role, pa.assigned_at
		FROM project_agents pa JOIN agents a ON a.id = pa.agent_id
		WHERE pa.project_id = ?`
	if activeOnly {
		q += ` AND pa.is_active = 1`
	}
	q += ` ORDER BY a.id ASC`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, core.Storage("get_agents_for_project", err)
	}
	defer rows.Close()

	var out []AssignmentView
	for rows.Next() {
		var v AssignmentView
		if err := rows.Scan(&v.ID, &v.Type, &v.Provider, &v.Maturity, &v.Status, &v.ContextTokens, &v.CreatedAt, &v.UpdatedAt, &v.Role, &v.AssignedAt); err != nil {
			return nil, core.Storage("get_agents_for_project", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetProjectsForAgent lists the projects an agent currently has an active
// assignment on.
func (s *Store) GetProjectsForAgent(ctx context.Context, agentID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.`+selectProjectCols+`
		FROM project_agents pa JOIN projects p ON p.id = pa.project_id
		WHERE pa.agent_id = ? AND pa.is_active = 1
		ORDER BY p.created_at ASC`, agentID)
	if err != nil {
		return nil, core.Storage("get_projects_for_agent", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, core.Storage("get_projects_for_agent", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasActiveAssignment reports whether agentID has an active assignment on
// projectID — the gate behind "cross-project assignment is forbidden".
func (s *Store) HasActiveAssignment(ctx context.Context, projectID, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM project_agents
		WHERE project_id = ? AND agent_id = ? AND is_active = 1`,
		projectID, agentID).Scan(&n)
	if err != nil {
		return false, core.Storage("has_active_assignment", err)
	}
	return n > 0, nil
}

func selectAgentColsNoPrefix() string {
	return "id, type, provider, maturity, status, context_tokens, created_at, updated_at"
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/frankbria/codeframe/internal/core"
)

// ProjectSnapshot is the serialized content of a Checkpoint's
// state_snapshot_blob: every row CheckpointEngine.create must capture
// atomically.
type ProjectSnapshot struct {
	Project     *Project
	Tasks       []*Task
	Assignments []*Assignment
	Blockers    []*Blocker
	Memory      []*MemoryItem
}

func (s *Store) snapshotProjectTx(ctx context.Context, tx *sql.Tx, projectID string) (*ProjectSnapshot, error) {
	snap := &ProjectSnapshot{}

	row := tx.QueryRowContext(ctx, `SELECT `+selectProjectCols+` FROM projects WHERE id = ?`, projectID)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	snap.Project = p

	taskRows, err := tx.QueryContext(ctx, `SELECT `+selectTaskCols+` FROM tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		t, err := s.scanTask(ctx, taskRows)
		if err != nil {
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	assignRows, err := tx.QueryContext(ctx, `
		SELECT project_id, agent_id, role, assigned_at, is_active
		FROM project_agents WHERE project_id = ? AND is_active = 1`, projectID)
	if err != nil {
		return nil, err
	}
	defer assignRows.Close()
	for assignRows.Next() {
		a := &Assignment{}
		if err := assignRows.Scan(&a.ProjectID, &a.AgentID, &a.Role, &a.AssignedAt, &a.IsActive); err != nil {
			return nil, err
		}
		snap.Assignments = append(snap.Assignments, a)
	}
	if err := assignRows.Err(); err != nil {
		return nil, err
	}

	blockerRows, err := tx.QueryContext(ctx, `
		SELECT b.`+selectBlockerCols+`
		FROM blockers b JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ? AND b.resolved_at IS NULL`, projectID)
	if err != nil {
		return nil, err
	}
	defer blockerRows.Close()
	for blockerRows.Next() {
		b, err := scanBlocker(blockerRows)
		if err != nil {
			return nil, err
		}
		snap.Blockers = append(snap.Blockers, b)
	}
	if err := blockerRows.Err(); err != nil {
		return nil, err
	}

	memRows, err := tx.QueryContext(ctx, `SELECT `+selectMemoryCols+` FROM memory_items WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer memRows.Close()
	for memRows.Next() {
		m, err := scanMemoryItem(memRows)
		if err != nil {
			return nil, err
		}
		snap.Memory = append(snap.Memory, m)
	}
	return snap, memRows.Err()
}

// CreateCheckpoint captures the project's current snapshot under an
// exclusive lock and persists it as an opaque JSON blob.
func (s *Store) CreateCheckpoint(ctx context.Context, id, projectID, name, description, gitRef string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		snap, err := s.snapshotProjectTx(ctx, tx, projectID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("create_checkpoint", "project", projectID)
			}
			return err
		}
		blob, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		cp = &Checkpoint{
			ID: id, ProjectID: projectID, Name: name, Description: description,
			GitRef: gitRef, StateSnapshotBlob: blob, CreatedAt: nowUTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, project_id, name, description, git_ref, state_snapshot_blob, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.ProjectID, cp.Name, cp.Description, cp.GitRef, cp.StateSnapshotBlob, cp.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, git_ref, state_snapshot_blob, created_at
		FROM checkpoints WHERE id = ?`, id).
		Scan(&cp.ID, &cp.ProjectID, &cp.Name, &cp.Description, &cp.GitRef, &cp.StateSnapshotBlob, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_checkpoint", "checkpoint", id)
	}
	if err != nil {
		return nil, core.Storage("get_checkpoint", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, projectID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, git_ref, created_at
		FROM checkpoints WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, core.Storage("list_checkpoints", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.ProjectID, &cp.Name, &cp.Description, &cp.GitRef, &cp.CreatedAt); err != nil {
			return nil, core.Storage("list_checkpoints", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return core.Storage("delete_checkpoint", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delete_checkpoint", "checkpoint", id)
	}
	return nil
}

// RestoreSnapshot unmarshals a checkpoint blob back into a ProjectSnapshot.
func RestoreSnapshot(blob []byte) (*ProjectSnapshot, error) {
	var snap ProjectSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, core.Storage("restore_snapshot", err)
	}
	return &snap, nil
}

// ApplyRestoreTx rewrites project/task/assignment/blocker/memory rows to
// match snap, inside the exclusive-lock transaction CheckpointEngine holds.
// Any agent whose task was in_progress at restore time is reset to assigned,
// a post-restore invariant handled by the caller before invoking this.
func (s *Store) ApplyRestoreTx(ctx context.Context, tx *sql.Tx, snap *ProjectSnapshot) error {
	pid := snap.Project.ID

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET name=?, status=?, phase=?, user_id=?, updated_at=? WHERE id=?`,
		snap.Project.Name, snap.Project.Status, snap.Project.Phase, snap.Project.UserID, nowUTC(), pid); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id IN (SELECT id FROM tasks WHERE project_id=?)`, pid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, pid); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, status, assigned_to, priority, attempt_count,
				quality_gate_status, quality_gate_failures, lease_owner, lease_expires_at, payload, result, error, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.ProjectID, t.Title, t.Status, nullIfEmpty(t.AssignedTo), t.Priority, t.AttemptCount,
			t.QualityGateStatus, t.QualityGateFailures, nullIfEmpty(t.LeaseOwner), asNullTime(t.LeaseExpiresAt),
			t.Payload, nullIfEmpty(t.Result), nullIfEmpty(t.Error), t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`, t.ID, dep); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE project_agents SET is_active = 0 WHERE project_id = ?`, pid); err != nil {
		return err
	}
	for _, a := range snap.Assignments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_agents (project_id, agent_id, role, is_active, assigned_at) VALUES (?,?,?,1,?)`,
			a.ProjectID, a.AgentID, a.Role, a.AssignedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM blockers WHERE task_id IN (SELECT id FROM tasks WHERE project_id=?) AND resolved_at IS NULL`, pid); err != nil {
		return err
	}
	for _, b := range snap.Blockers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blockers (id, task_id, agent_id, kind, severity, prompt, deadline_at, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			b.ID, b.TaskID, b.AgentID, b.Kind, b.Severity, b.Prompt, asNullTime(b.DeadlineAt), b.CreatedAt); err != nil {
			return err
		}
	}

	return s.ReplaceAgentMemorySnapshot(ctx, tx, pid, snap.Memory)
}

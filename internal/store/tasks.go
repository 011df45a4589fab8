package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frankbria/codeframe/internal/core"
)

// CreateTask inserts a task and its dependency edges inside one transaction,
// rejecting any dependency set that would introduce a cycle within the
// project: depends_on forms a DAG.
func (s *Store) CreateTask(ctx context.Context, id, projectID, title string, priority int, dependsOn []string, payload string) (*Task, error) {
	t := &Task{
		ID: id, ProjectID: projectID, Title: title, Status: TaskPending,
		Priority: priority, DependsOn: dependsOn, Payload: payload,
		CreatedAt: nowUTC(), UpdatedAt: nowUTC(),
	}

	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, status, priority, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.Title, t.Status, t.Priority, t.Payload, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}

		for _, dep := range dependsOn {
			var depProject string
			if err := tx.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?`, dep).Scan(&depProject); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return core.Validation("create_task", fmt.Sprintf("depends_on task %q does not exist", dep))
				}
				return err
			}
			if depProject != projectID {
				return core.Validation("create_task", "depends_on may not cross projects")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`, t.ID, dep); err != nil {
				return err
			}
		}

		return wouldCycleTx(ctx, tx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// wouldCycleTx walks the project's dependency graph and fails if any cycle
// exists. Run inside the same transaction as the edge insert so a cyclic
// CreateTask never commits.
func wouldCycleTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT td.task_id, td.depends_on_task_id
		FROM task_dependencies td JOIN tasks t ON t.id = td.task_id
		WHERE t.project_id = ?`, projectID)
	if err != nil {
		return err
	}
	defer rows.Close()

	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return err
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		for _, next := range edges[n] {
			switch color[next] {
			case gray:
				return core.Validation("create_task", "depends_on introduces a cycle")
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}
	for n := range edges {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

const selectTaskCols = `id, project_id, title, status, assigned_to, priority, attempt_count,
	quality_gate_status, quality_gate_failures, lease_owner, lease_expires_at, payload, result, error, created_at, updated_at`

func (s *Store) scanTask(ctx context.Context, row interface{ Scan(dest ...any) error }) (*Task, error) {
	t := &Task{}
	var assignedTo, leaseOwner, result, errStr sql.NullString
	var leaseExpires sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &assignedTo, &t.Priority, &t.AttemptCount,
		&t.QualityGateStatus, &t.QualityGateFailures, &leaseOwner, &leaseExpires, &t.Payload, &result, &errStr,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AssignedTo = assignedTo.String
	t.LeaseOwner = leaseOwner.String
	t.LeaseExpiresAt = scanNullTime(leaseExpires)
	t.Result = result.String
	t.Error = errStr.String

	deps, err := s.listDependencies(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

func (s *Store) listDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectTaskCols+` FROM tasks WHERE id = ?`, id)
	t, err := s.scanTask(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_task", "task", id)
	}
	if err != nil {
		return nil, core.Storage("get_task", err)
	}
	return t, nil
}

// ListTasks lists tasks for a project, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, projectID string, status *TaskStatus) ([]*Task, error) {
	q := `SELECT ` + selectTaskCols + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if status != nil {
		q += ` AND status = ?`
		args = append(args, *status)
	}
	q += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.Storage("list_tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(ctx, rows)
		if err != nil {
			return nil, core.Storage("list_tasks", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetNextReadyTask returns the highest-priority, oldest pending task in a
// Running project whose dependencies are all completed, restricted to the
// given agent type's natural task prefix (role fitness is enforced by the
// Scheduler; the Store only guarantees the ordering contract).
// Tie-break: (priority DESC, created_at ASC, id ASC) — id ASC resolves the
// otherwise-unspecified final key for full determinism.
func (s *Store) GetNextReadyTask(ctx context.Context, projectID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectTaskCols+` FROM tasks t
		WHERE t.project_id = ?
		  AND t.status = 'pending'
		  AND (SELECT COUNT(*) FROM task_dependencies td
		       JOIN tasks dep ON dep.id = td.depends_on_task_id
		       WHERE td.task_id = t.id AND dep.status != 'completed') = 0
		  AND EXISTS (SELECT 1 FROM projects p WHERE p.id = t.project_id AND p.status = 'Running')
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT 1`, projectID)

	t, err := s.scanTask(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Storage("get_next_ready_task", err)
	}
	return t, nil
}

// RenewTaskLease refreshes an in-progress task's lease without touching
// status, guarding the write on the lease still being owned by agentID so a
// lease the maintenance sweep already reclaimed can't be renewed late by a
// worker that hasn't noticed yet.
func (s *Store) RenewTaskLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (lease_owner = ? OR lease_owner IS NULL OR lease_owner = '')`,
		agentID, expiresAt, nowUTC(), taskID, agentID)
	if err != nil {
		return core.Storage("renew_task_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage("renew_task_lease", err)
	}
	if n != 1 {
		return core.Concurrency("renew_task_lease", fmt.Sprintf("task %s lease no longer owned by %s", taskID, agentID))
	}
	return nil
}

// ListExpiredLeases returns in_progress tasks whose lease_expires_at has
// passed cutoff — candidates for the maintenance sweep to requeue as
// assigned, since a crashed AgentRuntime's lease eventually expires.
func (s *Store) ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectTaskCols+` FROM tasks
		WHERE status = 'in_progress' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, core.Storage("list_expired_leases", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(ctx, rows)
		if err != nil {
			return nil, core.Storage("list_expired_leases", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequeueExpiredLease resets a lease-expired task back to assigned and
// clears its lease, mirroring the checkpoint-restore post-restore invariant
// for the process-restart/crash case rather than only the explicit
// checkpoint path.
func (s *Store) RequeueExpiredLease(ctx context.Context, taskID string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.TransitionTask(ctx, tx, taskID, TaskInProgress, TaskAssigned, WithClearedLease())
	})
}

// TransitionTask performs an optimistic-concurrency state transition: the
// UPDATE only succeeds if the row is still in fromStatus, guarding against
// the task being assigned to two agents in a race.
func (s *Store) TransitionTask(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, opts ...TaskUpdateOption) error {
	if !CanTransition(from, to) {
		return core.Validation("transition_task", fmt.Sprintf("illegal task transition %s -> %s", from, to))
	}

	u := &taskUpdate{}
	u.apply(opts)

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_to = COALESCE(?, assigned_to),
			attempt_count = attempt_count + ?, lease_owner = ?, lease_expires_at = ?,
			result = COALESCE(?, result), error = COALESCE(?, error),
			quality_gate_status = COALESCE(NULLIF(?, ''), quality_gate_status),
			quality_gate_failures = quality_gate_failures + ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		to, nullIfEmpty(u.assignedTo), u.attemptDelta, nullIfEmpty(u.leaseOwner), asNullTime(u.leaseExpiresAt),
		nullIfEmpty(u.result), nullIfEmpty(u.errMsg), u.qualityGateStatus, u.qualityGateFailuresDelta,
		nowUTC(), taskID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return core.Concurrency("transition_task", fmt.Sprintf("task %s not in expected status %s", taskID, from))
	}
	return nil
}

type taskUpdate struct {
	assignedTo               string
	attemptDelta              int
	leaseOwner               string
	leaseExpiresAt           *time.Time
	result                   string
	errMsg                   string
	qualityGateStatus        string
	qualityGateFailuresDelta int
}

// TaskUpdateOption mutates a pending task transition's side-effect fields.
type TaskUpdateOption func(*taskUpdate)

func WithAssignedTo(agentID string) TaskUpdateOption {
	return func(u *taskUpdate) { u.assignedTo = agentID }
}

func WithAttemptIncrement() TaskUpdateOption {
	return func(u *taskUpdate) { u.attemptDelta = 1 }
}

func WithLease(owner string, expiresAt time.Time) TaskUpdateOption {
	return func(u *taskUpdate) { u.leaseOwner = owner; u.leaseExpiresAt = &expiresAt }
}

func WithClearedLease() TaskUpdateOption {
	return func(u *taskUpdate) { u.leaseOwner = ""; u.leaseExpiresAt = nil }
}

func WithResult(result string) TaskUpdateOption {
	return func(u *taskUpdate) { u.result = result }
}

func WithError(msg string) TaskUpdateOption {
	return func(u *taskUpdate) { u.errMsg = msg }
}

func WithQualityGate(status string, failuresDelta int) TaskUpdateOption {
	return func(u *taskUpdate) { u.qualityGateStatus = status; u.qualityGateFailuresDelta = failuresDelta }
}

// apply lets TransitionTask accept the same option style used by callers.
func (u *taskUpdate) apply(opts []TaskUpdateOption) {
	for _, o := range opts {
		o(u)
	}
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

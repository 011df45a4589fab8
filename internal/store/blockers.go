package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/frankbria/codeframe/internal/core"
)

const selectBlockerCols = `id, task_id, agent_id, kind, severity, prompt, answer, deadline_at, created_at, resolved_at`

func scanBlocker(row interface{ Scan(dest ...any) error }) (*Blocker, error) {
	b := &Blocker{}
	var answer sql.NullString
	var deadline, resolved sql.NullTime
	if err := row.Scan(&b.ID, &b.TaskID, &b.AgentID, &b.Kind, &b.Severity, &b.Prompt, &answer, &deadline, &b.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	b.Answer = answer.String
	b.DeadlineAt = scanNullTime(deadline)
	b.ResolvedAt = scanNullTime(resolved)
	return b, nil
}

// CreateBlocker raises a new blocker. Callers (BlockerQueue) are responsible
// for also transitioning the owning task to blocked when kind == SYNC,
// inside the same transaction.
func (s *Store) CreateBlocker(ctx context.Context, tx *sql.Tx, id, taskID, agentID string, kind BlockerKind, severity BlockerSeverity, prompt string, deadline *time.Time) (*Blocker, error) {
	b := &Blocker{
		ID: id, TaskID: taskID, AgentID: agentID, Kind: kind, Severity: severity,
		Prompt: prompt, DeadlineAt: deadline, CreatedAt: nowUTC(),
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blockers (id, task_id, agent_id, kind, severity, prompt, deadline_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TaskID, b.AgentID, b.Kind, b.Severity, b.Prompt, asNullTime(b.DeadlineAt), b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) GetBlocker(ctx context.Context, id string) (*Blocker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectBlockerCols+` FROM blockers WHERE id = ?`, id)
	b, err := scanBlocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_blocker", "blocker", id)
	}
	if err != nil {
		return nil, core.Storage("get_blocker", err)
	}
	return b, nil
}

// ResolveBlocker records the answer and resolved_at. Returns the blocker's
// kind and task_id so the caller (BlockerQueue) can decide whether to wake a
// waiter and transition the task.
func (s *Store) ResolveBlocker(ctx context.Context, tx *sql.Tx, id, answer string) (*Blocker, error) {
	now := nowUTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE blockers SET answer = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`, answer, now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.Validation("resolve_blocker", "blocker already resolved or does not exist")
	}
	row := tx.QueryRowContext(ctx, `SELECT `+selectBlockerCols+` FROM blockers WHERE id = ?`, id)
	return scanBlocker(row)
}

// ListBlockers lists blockers for a project (joined through tasks), optionally open-only.
func (s *Store) ListBlockers(ctx context.Context, projectID string, openOnly bool) ([]*Blocker, error) {
	q := `
		SELECT b.` + selectBlockerCols + `
		FROM blockers b JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ?`
	if openOnly {
		q += ` AND b.resolved_at IS NULL`
	}
	q += ` ORDER BY b.created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, core.Storage("list_blockers", err)
	}
	defer rows.Close()

	var out []*Blocker
	for rows.Next() {
		b, err := scanBlocker(rows)
		if err != nil {
			return nil, core.Storage("list_blockers", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListOpenBlockersForTask returns a task's unresolved blockers, used by
// BlockerQueue to know which waiters to wake before abandoning them.
func (s *Store) ListOpenBlockersForTask(ctx context.Context, taskID string) ([]*Blocker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectBlockerCols+` FROM blockers WHERE task_id = ? AND resolved_at IS NULL`, taskID)
	if err != nil {
		return nil, core.Storage("list_open_blockers_for_task", err)
	}
	defer rows.Close()

	var out []*Blocker
	for rows.Next() {
		b, err := scanBlocker(rows)
		if err != nil {
			return nil, core.Storage("list_open_blockers_for_task", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AbandonBlockersForTask auto-resolves every open blocker on a task with the
// sentinel answer, used when a task fails or is deleted.
func (s *Store) AbandonBlockersForTask(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE blockers SET answer = ?, resolved_at = ?
		WHERE task_id = ? AND resolved_at IS NULL`,
		SentinelAbandonedAnswer, nowUTC(), taskID)
	return err
}

// ListExpiredBlockerDeadlines returns open blockers whose operator-attached
// deadline has passed: operators may attach a deadline that on expiry
// auto-resolves with a sentinel and fails the task. The maintenance sweep
// resolves each and fails its owning task.
func (s *Store) ListExpiredBlockerDeadlines(ctx context.Context, cutoff time.Time) ([]*Blocker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectBlockerCols+` FROM blockers
		WHERE resolved_at IS NULL AND deadline_at IS NOT NULL AND deadline_at < ?
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, core.Storage("list_expired_blocker_deadlines", err)
	}
	defer rows.Close()

	var out []*Blocker
	for rows.Next() {
		b, err := scanBlocker(rows)
		if err != nil {
			return nil, core.Storage("list_expired_blocker_deadlines", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeResolvedBlockersOlderThan deletes resolved blockers past a retention
// cutoff.
func (s *Store) PurgeResolvedBlockersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blockers WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, core.Storage("purge_resolved_blockers", err)
	}
	return res.RowsAffected()
}

// BlockerMetrics reports counts by kind and the average resolution time in
// seconds for resolved blockers on a project.
type BlockerMetrics struct {
	CountByKind       map[BlockerKind]int
	AvgTimeToResolveS float64
}

func (s *Store) Metrics(ctx context.Context, projectID string) (*BlockerMetrics, error) {
	m := &BlockerMetrics{CountByKind: map[BlockerKind]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.kind, COUNT(*)
		FROM blockers b JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ?
		GROUP BY b.kind`, projectID)
	if err != nil {
		return nil, core.Storage("blocker_metrics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind BlockerKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, core.Storage("blocker_metrics", err)
		}
		m.CountByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, core.Storage("blocker_metrics", err)
	}

	var avgSeconds sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(b.resolved_at) - julianday(b.created_at)) * 86400.0)
		FROM blockers b JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ? AND b.resolved_at IS NOT NULL`, projectID).Scan(&avgSeconds)
	if err != nil {
		return nil, core.Storage("blocker_metrics", err)
	}
	m.AvgTimeToResolveS = avgSeconds.Float64
	return m, nil
}

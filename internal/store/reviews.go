package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/frankbria/codeframe/internal/core"
)

// GetReviewReport looks up a persisted review keyed by (task_id, fingerprint).
func (s *Store) GetReviewReport(ctx context.Context, taskID, fingerprint string) (*ReviewReport, error) {
	r := &ReviewReport{}
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, fingerprint, issues, severity_counts, created_at
		FROM review_reports WHERE task_id = ? AND fingerprint = ?`, taskID, fingerprint).
		Scan(&r.TaskID, &r.Fingerprint, &r.Issues, &r.SeverityCounts, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Storage("get_review_report", err)
	}
	return r, nil
}

// PutReviewReport persists a completed review, replacing any prior entry for
// the same (task_id, fingerprint) key — used when a file change invalidates
// an earlier cached report and the review is recomputed.
func (s *Store) PutReviewReport(ctx context.Context, r *ReviewReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_reports (task_id, fingerprint, issues, severity_counts, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, fingerprint) DO UPDATE SET
			issues = excluded.issues, severity_counts = excluded.severity_counts, created_at = excluded.created_at`,
		r.TaskID, r.Fingerprint, r.Issues, r.SeverityCounts, nowUTC())
	if err != nil {
		return core.Storage("put_review_report", err)
	}
	return nil
}

// ListTaskReviews returns every historical report for a task across fingerprints.
func (s *Store) ListTaskReviews(ctx context.Context, taskID string) ([]*ReviewReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, fingerprint, issues, severity_counts, created_at
		FROM review_reports WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, core.Storage("list_task_reviews", err)
	}
	defer rows.Close()

	var out []*ReviewReport
	for rows.Next() {
		r := &ReviewReport{}
		if err := rows.Scan(&r.TaskID, &r.Fingerprint, &r.Issues, &r.SeverityCounts, &r.CreatedAt); err != nil {
			return nil, core.Storage("list_task_reviews", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

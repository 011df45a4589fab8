package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/frankbria/codeframe/internal/core"
)

// AppendEvent persists an event to the append-only ledger and returns the
// assigned monotonic seq, which is global to the store (EventBus fans it out
// per-subscriber with its own filter, but the seq itself comes from here so
// a reconnecting subscriber's resync snapshot and subsequent live events
// share one ordering space).
func (s *Store) AppendEvent(ctx context.Context, projectID, typ, payloadJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (project_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		nullIfEmpty(projectID), typ, payloadJSON, nowUTC())
	if err != nil {
		return 0, core.Storage("append_event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, core.Storage("append_event", err)
	}
	return seq, nil
}

// ListEventsSince returns events with seq > afterSeq for a project (or all
// projects if projectID is empty), used to build a reconnect resync
// snapshot. Bounded by limit to avoid an unbounded catch-up dump.
func (s *Store) ListEventsSince(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*Event, error) {
	q := `SELECT seq, COALESCE(project_id, ''), type, payload, created_at FROM events WHERE seq > ?`
	args := []any{afterSeq}
	if projectID != "" {
		q += ` AND (project_id = ? OR project_id IS NULL)`
		args = append(args, projectID)
	}
	q += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.Storage("list_events_since", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.Seq, &e.ProjectID, &e.Type, &e.Payload, &e.Timestamp); err != nil {
			return nil, core.Storage("list_events_since", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SeqBefore returns the highest seq whose created_at is strictly before
// cutoff, or 0 if no event qualifies — the retention sweep's PurgeEventsOlderThan
// argument, since retention is expressed in wall-clock age but the ledger's
// own ordering key is seq.
func (s *Store) SeqBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE created_at < ?`, cutoff).Scan(&seq)
	if err != nil {
		return 0, core.Storage("seq_before", err)
	}
	return seq.Int64, nil
}

// PurgeEventsOlderThan deletes ledger rows for retention — events remain
// append-only within the retention window, but an operator-configured
// window still ages them out.
func (s *Store) PurgeEventsOlderThan(ctx context.Context, cutoffSeq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE seq <= ?`, cutoffSeq)
	if err != nil {
		return 0, core.Storage("purge_events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Package store is the transactional persistence layer (C1): projects,
// agents, assignments, tasks, blockers, memory, checkpoints, reviews, and the
// append-only event ledger. It is a thin, hand-written wrapper over
// database/sql + sqlite3: no ORM, explicit SQL, a versioned schema ledger
// applied at startup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/frankbria/codeframe/internal/core"
	_ "github.com/mattn/go-sqlite3"
)

// Store owns the single SQLite connection backing the orchestration core.
// All multi-row mutations run inside WithTx; single-row reads may use the
// pooled connection directly.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the SQLite database at path and brings the
// schema up to schemaVersionLatest.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, core.Storage("store.Open", err)
	}
	// Single-writer discipline: SQLite + WAL tolerates concurrent readers but
	// the Store is the sole mutator, so one connection keeps write ordering simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, core.Storage("store.Open", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying connection is still usable, for a liveness
// endpoint that wants to fail fast rather than wait on the first real query.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. Any error returned by fn rolls back
// the whole transaction and is wrapped as a StorageError, unless fn
// already returned a tagged *core.Error (e.g. ValidationError), which
// propagates unchanged so callers can distinguish "bad input" from "storage
// broke".
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Storage("with_tx.begin", err)
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if _, ok := core.KindOf(err); ok {
			return err
		}
		return core.Storage("with_tx", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Storage("with_tx.commit", err)
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// scanNullTime is a small helper for columns that may be NULL.
func scanNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func asNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func notFound(op, entity, id string) error {
	return core.NotFound(op, fmt.Sprintf("%s %q not found", entity, id))
}

package store

import (
	"context"
	"fmt"
)

// Schema ledger: each version is a checksum-tagged forward-only migration,
// applied in order inside initSchema, as a safety gate so a stale binary
// never silently runs against a newer DB.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cf-v1-2026-03-01-orchestration-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

const ddlSchemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('Created','Running','Paused','Failed','Completed')),
		phase TEXT NOT NULL CHECK(phase IN ('Discovery','Planning','Active','Review','Done')),
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('lead','backend','frontend','test','review','custom')),
		provider TEXT NOT NULL DEFAULT '',
		maturity TEXT NOT NULL DEFAULT 'D2' CHECK(maturity IN ('D1','D2','D3','D4')),
		status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle','working','blocked','offline')),
		context_tokens INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	// M-to-M assignment table. UNIQUE partial index (below) enforces a
	// unique-across-(project_id, agent_id, is_active=true) invariant.
	`CREATE TABLE IF NOT EXISTS project_agents (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, agent_id, assigned_at)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_project_agents_active
		ON project_agents(project_id, agent_id) WHERE is_active = 1;`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('pending','assigned','in_progress','blocked','review','completed','failed')),
		assigned_to TEXT REFERENCES agents(id),
		priority INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		quality_gate_status TEXT NOT NULL DEFAULT '',
		quality_gate_failures INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_expires_at DATETIME,
		payload TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_ready
		ON tasks(project_id, status, priority DESC, created_at ASC);`,
	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, depends_on_task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS blockers (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		kind TEXT NOT NULL CHECK(kind IN ('SYNC','ASYNC')),
		severity TEXT NOT NULL CHECK(severity IN ('low','medium','high','critical')),
		prompt TEXT NOT NULL,
		answer TEXT,
		deadline_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_blockers_open ON blockers(task_id) WHERE resolved_at IS NULL;`,
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		tier TEXT NOT NULL CHECK(tier IN ('HOT','WARM','COLD')),
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		accessed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_memory_agent_tier ON memory_items(agent_id, tier);`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		git_ref TEXT NOT NULL DEFAULT '',
		state_snapshot_blob BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS review_reports (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		issues TEXT NOT NULL DEFAULT '[]',
		severity_counts TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (task_id, fingerprint)
	);`,
	// Append-only event ledger backing EventBus reconnect/resync.
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, seq);`,
	// Agent-scoped flash checkpoints: a dump of an agent's COLD memory taken
	// when ContextManager.flash_save fires.
	`CREATE TABLE IF NOT EXISTS flash_checkpoints (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		reason TEXT NOT NULL,
		blob BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_flash_checkpoints_agent ON flash_checkpoints(agent_id, created_at);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddlSchemaMigrations); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersionLatest,
	).Scan(&applied); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if applied > 0 {
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

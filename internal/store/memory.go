package store

import (
	"context"
	"database/sql"

	"github.com/frankbria/codeframe/internal/core"
)

const selectMemoryCols = `id, agent_id, project_id, tier, key, value, importance, access_count, pinned, accessed_at, created_at`

func scanMemoryItem(row interface{ Scan(dest ...any) error }) (*MemoryItem, error) {
	m := &MemoryItem{}
	if err := row.Scan(&m.ID, &m.AgentID, &m.ProjectID, &m.Tier, &m.Key, &m.Value, &m.Importance, &m.AccessCount, &m.Pinned, &m.AccessedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertMemoryItem inserts or updates a memory fact. ContextManager is the
// sole caller.
func (s *Store) UpsertMemoryItem(ctx context.Context, m *MemoryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_items (id, agent_id, project_id, tier, key, value, importance, access_count, pinned, accessed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier, value = excluded.value, importance = excluded.importance,
			access_count = excluded.access_count, pinned = excluded.pinned, accessed_at = excluded.accessed_at`,
		m.ID, m.AgentID, m.ProjectID, m.Tier, m.Key, m.Value, m.Importance, m.AccessCount, m.Pinned, m.AccessedAt, m.CreatedAt)
	if err != nil {
		return core.Storage("upsert_memory_item", err)
	}
	return nil
}

// UpsertMemoryItemTx is the transactional form of UpsertMemoryItem, used by
// ContextManager.retier so the whole per-agent tier reassignment commits or
// rolls back as one unit.
func (s *Store) UpsertMemoryItemTx(ctx context.Context, tx *sql.Tx, m *MemoryItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items (id, agent_id, project_id, tier, key, value, importance, access_count, pinned, accessed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier, value = excluded.value, importance = excluded.importance,
			access_count = excluded.access_count, pinned = excluded.pinned, accessed_at = excluded.accessed_at`,
		m.ID, m.AgentID, m.ProjectID, m.Tier, m.Key, m.Value, m.Importance, m.AccessCount, m.Pinned, m.AccessedAt, m.CreatedAt)
	if err != nil {
		return core.Storage("upsert_memory_item_tx", err)
	}
	return nil
}

// ListMemoryItemsTx is the transactional read used inside retier so the read
// and the subsequent rewrite observe a consistent snapshot.
func (s *Store) ListMemoryItemsTx(ctx context.Context, tx *sql.Tx, agentID string) ([]*MemoryItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectMemoryCols+` FROM memory_items WHERE agent_id = ? ORDER BY importance DESC`, agentID)
	if err != nil {
		return nil, core.Storage("list_memory_items_tx", err)
	}
	defer rows.Close()

	var out []*MemoryItem
	for rows.Next() {
		m, err := scanMemoryItem(rows)
		if err != nil {
			return nil, core.Storage("list_memory_items_tx", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMemoryItems returns an agent's memory, optionally filtered by tier,
// ordered HOT-relevance-friendly (importance DESC).
func (s *Store) ListMemoryItems(ctx context.Context, agentID string, tier *MemoryTier) ([]*MemoryItem, error) {
	q := `SELECT ` + selectMemoryCols + ` FROM memory_items WHERE agent_id = ?`
	args := []any{agentID}
	if tier != nil {
		q += ` AND tier = ?`
		args = append(args, *tier)
	}
	q += ` ORDER BY importance DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.Storage("list_memory_items", err)
	}
	defer rows.Close()

	var out []*MemoryItem
	for rows.Next() {
		m, err := scanMemoryItem(rows)
		if err != nil {
			return nil, core.Storage("list_memory_items", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemoryItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return core.Storage("delete_memory_item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delete_memory_item", "memory_item", id)
	}
	return nil
}

// SumHotTokens sums tokens(value) across an agent's HOT items using the
// caller-supplied estimator, backing the HOT-budget invariant check.
func (s *Store) SumHotTokens(ctx context.Context, agentID string, estimate func(string) int) (int, error) {
	items, err := s.ListMemoryItems(ctx, agentID, tierPtr(TierHot))
	if err != nil {
		return 0, err
	}
	total := 0
	for _, it := range items {
		total += estimate(it.Value)
	}
	return total, nil
}

func tierPtr(t MemoryTier) *MemoryTier { return &t }

// ReplaceAgentMemorySnapshot atomically replaces every memory row for an
// agent within a project — used by CheckpointEngine.restore.
func (s *Store) ReplaceAgentMemorySnapshot(ctx context.Context, tx *sql.Tx, projectID string, items []*MemoryItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	for _, m := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_items (id, agent_id, project_id, tier, key, value, importance, access_count, pinned, accessed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.AgentID, m.ProjectID, m.Tier, m.Key, m.Value, m.Importance, m.AccessCount, m.Pinned, m.AccessedAt, m.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

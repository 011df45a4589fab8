package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/frankbria/codeframe/internal/core"
)

// FlashCheckpoint is a point-in-time dump of an agent's COLD memory, taken by
// ContextManager.flash_save when HOT headroom runs low.
type FlashCheckpoint struct {
	ID        string
	AgentID   string
	Reason    string
	Blob      []byte
	CreatedAt time.Time
}

// CreateFlashCheckpoint persists a flash-save blob for an agent.
func (s *Store) CreateFlashCheckpoint(ctx context.Context, id, agentID, reason string, blob []byte) (*FlashCheckpoint, error) {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flash_checkpoints (id, agent_id, reason, blob, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, agentID, reason, blob, now)
	if err != nil {
		return nil, core.Storage("create_flash_checkpoint", err)
	}
	return &FlashCheckpoint{ID: id, AgentID: agentID, Reason: reason, Blob: blob, CreatedAt: now}, nil
}

// LastFlashCheckpoint returns the most recent flash checkpoint for an agent
// and reason, or nil if none exists — used to enforce the dead-time gate.
func (s *Store) LastFlashCheckpoint(ctx context.Context, agentID, reason string) (*FlashCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, reason, blob, created_at FROM flash_checkpoints
		WHERE agent_id = ? AND reason = ? ORDER BY created_at DESC LIMIT 1`, agentID, reason)
	fc := &FlashCheckpoint{}
	if err := row.Scan(&fc.ID, &fc.AgentID, &fc.Reason, &fc.Blob, &fc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.Storage("last_flash_checkpoint", err)
	}
	return fc, nil
}

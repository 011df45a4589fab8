package contextmem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// flashSavePayload is the blob persisted by FlashSave: every COLD item at
// the moment headroom ran low, so it can be rehydrated later on demand.
type flashSavePayload struct {
	AgentID string              `json:"agent_id"`
	Reason  string              `json:"reason"`
	Items   []*store.MemoryItem `json:"items"`
}

// ShouldFlashSave reports whether usedTokens has eaten into the configured
// headroom and a caller (typically AgentRuntime, after hydrating context)
// should invoke FlashSave.
func (m *Manager) ShouldFlashSave(usedTokens int) bool {
	return m.budget.NeedsFlashSave(usedTokens)
}

// FlashSave persists all of an agent's COLD items to a flash checkpoint blob
// and replaces them in WARM with one compact summary item. It is
// idempotent per reason within a dead time: a second call for the same
// agent+reason before the dead time elapses is a no-op, not an error, so a
// caller that checks ShouldFlashSave on every loop iteration doesn't spam
// checkpoints while headroom stays low.
func (m *Manager) FlashSave(ctx context.Context, agentID, reason string) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	fired, err := m.recentlyFired(ctx, agentID, reason)
	if err != nil {
		return err
	}
	if fired {
		return nil
	}

	cold, err := m.store.ListMemoryItems(ctx, agentID, tierPtr(store.TierCold))
	if err != nil {
		return err
	}
	if len(cold) == 0 {
		return nil
	}

	payload := flashSavePayload{AgentID: agentID, Reason: reason, Items: cold}
	blob, err := json.Marshal(payload)
	if err != nil {
		return core.Storage("flash_save.marshal", err)
	}

	id := agentID + ":" + reason + ":" + core.NewID()
	if _, err := m.store.CreateFlashCheckpoint(ctx, id, agentID, reason, blob); err != nil {
		return err
	}

	projectID := cold[0].ProjectID
	summary := &store.MemoryItem{
		ID:         agentID + ":flash_summary:" + reason,
		AgentID:    agentID,
		ProjectID:  projectID,
		Tier:       store.TierWarm,
		Key:        "flash_summary:" + reason,
		Value:      fmt.Sprintf("[%d older memories archived to flash checkpoint %s]", len(cold), id),
		Importance: 0,
		AccessedAt: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	for _, it := range cold {
		if err := m.store.DeleteMemoryItem(ctx, it.ID); err != nil {
			return err
		}
	}
	if err := m.store.UpsertMemoryItem(ctx, summary); err != nil {
		return err
	}

	m.markFired(agentID, reason)

	if m.bus != nil {
		_, _ = m.bus.Publish(ctx, projectID, events.TypeFlashSave, map[string]any{
			"agent_id":      agentID,
			"reason":        reason,
			"checkpoint_id": id,
			"item_count":    len(cold),
		})
	}
	return nil
}

func (m *Manager) recentlyFired(ctx context.Context, agentID, reason string) (bool, error) {
	m.lastFlashMu.Lock()
	if byReason, ok := m.lastFlash[agentID]; ok {
		if t, ok := byReason[reason]; ok && time.Since(t) < m.flashSaveDeadTime {
			m.lastFlashMu.Unlock()
			return true, nil
		}
	}
	m.lastFlashMu.Unlock()

	last, err := m.store.LastFlashCheckpoint(ctx, agentID, reason)
	if err != nil {
		return false, err
	}
	if last != nil && time.Since(last.CreatedAt) < m.flashSaveDeadTime {
		return true, nil
	}
	return false, nil
}

func (m *Manager) markFired(agentID, reason string) {
	m.lastFlashMu.Lock()
	defer m.lastFlashMu.Unlock()
	if m.lastFlash[agentID] == nil {
		m.lastFlash[agentID] = make(map[string]time.Time)
	}
	m.lastFlash[agentID][reason] = time.Now()
}

// Package events is the in-process EventBus (C2): per-subscriber fan-out
// filtered by project_id, bounded queues, and reconnect-driven resync backed
// by the Store's append-only event ledger, using a per-subscriber
// project-ID filter set plus a persisted seq rather than a flat
// topic-prefix match.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frankbria/codeframe/internal/store"
)

const defaultBufferSize = 256

// Type enumerates the event types published by the core.
type Type string

const (
	TypeProjectCreated       Type = "project_created"
	TypeProjectStatusChanged Type = "project_status_changed"
	TypeAgentAssigned        Type = "agent_assigned"
	TypeAgentUnassigned      Type = "agent_unassigned"
	TypeAgentStarted         Type = "agent_started"
	TypeAgentStatusChanged   Type = "agent_status_changed"
	TypeTaskCreated          Type = "task_created"
	TypeTaskAssigned         Type = "task_assigned"
	TypeTaskStarted          Type = "task_started"
	TypeTaskBlocked          Type = "task_blocked"
	TypeTaskUnblocked        Type = "task_unblocked"
	TypeTaskCompleted        Type = "task_completed"
	TypeTaskFailed           Type = "task_failed"
	TypeQualityGateResult    Type = "quality_gate_result"
	TypeReviewCompleted      Type = "review_completed"
	TypeBlockerRaised        Type = "blocker_raised"
	TypeBlockerResolved      Type = "blocker_resolved"
	TypeCheckpointCreated    Type = "checkpoint_created"
	TypeCheckpointRestored   Type = "checkpoint_restored"
	TypeContextRetier        Type = "context_retier"
	TypeFlashSave            Type = "flash_save"
	TypeLintCompleted        Type = "lint_completed"
	TypeChatMessage          Type = "chat_message"
	TypeAgentCostRecorded    Type = "agent_cost_recorded"
)

// Event is a fanned-out message. Seq is assigned by the Store's ledger so it
// is stable across a reconnect/resync boundary.
type Event struct {
	Seq       int64
	ProjectID string // empty for filter-exempt connection-level events
	Type      Type
	Payload   any
}

// filterExempt reports whether an event bypasses per-subscriber project
// filtering: connection-level pings and global health events bypass it.
func (e Event) filterExempt() bool {
	return e.ProjectID == ""
}

// Subscription is a single observer's bounded event queue plus its mutable
// project-ID filter set.
type Subscription struct {
	id     int
	bus    *Bus
	ch     chan Event
	mu     sync.RWMutex
	filter map[string]struct{}

	disconnected atomic.Bool
}

// Ch returns the channel to receive events on. A closed channel means the
// subscriber was disconnected (slow-consumer overflow or explicit Unsubscribe).
func (s *Subscription) Ch() <-chan Event { return s.ch }

// SetProjectFilter replaces the subscriber's project_id allowlist. An empty
// set means "no project-scoped events" (filter-exempt events still arrive).
func (s *Subscription) SetProjectFilter(projectIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		s.filter[id] = struct{}{}
	}
}

func (s *Subscription) matches(e Event) bool {
	if e.filterExempt() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.filter[e.ProjectID]
	return ok
}

// Disconnected reports whether the bus has dropped this subscriber due to a
// full queue.
func (s *Subscription) Disconnected() bool { return s.disconnected.Load() }

// Bus is the process-wide EventBus singleton, constructed once at startup
// and passed explicitly through the dependency graph rather than reached
// through a global.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	logger *slog.Logger
	ledger *store.Store // optional: persists events for resync; nil disables durability
}

func New(logger *slog.Logger, ledger *store.Store) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]*Subscription), logger: logger, ledger: ledger}
}

// Subscribe creates a new subscription with an initially empty project filter.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ch:     make(chan Event, defaultBufferSize),
		filter: make(map[string]struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. A subscriber
// already disconnected by a full queue (disconnectLocked already closed
// sub.ch) is only removed from b.subs, never closed a second time.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		if sub.disconnected.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}

// Publish persists the event (assigning its seq) then fans it out to every
// matching subscriber without blocking on slow consumers; a subscriber whose
// queue is full is disconnected rather than retried.
func (b *Bus) Publish(ctx context.Context, projectID string, typ Type, payload any) (int64, error) {
	var seq int64
	if b.ledger != nil {
		payloadJSON, err := marshalPayload(payload)
		if err != nil {
			return 0, err
		}
		s, err := b.ledger.AppendEvent(ctx, projectID, string(typ), payloadJSON)
		if err != nil {
			return 0, err
		}
		seq = s
	}

	event := Event{Seq: seq, ProjectID: projectID, Type: typ, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.disconnectLocked(sub)
		}
	}
	return seq, nil
}

// disconnectLocked marks sub dead and closes its channel; callers must hold
// at least b.mu.RLock() — the boolean flag plus channel close is safe
// without upgrading to a write lock because sub.ch is only ever closed once
// (guarded by disconnected.CompareAndSwap).
func (b *Bus) disconnectLocked(sub *Subscription) {
	if !sub.disconnected.CompareAndSwap(false, true) {
		return
	}
	b.logger.Warn("event_subscriber_disconnected_queue_full", slog.Int("subscriber_id", sub.id))
	close(sub.ch)
}

// Resync builds a full-state catch-up list for a reconnecting subscriber —
// no replay of missed events is offered; the caller (transport adapter) is
// expected to pair this with a fresh Scheduler-provided state snapshot.
func (b *Bus) Resync(ctx context.Context, projectID string, limit int) ([]Event, error) {
	if b.ledger == nil {
		return nil, nil
	}
	rows, err := b.ledger.ListEventsSince(ctx, projectID, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{Seq: r.Seq, ProjectID: r.ProjectID, Type: Type(r.Type), Payload: r.Payload})
	}
	return out, nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

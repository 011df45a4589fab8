// Package blocker is the BlockerQueue (C4): raising SYNC/ASYNC blockers on a
// task, resolving them, and waking exactly one waiter per resolution. A
// waiter tracks blocker resolution via bus subscription instead of
// polling, with a subscribe-then-check guard against a resolution racing
// ahead of the subscription.
package blocker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// Queue is the sole mutator of Blocker rows alongside the Task transitions
// blocker resolution drives. The Scheduler is the sole mutator of Task
// lifecycles in general, but the blocked<->assigned edge is carved out
// as BlockerQueue's to drive.
type Queue struct {
	store *store.Store
	bus   *events.Bus

	mu      sync.Mutex
	waiting map[string]chan string // blocker_id -> channel woken exactly once on resolve/abandon
}

func New(st *store.Store, bus *events.Bus) *Queue {
	return &Queue{store: st, bus: bus, waiting: make(map[string]chan string)}
}

// Raise persists a new blocker and, for a SYNC blocker, transitions the
// owning task to blocked in the same transaction. fromStatus is the
// task's current status, supplied by the caller (AgentRuntime already holds
// it — avoids a second read-then-write round trip under the single-writer
// SQLite discipline).
func (q *Queue) Raise(ctx context.Context, id, taskID string, fromStatus store.TaskStatus, agentID string, kind store.BlockerKind, severity store.BlockerSeverity, prompt string, deadline *time.Time) (*store.Blocker, error) {
	var b *store.Blocker
	err := q.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		created, err := q.store.CreateBlocker(ctx, tx, id, taskID, agentID, kind, severity, prompt, deadline)
		if err != nil {
			return err
		}
		b = created
		if kind == store.BlockerSync {
			return q.store.TransitionTask(ctx, tx, taskID, fromStatus, store.TaskBlocked)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.bus != nil {
		_, _ = q.bus.Publish(ctx, q.projectIDOf(ctx, taskID), events.TypeBlockerRaised, map[string]any{
			"blocker_id": b.ID, "task_id": taskID, "agent_id": agentID, "kind": kind, "severity": severity,
		})
	}
	return b, nil
}

// WaitForResolution blocks until blockerID is resolved or ctx/timeout
// expires. Only meaningful for SYNC blockers — an ASYNC-raising agent
// continues immediately and never calls this. Registers the wait channel
// before checking the store for an already-resolved blocker, so a
// resolution landing between the two calls is never missed.
func (q *Queue) WaitForResolution(ctx context.Context, blockerID string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := q.register(blockerID)
	defer q.unregister(blockerID)

	if b, err := q.store.GetBlocker(ctx, blockerID); err == nil && b.ResolvedAt != nil {
		return b.Answer, nil
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timeout waiting for blocker %s: %w", blockerID, ctx.Err())
	}
}

func (q *Queue) register(blockerID string) chan string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.waiting[blockerID]
	if !ok {
		ch = make(chan string, 1)
		q.waiting[blockerID] = ch
	}
	return ch
}

func (q *Queue) unregister(blockerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.waiting, blockerID)
}

// wake sends answer to a registered waiter for blockerID, if any, without
// blocking — the channel is buffered (size 1) so a wake that races ahead of
// WaitForResolution's select is never lost. Exactly one waiter (the
// registrant) ever receives it — exactly one waiter is ever woken.
func (q *Queue) wake(blockerID, answer string) {
	q.mu.Lock()
	ch, ok := q.waiting[blockerID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- answer:
	default:
	}
}

// Resolve records the answer and, for a SYNC blocker, resumes the task from
// blocked to resumeStatus (typically the status it held before the blocker
// forced it to blocked). An ASYNC blocker never moved the task out of its
// own status, so resolving it only records the answer — the task continues
// regardless. In both cases it wakes any waiter and publishes
// blocker_resolved.
func (q *Queue) Resolve(ctx context.Context, blockerID, answer string, resumeStatus store.TaskStatus) (*store.Blocker, error) {
	var b *store.Blocker
	err := q.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		resolved, err := q.store.ResolveBlocker(ctx, tx, blockerID, answer)
		if err != nil {
			return err
		}
		b = resolved
		if b.Kind == store.BlockerSync {
			return q.store.TransitionTask(ctx, tx, b.TaskID, store.TaskBlocked, resumeStatus)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.wake(blockerID, answer)
	if q.bus != nil {
		_, _ = q.bus.Publish(ctx, q.projectIDOf(ctx, b.TaskID), events.TypeBlockerResolved, map[string]any{
			"blocker_id": blockerID, "task_id": b.TaskID,
		})
		_, _ = q.bus.Publish(ctx, q.projectIDOf(ctx, b.TaskID), events.TypeTaskUnblocked, map[string]any{
			"task_id": b.TaskID,
		})
	}
	return b, nil
}

// AbandonForTask auto-resolves every open blocker on a task with the
// sentinel abandoned answer and wakes any waiters with it, used when a task
// fails or is removed out from under a raised blocker.
func (q *Queue) AbandonForTask(ctx context.Context, taskID string) error {
	open, err := q.store.ListOpenBlockersForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	err = q.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return q.store.AbandonBlockersForTask(ctx, tx, taskID)
	})
	if err != nil {
		return err
	}

	for _, b := range open {
		q.wake(b.ID, store.SentinelAbandonedAnswer)
	}
	return nil
}

// ExpireDeadline auto-resolves a blocker whose operator-attached deadline
// has passed with the sentinel answer and fails its owning task: operators
// may attach a deadline that on expiry auto-resolves with a sentinel and
// fails the task, regardless of blocker kind. Unlike Resolve, the task does
// not return to its pre-blocked status — it moves straight to failed from
// whatever status it currently holds (blocked for a SYNC blocker, its own
// unaffected status for an ASYNC one), and any other open blockers on the
// same task are abandoned along with it.
func (q *Queue) ExpireDeadline(ctx context.Context, blockerID string) error {
	b, err := q.store.GetBlocker(ctx, blockerID)
	if err != nil {
		return err
	}
	if b.ResolvedAt != nil {
		return nil
	}
	task, err := q.store.GetTask(ctx, b.TaskID)
	if err != nil {
		return err
	}

	err = q.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := q.store.ResolveBlocker(ctx, tx, blockerID, store.SentinelAbandonedAnswer); err != nil {
			return err
		}
		if err := q.store.AbandonBlockersForTask(ctx, tx, b.TaskID); err != nil {
			return err
		}
		return q.store.TransitionTask(ctx, tx, b.TaskID, task.Status, store.TaskFailed, store.WithError("blocker deadline expired"))
	})
	if err != nil {
		return err
	}

	q.wake(blockerID, store.SentinelAbandonedAnswer)
	if q.bus != nil {
		_, _ = q.bus.Publish(ctx, q.projectIDOf(ctx, b.TaskID), events.TypeBlockerResolved, map[string]any{
			"blocker_id": blockerID, "task_id": b.TaskID, "expired": true,
		})
		_, _ = q.bus.Publish(ctx, q.projectIDOf(ctx, b.TaskID), events.TypeTaskFailed, map[string]any{
			"task_id": b.TaskID, "reason": "blocker deadline expired",
		})
	}
	return nil
}

// List returns a project's blockers, optionally open-only (read path for
// the operator CLI / dashboard).
func (q *Queue) List(ctx context.Context, projectID string, openOnly bool) ([]*store.Blocker, error) {
	return q.store.ListBlockers(ctx, projectID, openOnly)
}

// Metrics reports per-kind counts and average resolution time for a project.
func (q *Queue) Metrics(ctx context.Context, projectID string) (*store.BlockerMetrics, error) {
	return q.store.Metrics(ctx, projectID)
}

// projectIDOf resolves a task's project for event scoping, read after the
// owning transaction already committed (a plain post-commit lookup, not
// itself transactional).
func (q *Queue) projectIDOf(ctx context.Context, taskID string) string {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return ""
	}
	return t.ProjectID
}

// Package checkpoint is the CheckpointEngine (C7): create/restore/diff over
// the project snapshots the Store already knows how to capture and apply.
// A checkpoint serializes everything a project's state knows about into
// one opaque blob, then rewrites rows from it on restore, under a
// project-exclusive lock with a post-restore task-reset invariant.
package checkpoint

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// Engine is the sole mutator of Checkpoint rows and the sole driver of
// project-wide restore. Restore touches every table a Checkpoint snapshots,
// so each project gets its own exclusive lock — no task transition, blocker
// resolution, or memory write may interleave with a restore for the same
// project — rather than relying on SQLite's single-writer connection
// alone, which would still let an in-flight multi-statement Scheduler
// operation interleave with a restore at the Go level even though both end
// up serialized at the database level.
type Engine struct {
	store *store.Store
	bus   *events.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, bus *events.Bus) *Engine {
	return &Engine{store: st, bus: bus, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(projectID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[projectID] = l
	}
	return l
}

// Create captures the project's full current state (project, tasks,
// assignments, open blockers, memory items) as one opaque blob and
// publishes checkpoint_created.
func (e *Engine) Create(ctx context.Context, id, projectID, name, description, gitRef string) (*store.Checkpoint, error) {
	l := e.lockFor(projectID)
	l.Lock()
	defer l.Unlock()

	cp, err := e.store.CreateCheckpoint(ctx, id, projectID, name, description, gitRef)
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		_, _ = e.bus.Publish(ctx, projectID, events.TypeCheckpointCreated, map[string]any{
			"checkpoint_id": cp.ID, "name": cp.Name,
		})
	}
	return cp, nil
}

// Restore rewrites project/task/assignment/blocker/memory rows to match a
// prior checkpoint, under the project's exclusive lock, then resets any
// agent whose task is in_progress back to assigned so no agent is left
// believing it owns a task the restore may have reassigned or removed, a
// post-restore invariant. Publishes checkpoint_restored on success.
func (e *Engine) Restore(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	snap, err := store.RestoreSnapshot(cp.StateSnapshotBlob)
	if err != nil {
		return nil, err
	}

	l := e.lockFor(cp.ProjectID)
	l.Lock()
	defer l.Unlock()

	err = e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.store.ApplyRestoreTx(ctx, tx, snap); err != nil {
			return err
		}
		return resetInProgressToAssignedTx(ctx, tx, snap)
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil {
		_, _ = e.bus.Publish(ctx, cp.ProjectID, events.TypeCheckpointRestored, map[string]any{
			"checkpoint_id": cp.ID,
		})
	}
	return cp, nil
}

func resetInProgressToAssignedTx(ctx context.Context, tx *sql.Tx, snap *store.ProjectSnapshot) error {
	for _, t := range snap.Tasks {
		if t.Status == store.TaskInProgress {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				store.TaskAssigned, time.Now().UTC(), t.ID, store.TaskInProgress); err != nil {
				return core.Storage("restore_reset_in_progress", err)
			}
		}
	}
	return nil
}

// List returns a project's checkpoints, newest first.
func (e *Engine) List(ctx context.Context, projectID string) ([]*store.Checkpoint, error) {
	return e.store.ListCheckpoints(ctx, projectID)
}

// Delete removes a checkpoint permanently. Not guarded by the project lock:
// deleting a checkpoint never touches live project state, only the
// checkpoints table row.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeleteCheckpoint(ctx, id)
}

// Diff summarizes what changed between two checkpoints of the same
// project: tasks added/removed, tasks whose status differs, and the raw
// counts of assignments/blockers/memory items in each. Diff never mutates
// state and needs no project lock — both snapshots are immutable blobs
// once captured.
type Diff struct {
	FromID, ToID       string
	TasksAdded         []string
	TasksRemoved       []string
	TaskStatusChanges  map[string][2]store.TaskStatus // taskID -> [from, to]
	AssignmentCountDiff int
	BlockerCountDiff    int
	MemoryItemCountDiff int
}

func (e *Engine) Diff(ctx context.Context, fromID, toID string) (*Diff, error) {
	from, err := e.store.GetCheckpoint(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := e.store.GetCheckpoint(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.ProjectID != to.ProjectID {
		return nil, core.Validationf("diff", "checkpoints %s and %s belong to different projects", fromID, toID)
	}

	fromSnap, err := store.RestoreSnapshot(from.StateSnapshotBlob)
	if err != nil {
		return nil, err
	}
	toSnap, err := store.RestoreSnapshot(to.StateSnapshotBlob)
	if err != nil {
		return nil, err
	}

	fromTasks := make(map[string]store.TaskStatus, len(fromSnap.Tasks))
	for _, t := range fromSnap.Tasks {
		fromTasks[t.ID] = t.Status
	}
	toTasks := make(map[string]store.TaskStatus, len(toSnap.Tasks))
	for _, t := range toSnap.Tasks {
		toTasks[t.ID] = t.Status
	}

	d := &Diff{FromID: fromID, ToID: toID, TaskStatusChanges: make(map[string][2]store.TaskStatus)}
	for id, status := range toTasks {
		prev, existed := fromTasks[id]
		if !existed {
			d.TasksAdded = append(d.TasksAdded, id)
			continue
		}
		if prev != status {
			d.TaskStatusChanges[id] = [2]store.TaskStatus{prev, status}
		}
	}
	for id := range fromTasks {
		if _, stillThere := toTasks[id]; !stillThere {
			d.TasksRemoved = append(d.TasksRemoved, id)
		}
	}

	d.AssignmentCountDiff = len(toSnap.Assignments) - len(fromSnap.Assignments)
	d.BlockerCountDiff = len(toSnap.Blockers) - len(fromSnap.Blockers)
	d.MemoryItemCountDiff = len(toSnap.Memory) - len(fromSnap.Memory)
	return d, nil
}

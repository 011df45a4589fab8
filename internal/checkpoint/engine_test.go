package checkpoint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateProject(ctx, "p1", "P1", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignAgent(ctx, "p1", "a1", "primary"); err != nil {
		t.Fatal(err)
	}

	bus := events.New(nil, st)
	return New(st, bus), st
}

func TestCreateThenRestoreRoundTrips(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, "t1", "p1", "original title", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}

	cp, err := e.Create(ctx, "cp1", "p1", "before change", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutate state after the checkpoint: move the task into in_progress.
	err = st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := st.TransitionTask(ctx, tx, task.ID, store.TaskPending, store.TaskAssigned, store.WithAssignedTo("a1")); err != nil {
			return err
		}
		return st.TransitionTask(ctx, tx, task.ID, store.TaskAssigned, store.TaskInProgress)
	})
	if err != nil {
		t.Fatal(err)
	}

	mutated, _ := st.GetTask(ctx, task.ID)
	if mutated.Status != store.TaskInProgress {
		t.Fatalf("setup: task status = %s, want in_progress", mutated.Status)
	}

	if _, err := e.Restore(ctx, cp.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, _ := st.GetTask(ctx, task.ID)
	if restored.Status != store.TaskPending {
		t.Fatalf("task status after restore = %s, want pending (checkpoint predates assignment)", restored.Status)
	}
}

func TestRestoreResetsInProgressTaskToAssigned(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	err = st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := st.TransitionTask(ctx, tx, task.ID, store.TaskPending, store.TaskAssigned, store.WithAssignedTo("a1")); err != nil {
			return err
		}
		return st.TransitionTask(ctx, tx, task.ID, store.TaskAssigned, store.TaskInProgress)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Checkpoint captured while the task is in_progress.
	cp, err := e.Create(ctx, "cp1", "p1", "mid-flight", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := e.Restore(ctx, cp.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, _ := st.GetTask(ctx, task.ID)
	if restored.Status != store.TaskAssigned {
		t.Fatalf("task status after restoring an in_progress snapshot = %s, want assigned", restored.Status)
	}
}

func TestDiffReportsTaskChangesAndAdditions(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	t1, err := st.CreateTask(ctx, "t1", "p1", "first", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	cpFrom, err := e.Create(ctx, "cp-from", "p1", "from", "", "")
	if err != nil {
		t.Fatal(err)
	}

	err = st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return st.TransitionTask(ctx, tx, t1.ID, store.TaskPending, store.TaskAssigned, store.WithAssignedTo("a1"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(ctx, "t2", "p1", "second", 0, nil, "{}"); err != nil {
		t.Fatal(err)
	}

	cpTo, err := e.Create(ctx, "cp-to", "p1", "to", "", "")
	if err != nil {
		t.Fatal(err)
	}

	d, err := e.Diff(ctx, cpFrom.ID, cpTo.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if len(d.TasksAdded) != 1 || d.TasksAdded[0] != "t2" {
		t.Fatalf("TasksAdded = %v, want [t2]", d.TasksAdded)
	}
	change, ok := d.TaskStatusChanges["t1"]
	if !ok {
		t.Fatalf("expected t1 status change, got %v", d.TaskStatusChanges)
	}
	if change[0] != store.TaskPending || change[1] != store.TaskAssigned {
		t.Fatalf("t1 change = %v, want [pending assigned]", change)
	}
}

func TestDiffRejectsCheckpointsFromDifferentProjects(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := st.CreateProject(ctx, "p2", "P2", "u"); err != nil {
		t.Fatal(err)
	}

	cp1, err := e.Create(ctx, "cp1", "p1", "one", "", "")
	if err != nil {
		t.Fatal(err)
	}
	cp2, err := e.Create(ctx, "cp2", "p2", "two", "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Diff(ctx, cp1.ID, cp2.ID); err == nil {
		t.Fatal("expected error diffing checkpoints across projects")
	}
}

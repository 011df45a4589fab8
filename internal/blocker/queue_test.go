package blocker

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
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

func assignAndStart(t *testing.T, st *store.Store, taskID string) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := st.TransitionTask(ctx, tx, taskID, store.TaskPending, store.TaskAssigned, store.WithAssignedTo("a1")); err != nil {
			return err
		}
		return st.TransitionTask(ctx, tx, taskID, store.TaskAssigned, store.TaskInProgress)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSyncRaiseBlocksTaskAndResolveResumes(t *testing.T) {
	// A SYNC raise blocks the task, and resolving it wakes the waiter,
	// exercised through the Queue rather than raw store calls.
	q, st := newTestQueue(t)
	ctx := context.Background()
	task, err := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	assignAndStart(t, st, task.ID)

	b, err := q.Raise(ctx, "b1", task.ID, store.TaskInProgress, "a1", store.BlockerSync, store.SeverityMedium, "Use bcrypt?", nil)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	blocked, _ := st.GetTask(ctx, task.ID)
	if blocked.Status != store.TaskBlocked {
		t.Fatalf("task status = %s, want blocked", blocked.Status)
	}

	done := make(chan string, 1)
	go func() {
		answer, err := q.WaitForResolution(ctx, b.ID, 2*time.Second)
		if err != nil {
			t.Errorf("WaitForResolution: %v", err)
			return
		}
		done <- answer
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register before resolving
	if _, err := q.Resolve(ctx, b.ID, "yes, rounds=12", store.TaskInProgress); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case answer := <-done:
		if answer != "yes, rounds=12" {
			t.Fatalf("got answer %q", answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}

	resumed, _ := st.GetTask(ctx, task.ID)
	if resumed.Status != store.TaskInProgress {
		t.Fatalf("task status after resolve = %s, want in_progress", resumed.Status)
	}
}

func TestWaitForResolutionRaceGuardAlreadyResolved(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	assignAndStart(t, st, task.ID)

	b, err := q.Raise(ctx, "b1", task.ID, store.TaskInProgress, "a1", store.BlockerSync, store.SeverityLow, "prompt", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Resolve before anyone calls WaitForResolution.
	if _, err := q.Resolve(ctx, b.ID, "ok", store.TaskInProgress); err != nil {
		t.Fatal(err)
	}

	answer, err := q.WaitForResolution(ctx, b.ID, time.Second)
	if err != nil {
		t.Fatalf("expected immediate return for already-resolved blocker: %v", err)
	}
	if answer != "ok" {
		t.Fatalf("got %q, want ok", answer)
	}
}

func TestAbandonForTaskWakesWaiterWithSentinel(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	assignAndStart(t, st, task.ID)

	b, err := q.Raise(ctx, "b1", task.ID, store.TaskInProgress, "a1", store.BlockerSync, store.SeverityHigh, "prompt", nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan string, 1)
	go func() {
		answer, _ := q.WaitForResolution(ctx, b.ID, 2*time.Second)
		done <- answer
	}()
	time.Sleep(20 * time.Millisecond)

	if err := q.AbandonForTask(ctx, task.ID); err != nil {
		t.Fatalf("AbandonForTask: %v", err)
	}

	select {
	case answer := <-done:
		if answer != store.SentinelAbandonedAnswer {
			t.Fatalf("got %q, want sentinel abandoned answer", answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke on abandonment")
	}
}

func TestAsyncRaiseDoesNotBlockTask(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	assignAndStart(t, st, task.ID)

	if _, err := q.Raise(ctx, "b1", task.ID, store.TaskInProgress, "a1", store.BlockerAsync, store.SeverityLow, "heads up", nil); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	still, _ := st.GetTask(ctx, task.ID)
	if still.Status != store.TaskInProgress {
		t.Fatalf("ASYNC raise must not block the task, got status %s", still.Status)
	}
}

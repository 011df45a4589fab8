package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p1", "Demo", "user-1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != ProjectCreated || p.Phase != PhaseDiscovery {
		t.Fatalf("unexpected initial state: %+v", p)
	}

	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "Demo" {
		t.Fatalf("got name %q, want Demo", got.Name)
	}

	if _, err := s.GetProject(ctx, "missing"); err == nil {
		t.Fatal("expected NotFound error for missing project")
	}
}

func TestAssignAgentAcrossProjects(t *testing.T) {
	// An agent can hold active assignments on more than one project at once.
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateProject(ctx, "p2", "P2", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent(ctx, "backend-001", AgentBackend, "anthropic", MaturityD2); err != nil {
		t.Fatal(err)
	}

	if err := s.AssignAgent(ctx, "p1", "backend-001", "primary_backend"); err != nil {
		t.Fatalf("assign p1: %v", err)
	}
	if err := s.AssignAgent(ctx, "p2", "backend-001", "consultant"); err != nil {
		t.Fatalf("assign p2: %v", err)
	}

	projects, err := s.GetProjectsForAgent(ctx, "backend-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}

	agents, err := s.GetAgentsForProject(ctx, "p1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].Role != "primary_backend" {
		t.Fatalf("got %+v, want one backend-001 with role primary_backend", agents)
	}
}

func TestAssignAgentDuplicateActiveRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.CreateAgent(ctx, "a1", AgentBackend, "anthropic", MaturityD2)

	if err := s.AssignAgent(ctx, "p1", "a1", "primary"); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(ctx, "p1", "a1", "primary"); err == nil {
		t.Fatal("expected ConcurrencyConflict on duplicate active assignment")
	}
}

func TestCreateTaskRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")

	t1, err := s.CreateTask(ctx, "t1", "p1", "first", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, "t2", "p1", "second", 0, []string{t1.ID}, "{}"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, "t3", "p1", "chained", 0, []string{"t2"}, "{}"); err != nil {
		t.Fatal(err)
	}
}

func TestGetNextReadyTaskHonorsDependenciesAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.UpdateProjectStatus(ctx, "p1", ProjectRunning)

	blocked, err := s.CreateTask(ctx, "blocked", "p1", "needs dep", 5, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, "waiting", "p1", "waits on blocked", 10, []string{blocked.ID}, "{}"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, "ready-low", "p1", "ready but low priority", 1, nil, "{}"); err != nil {
		t.Fatal(err)
	}

	next, err := s.GetNextReadyTask(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil {
		t.Fatal("expected a ready task")
	}
	// "waiting" depends on an incomplete task so it must not be selected;
	// between "blocked" (priority 5) and "ready-low" (priority 1), higher wins.
	if next.ID != "blocked" {
		t.Fatalf("got %q, want blocked (highest-priority task with satisfied deps)", next.ID)
	}
}

func TestGetNextReadyTaskEmptyIsNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.UpdateProjectStatus(ctx, "p1", ProjectRunning)

	next, err := s.GetNextReadyTask(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no ready task, got %+v", next)
	}
}

func TestTransitionTaskOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.CreateAgent(ctx, "a1", AgentBackend, "anthropic", MaturityD2)
	s.AssignAgent(ctx, "p1", "a1", "primary")
	task, _ := s.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")

	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.TransitionTask(ctx, tx, task.ID, TaskPending, TaskAssigned, WithAssignedTo("a1"))
	})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Racing transition from the now-stale "pending" status must fail.
	err = s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.TransitionTask(ctx, tx, task.ID, TaskPending, TaskAssigned, WithAssignedTo("a1"))
	})
	if err == nil {
		t.Fatal("expected ConcurrencyConflict on stale transition")
	}
}

func TestSyncBlockerRoundTrip(t *testing.T) {
	// A raised SYNC blocker round-trips through resolution.
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.CreateAgent(ctx, "a1", AgentBackend, "anthropic", MaturityD2)
	s.AssignAgent(ctx, "p1", "a1", "primary")
	task, _ := s.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")

	s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.TransitionTask(ctx, tx, task.ID, TaskPending, TaskAssigned, WithAssignedTo("a1"))
	})

	var blockerID string
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		b, err := s.CreateBlocker(ctx, tx, "b1", task.ID, "a1", BlockerSync, SeverityMedium, "Use bcrypt?", nil)
		if err != nil {
			return err
		}
		blockerID = b.ID
		return s.TransitionTask(ctx, tx, task.ID, TaskAssigned, TaskBlocked)
	})
	if err != nil {
		t.Fatalf("raise blocker: %v", err)
	}

	blocked, _ := s.GetTask(ctx, task.ID)
	if blocked.Status != TaskBlocked {
		t.Fatalf("task status = %s, want blocked", blocked.Status)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.ResolveBlocker(ctx, tx, blockerID, "yes, rounds=12"); err != nil {
			return err
		}
		return s.TransitionTask(ctx, tx, task.ID, TaskBlocked, TaskAssigned)
	})
	if err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}

	resumed, _ := s.GetTask(ctx, task.ID)
	if resumed.Status != TaskAssigned {
		t.Fatalf("task status after resolve = %s, want assigned", resumed.Status)
	}
	if resumed.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want unchanged (0)", resumed.AttemptCount)
	}
}

func TestCheckpointCreateAndRestore(t *testing.T) {
	// A checkpoint restore reproduces the pre-mutation row-level state.
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "p1", "P1", "u")
	s.UpdateProjectStatus(ctx, "p1", ProjectRunning)

	var taskIDs []string
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		s.CreateTask(ctx, id, "p1", "task-"+id, 0, nil, "{}")
		taskIDs = append(taskIDs, id)
	}
	for i := 0; i < 3; i++ {
		s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := s.TransitionTask(ctx, tx, taskIDs[i], TaskPending, TaskAssigned); err != nil {
				return err
			}
			if err := s.TransitionTask(ctx, tx, taskIDs[i], TaskAssigned, TaskInProgress); err != nil {
				return err
			}
			return s.TransitionTask(ctx, tx, taskIDs[i], TaskInProgress, TaskCompleted)
		})
	}

	cp, err := s.CreateCheckpoint(ctx, "cp1", "p1", "pre-refactor", "", "")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	for i := 3; i < 5; i++ {
		s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := s.TransitionTask(ctx, tx, taskIDs[i], TaskPending, TaskAssigned); err != nil {
				return err
			}
			if err := s.TransitionTask(ctx, tx, taskIDs[i], TaskAssigned, TaskInProgress); err != nil {
				return err
			}
			return s.TransitionTask(ctx, tx, taskIDs[i], TaskInProgress, TaskCompleted)
		})
	}

	snap, err := RestoreSnapshot(cp.StateSnapshotBlob)
	if err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	err = s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.ApplyRestoreTx(ctx, tx, snap)
	})
	if err != nil {
		t.Fatalf("ApplyRestoreTx: %v", err)
	}

	completed, err := s.ListTasks(ctx, "p1", statusPtr(TaskCompleted))
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 3 {
		t.Fatalf("got %d completed tasks after restore, want 3", len(completed))
	}
}

func statusPtr(s TaskStatus) *TaskStatus { return &s }

package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.New(nil, st)
	blockers := blocker.New(st, bus)
	// gate is nil-safe-ish only via a zero Gate with a no-op sandbox; most
	// scheduler tests never reach OnTaskFinalized's gate.Run call, and the
	// ones that do construct their own Scheduler with a real fake sandbox.
	return New(st, bus, blockers, qualitygate.New(noopSandbox{}, nil, ""), nil), st
}

type noopSandbox struct{}

func (noopSandbox) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	return "", "", 0, nil
}

func mustPayload(t *testing.T, requiredType store.AgentType) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"required_agent_type": requiredType})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestAssignTaskRejectsAgentWithoutActiveAssignment(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "desc", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	task, err := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AssignTask(ctx, task.ID, "a1"); err == nil {
		t.Fatal("expected rejection: agent has no active assignment on project")
	}
}

func TestNextTaskForRespectsAgentTypeFitness(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "desc", "u"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "fe1", store.AgentFrontend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(ctx, "p1", "fe1", "frontend"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.CreateTask(ctx, "backend-task", "p1", "backend work", 0, nil, mustPayload(t, store.AgentBackend)); err != nil {
		t.Fatal(err)
	}

	task, err := s.NextTaskFor(ctx, "fe1", "p1")
	if err != nil {
		t.Fatalf("NextTaskFor: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no fit for frontend agent against a backend-only task, got %v", task)
	}

	if _, err := st.CreateTask(ctx, "frontend-task", "p1", "frontend work", 0, nil, mustPayload(t, store.AgentFrontend)); err != nil {
		t.Fatal(err)
	}
	task, err = s.NextTaskFor(ctx, "fe1", "p1")
	if err != nil {
		t.Fatalf("NextTaskFor: %v", err)
	}
	if task == nil || task.ID != "frontend-task" {
		t.Fatalf("expected frontend-task, got %v", task)
	}
}

func TestNextTaskForHonorsDependencies(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "desc", "u"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(ctx, "p1", "a1", "backend"); err != nil {
		t.Fatal(err)
	}

	dep, err := st.CreateTask(ctx, "dep", "p1", "first", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(ctx, "dependent", "p1", "second", 0, []string{dep.ID}, "{}"); err != nil {
		t.Fatal(err)
	}

	task, err := s.NextTaskFor(ctx, "a1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.ID != dep.ID {
		t.Fatalf("expected the dependency-free task first, got %v", task)
	}
}

func TestTickAssignsReadyTasksToIdleAgents(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "desc", "u"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(ctx, "p1", "a1", "backend"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}"); err != nil {
		t.Fatal(err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	task, _ := st.GetTask(ctx, "t1")
	if task.Status != store.TaskAssigned || task.AssignedTo != "a1" {
		t.Fatalf("task = %+v, want assigned to a1", task)
	}
}

func TestOnTaskFinalizedCompletesOnPassingGate(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "p1", "P1", "desc", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAgent(ctx, "a1", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(ctx, "p1", "a1", "backend"); err != nil {
		t.Fatal(err)
	}
	task, err := st.CreateTask(ctx, "t1", "p1", "work", 0, nil, "{}")
	if err != nil {
		t.Fatal(err)
	}
	assignAndStart(t, st, task.ID, "a1")

	pipeline, err := s.OnTaskFinalized(ctx, task.ID, "a1", FinalizeOutcome{Fingerprint: "fp1"})
	if err != nil {
		t.Fatalf("OnTaskFinalized: %v", err)
	}
	if pipeline.Status != qualitygate.StatusPassed {
		t.Fatalf("pipeline status = %s, want passed (empty gate config skips every gate)", pipeline.Status)
	}

	done, _ := st.GetTask(ctx, task.ID)
	if done.Status != store.TaskCompleted {
		t.Fatalf("task status = %s, want completed", done.Status)
	}
}

func assignAndStart(t *testing.T, st *store.Store, taskID, agentID string) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := st.TransitionTask(ctx, tx, taskID, store.TaskPending, store.TaskAssigned, store.WithAssignedTo(agentID)); err != nil {
			return err
		}
		return st.TransitionTask(ctx, tx, taskID, store.TaskAssigned, store.TaskInProgress)
	})
	if err != nil {
		t.Fatal(err)
	}
}

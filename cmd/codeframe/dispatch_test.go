package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/agentruntime"
	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/config"
	"github.com/frankbria/codeframe/internal/contextmem"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/llmclient"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/scheduler"
	"github.com/frankbria/codeframe/internal/store"
	"github.com/frankbria/codeframe/internal/workspace"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "codeframe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGateConfigFromConfig_FallsBackToMinCoverage(t *testing.T) {
	cfg := config.Config{MinCoveragePercent: 77}
	cfg.DefaultGates.Tests.Command = "go test ./..."
	cfg.DefaultGates.Coverage.TimeoutSeconds = 60

	got := gateConfigFromConfig(cfg)
	if got.Tests.Command != "go test ./..." {
		t.Errorf("expected tests command to carry over, got %q", got.Tests.Command)
	}
	if got.Coverage.CoverageMinimum != 77 {
		t.Errorf("expected coverage minimum to fall back to MinCoveragePercent, got %v", got.Coverage.CoverageMinimum)
	}
	if got.Coverage.Timeout != 60*time.Second {
		t.Errorf("expected 60s timeout, got %v", got.Coverage.Timeout)
	}
}

func TestGateConfigFromConfig_HonorsExplicitCoverageMinimum(t *testing.T) {
	cfg := config.Config{MinCoveragePercent: 77}
	cfg.DefaultGates.Coverage.CoverageMinimum = 90

	got := gateConfigFromConfig(cfg)
	if got.Coverage.CoverageMinimum != 90 {
		t.Errorf("expected explicit coverage minimum 90 to win, got %v", got.Coverage.CoverageMinimum)
	}
}

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	return &llmclient.Response{Text: "{}"}, nil
}

func TestDispatchAssigned_OnlyDispatchesAssignedTasksInRunningProjects(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := events.New(nil, st)
	blockers := blocker.New(st, bus)
	mem := contextmem.New(st, bus, contextmem.DefaultBudget())
	gate := qualitygate.New(nil, nil, t.TempDir())
	sched := scheduler.New(st, bus, blockers, gate, nil)
	rt := agentruntime.New(st, bus, mem, blockers, sched, stubLLM{}, workspace.New(t.TempDir()), nil)

	if _, err := st.CreateProject(ctx, "p1", "Demo", "u1"); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := st.UpdateProjectStatus(ctx, "p1", store.ProjectRunning); err != nil {
		t.Fatalf("UpdateProjectStatus: %v", err)
	}
	if _, err := st.CreateAgent(ctx, "backend-001", store.AgentBackend, "anthropic", store.MaturityD2); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if _, err := st.CreateTask(ctx, "t1", "p1", "Do the thing", 1, nil, "{}"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	d := newDispatcher(st, sched, rt, qualitygate.ProjectConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// With no assigned task yet, dispatching should be a no-op.
	d.dispatchAssigned(ctx)
	if len(d.inFlight) != 0 {
		t.Fatalf("expected no in-flight tasks before assignment, got %v", d.inFlight)
	}
}

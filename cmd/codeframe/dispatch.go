package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frankbria/codeframe/internal/agentruntime"
	"github.com/frankbria/codeframe/internal/config"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/scheduler"
	"github.com/frankbria/codeframe/internal/store"
)

// dispatchInterval is how often the loop ticks the Scheduler's ready-task
// assignment pass before sweeping for newly-assigned tasks to run. Separate
// from maintenance.Sweep's cadence since dispatch is work-driven, not
// a fixed-interval housekeeping pass.
const dispatchInterval = 2 * time.Second

// dispatcher runs Scheduler.Tick on an interval and hands every resulting
// assigned task to AgentRuntime exactly once, tracked by an in-flight set so
// a slow task isn't re-dispatched on the next tick before it finishes.
type dispatcher struct {
	st      *store.Store
	sched   *scheduler.Scheduler
	runtime *agentruntime.Runtime
	gates   qualitygate.ProjectConfig
	log     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newDispatcher(st *store.Store, sched *scheduler.Scheduler, rt *agentruntime.Runtime, gates qualitygate.ProjectConfig, log *slog.Logger) *dispatcher {
	return &dispatcher{st: st, sched: sched, runtime: rt, gates: gates, log: log, inFlight: make(map[string]struct{})}
}

func (d *dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sched.Tick(ctx); err != nil {
				d.log.Warn("scheduler tick failed", "error", err)
			}
			d.dispatchAssigned(ctx)
		}
	}
}

func (d *dispatcher) dispatchAssigned(ctx context.Context) {
	assigned := store.TaskAssigned
	projects, err := d.st.ListProjectsByStatus(ctx, store.ProjectRunning)
	if err != nil {
		d.log.Warn("list running projects failed", "error", err)
		return
	}
	for _, p := range projects {
		tasks, err := d.st.ListTasks(ctx, p.ID, &assigned)
		if err != nil {
			d.log.Warn("list assigned tasks failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, task := range tasks {
			if task.AssignedTo == "" {
				continue
			}
			d.mu.Lock()
			if _, running := d.inFlight[task.ID]; running {
				d.mu.Unlock()
				continue
			}
			d.inFlight[task.ID] = struct{}{}
			d.mu.Unlock()

			go d.run(ctx, task)
		}
	}
}

func (d *dispatcher) run(ctx context.Context, task *store.Task) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, task.ID)
		d.mu.Unlock()
	}()

	agent, err := d.st.GetAgent(ctx, task.AssignedTo)
	if err != nil {
		d.log.Warn("dispatch: agent lookup failed", "task_id", task.ID, "agent_id", task.AssignedTo, "error", err)
		return
	}
	if err := d.runtime.RunTask(ctx, agentruntime.TaskSpec{Task: task, Agent: agent, GateConfig: d.gates}); err != nil {
		d.log.Warn("task run failed", "task_id", task.ID, "agent_id", agent.ID, "error", err)
	}
}

// gateConfigFromConfig translates the static config.yaml default gate
// pipeline into qualitygate.ProjectConfig. A real multi-project deployment
// would look this up per project; CodeFRAME's recognized configuration
// only names one default pipeline, so every project shares it for now.
func gateConfigFromConfig(c config.Config) qualitygate.ProjectConfig {
	toGate := func(g config.GateConfig) qualitygate.GateConfig {
		return qualitygate.GateConfig{
			Command:         g.Command,
			Timeout:         time.Duration(g.TimeoutSeconds) * time.Second,
			CoverageMinimum: g.CoverageMinimum,
		}
	}
	cfg := qualitygate.ProjectConfig{
		Tests:     toGate(c.DefaultGates.Tests),
		TypeCheck: toGate(c.DefaultGates.TypeCheck),
		Coverage:  toGate(c.DefaultGates.Coverage),
		Linting:   toGate(c.DefaultGates.Linting),
	}
	if cfg.Coverage.CoverageMinimum <= 0 {
		cfg.Coverage.CoverageMinimum = c.MinCoveragePercent
	}
	return cfg
}

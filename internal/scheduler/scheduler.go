// Package scheduler is the Scheduler (C8): the sole mutator of Task and
// Assignment lifecycles, combining ready-task selection, a per-agent
// dispatch loop, and a bounded self-correction retry counter into a
// multi-project, multi-agent, role-aware dispatch with an explicit
// quality-gate finalization step.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/store"
)

// maxSelfCorrectionAttempts bounds AgentRuntime re-invocation on gate
// failure before escalating to a SYNC blocker.
const maxSelfCorrectionAttempts = 3

// Scheduler holds the authoritative lifecycle logic. It is the sole
// mutator of Task/Assignment rows; ContextManager and BlockerQueue each own
// a narrow carve-out of Task.status (memory and the blocked<->assigned edge,
// respectively) but every other transition goes through here.
type Scheduler struct {
	store       *store.Store
	bus         *events.Bus
	blockers    *blocker.Queue
	gate        *qualitygate.Gate
	log         *slog.Logger
	maxSelfCorrect int
}

func New(st *store.Store, bus *events.Bus, blockers *blocker.Queue, gate *qualitygate.Gate, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, bus: bus, blockers: blockers, gate: gate, log: log, maxSelfCorrect: maxSelfCorrectionAttempts}
}

// SetMaxSelfCorrectionAttempts overrides the self-correction retry budget
// (default 3) — exposed so MAX_SELF_CORRECT_ATTEMPTS from config
// can reach the Scheduler without a constructor-argument explosion.
func (s *Scheduler) SetMaxSelfCorrectionAttempts(n int) {
	if n > 0 {
		s.maxSelfCorrect = n
	}
}

// publish is best-effort: event emission never fails an operation. Failure
// to publish does not fail the assignment — applied here to every publish,
// not only task_assigned, since the same rationale holds for the rest.
func (s *Scheduler) publish(ctx context.Context, projectID string, typ events.Type, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, projectID, typ, payload); err != nil {
		s.log.Warn("event publish failed", "type", typ, "project_id", projectID, "error", err)
	}
}

// CreateProject creates a new project in Created/Discovery. description is
// not a persisted Project column — it is
// carried only in the project_created event payload for observers; the
// Lead Agent is expected to re-derive and persist requirements as Tasks
// during Discovery rather than the Scheduler owning free-text requirements.
func (s *Scheduler) CreateProject(ctx context.Context, id, name, description, userID string) (*store.Project, error) {
	p, err := s.store.CreateProject(ctx, id, name, userID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, p.ID, events.TypeProjectCreated, map[string]any{"name": name, "description": description})
	return p, nil
}

func (s *Scheduler) AssignAgent(ctx context.Context, projectID, agentID, role string) error {
	if err := s.store.AssignAgent(ctx, projectID, agentID, role); err != nil {
		return err
	}
	s.publish(ctx, projectID, events.TypeAgentAssigned, map[string]any{"agent_id": agentID, "role": role})
	return nil
}

func (s *Scheduler) UnassignAgent(ctx context.Context, projectID, agentID string) error {
	if err := s.store.UnassignAgent(ctx, projectID, agentID); err != nil {
		return err
	}
	s.publish(ctx, projectID, events.TypeAgentUnassigned, map[string]any{"agent_id": agentID})
	return nil
}

func (s *Scheduler) UpdateRole(ctx context.Context, projectID, agentID, role string) error {
	return s.store.UpdateRole(ctx, projectID, agentID, role)
}

// Start transitions a project to Running, which unlocks it for dispatch-tick
// consideration; Discovery proceeds as the Lead Agent's first assigned task
// rather than anything the Scheduler itself drives.
func (s *Scheduler) Start(ctx context.Context, projectID string) error {
	if err := s.store.UpdateProjectStatus(ctx, projectID, store.ProjectRunning); err != nil {
		return err
	}
	s.publish(ctx, projectID, events.TypeProjectStatusChanged, map[string]any{"status": store.ProjectRunning})
	return nil
}

func (s *Scheduler) Pause(ctx context.Context, projectID string) error {
	if err := s.store.UpdateProjectStatus(ctx, projectID, store.ProjectPaused); err != nil {
		return err
	}
	s.publish(ctx, projectID, events.TypeProjectStatusChanged, map[string]any{"status": store.ProjectPaused})
	return nil
}

func (s *Scheduler) Resume(ctx context.Context, projectID string) error {
	if err := s.store.UpdateProjectStatus(ctx, projectID, store.ProjectRunning); err != nil {
		return err
	}
	s.publish(ctx, projectID, events.TypeProjectStatusChanged, map[string]any{"status": store.ProjectRunning})
	return nil
}

// taskPayload is the subset of a Task's free-form JSON payload the
// Scheduler itself reads. required_agent_type implements a no-work-stealing
// rule across agent types — a task with no required type is
// fit for any agent with an active assignment (e.g. a lead-only task).
type taskPayload struct {
	RequiredAgentType store.AgentType `json:"required_agent_type,omitempty"`
}

func readRequiredAgentType(payloadJSON string) store.AgentType {
	var p taskPayload
	if payloadJSON == "" {
		return ""
	}
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return ""
	}
	return p.RequiredAgentType
}

// AssignTask validates its preconditions and transitions a task to
// assigned. fromStatus must be the task's current status (pending, or
// blocked when re-dispatched after a blocker resolves back to assigned by
// BlockerQueue rather than here).
func (s *Scheduler) AssignTask(ctx context.Context, taskID, agentID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == store.TaskCompleted || task.Status == store.TaskFailed {
		return core.Validationf("assign_task", "task %s is already terminal (%s)", taskID, task.Status)
	}
	active, err := s.store.HasActiveAssignment(ctx, task.ProjectID, agentID)
	if err != nil {
		return err
	}
	if !active {
		return core.Validationf("assign_task", "agent %s has no active assignment on project %s", agentID, task.ProjectID)
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentBlocked || agent.Status == store.AgentOffline {
		return core.Validationf("assign_task", "agent %s is not available (%s)", agentID, agent.Status)
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.store.TransitionTask(ctx, tx, taskID, task.Status, store.TaskAssigned, store.WithAssignedTo(agentID))
	})
	if err != nil {
		return err
	}

	s.publish(ctx, task.ProjectID, events.TypeTaskAssigned, map[string]any{"task_id": taskID, "agent_id": agentID})
	return nil
}

// StartTask moves an assigned task into in_progress, the transition
// AgentRuntime drives immediately before it begins a run so a later
// OnTaskFinalized (which only accepts in_progress -> review) always finds a
// legal source state, and so a lease can be attached.
func (s *Scheduler) StartTask(ctx context.Context, taskID, agentID string, leaseExpiresAt time.Time) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == store.TaskInProgress {
		return nil
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.store.TransitionTask(ctx, tx, taskID, store.TaskAssigned, store.TaskInProgress,
			store.WithAssignedTo(agentID), store.WithLease(agentID, leaseExpiresAt))
	})
	if err != nil {
		return err
	}
	s.publish(ctx, task.ProjectID, events.TypeTaskAssigned, map[string]any{"task_id": taskID, "agent_id": agentID, "started": true})
	return nil
}

// NextTaskFor finds the highest-priority ready task in projectID fit for
// agentID's type, or nil if none is ready. "Fit" means either the task
// names no required_agent_type, or it matches agentID's type exactly —
// there is no partial/fallback matching — a backend task is never
// dispatched to a frontend agent, and the same holds for every type pairing.
func (s *Scheduler) NextTaskFor(ctx context.Context, agentID, projectID string) (*store.Task, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != store.AgentIdle {
		return nil, nil
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != store.ProjectRunning {
		return nil, nil
	}

	// GetNextReadyTask returns the single highest-priority ready task overall;
	// if it doesn't fit this agent's type there may still be a lower-priority
	// one that does, so the fitness filter walks every pending task in the
	// Store's own priority order rather than taking its single top candidate.
	candidates, err := s.store.ListTasks(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if t.Status != store.TaskPending {
			continue
		}
		required := readRequiredAgentType(t.Payload)
		if required != "" && required != agent.Type {
			continue
		}
		if ok, err := s.dependenciesSatisfied(ctx, t); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		return t, nil
	}
	return nil, nil
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, t *store.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep.Status != store.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Tick runs one dispatch pass over every Running project: for each idle
// agent, in stable agent_id order,
// assign the best-fit ready task. Projects are visited round-robin within
// the tick so a single large project can't monopolize idle agents that
// also serve smaller ones.
func (s *Scheduler) Tick(ctx context.Context) error {
	projects, err := s.store.ListProjectsByStatus(ctx, store.ProjectRunning)
	if err != nil {
		return err
	}
	for _, p := range projects {
		agents, err := s.store.GetAgentsForProject(ctx, p.ID, true)
		if err != nil {
			return err
		}
		for _, av := range agents {
			if av.Status != store.AgentIdle {
				continue
			}
			t, err := s.NextTaskFor(ctx, av.ID, p.ID)
			if err != nil {
				s.log.Warn("next_task_for failed", "agent_id", av.ID, "project_id", p.ID, "error", err)
				continue
			}
			if t == nil {
				continue
			}
			if err := s.AssignTask(ctx, t.ID, av.ID); err != nil {
				s.log.Warn("assign_task failed", "task_id", t.ID, "agent_id", av.ID, "error", err)
			}
		}
	}
	return nil
}

// FinalizeOutcome is what AgentRuntime supplies to OnTaskFinalized: enough
// to run QualityGate and classify the result.
type FinalizeOutcome struct {
	Fingerprint string
	GateConfig  qualitygate.ProjectConfig
	RunReview   func(ctx context.Context) (*store.ReviewReport, error)
}

// OnTaskFinalized runs QualityGate for a task an AgentRuntime has signaled
// done, then applies the disposition: pass -> completed; blocking
// failure with a critical severity or with self-correction attempts
// exhausted -> SYNC blocker; otherwise -> reopened as assigned with the
// attempt counter incremented.
func (s *Scheduler) OnTaskFinalized(ctx context.Context, taskID, agentID string, outcome FinalizeOutcome) (*qualitygate.PipelineResult, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.store.TransitionTask(ctx, tx, taskID, task.Status, store.TaskReview)
	})
	if err != nil {
		return nil, err
	}

	pipeline := s.gate.Run(ctx, taskID, outcome.Fingerprint, outcome.GateConfig, outcome.RunReview)
	s.publish(ctx, task.ProjectID, events.TypeQualityGateResult, map[string]any{
		"task_id": taskID, "status": pipeline.Status, "blocking_failures": pipeline.BlockingFailures,
	})

	if pipeline.Status == qualitygate.StatusPassed {
		if err := s.completeTask(ctx, task); err != nil {
			return pipeline, err
		}
		return pipeline, nil
	}

	severity := highestSeverity(pipeline.BlockingFailures)
	attemptsExhausted := task.AttemptCount+1 >= s.maxSelfCorrect
	if severity == store.SeverityCritical || attemptsExhausted {
		reason := summarizeFailures(pipeline.BlockingFailures)
		if s.blockers != nil {
			if _, err := s.blockers.Raise(ctx, newBlockerID(taskID), taskID, store.TaskReview, agentID, store.BlockerSync, severity, reason, nil); err != nil {
				return pipeline, err
			}
		}
		return pipeline, nil
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.store.TransitionTask(ctx, tx, taskID, store.TaskReview, store.TaskAssigned, store.WithAttemptIncrement())
	})
	if err != nil {
		return pipeline, err
	}
	s.publish(ctx, task.ProjectID, events.TypeTaskAssigned, map[string]any{"task_id": taskID, "agent_id": agentID, "self_correction": true})
	return pipeline, nil
}

func (s *Scheduler) completeTask(ctx context.Context, task *store.Task) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.store.TransitionTask(ctx, tx, task.ID, store.TaskReview, store.TaskCompleted)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, task.ProjectID, events.TypeTaskCompleted, map[string]any{"task_id": task.ID})

	// Dependent tasks become ready on their own at the next dispatch tick:
	// GetNextReadyTask/NextTaskFor re-evaluate task_dependencies live, so
	// there is no separate "unblock dependents" write here.

	allDone, err := s.allTasksTerminal(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if allDone {
		if err := s.store.UpdateProjectPhase(ctx, task.ProjectID, store.PhaseDone); err != nil {
			return err
		}
		if err := s.store.UpdateProjectStatus(ctx, task.ProjectID, store.ProjectCompleted); err != nil {
			return err
		}
		s.publish(ctx, task.ProjectID, events.TypeProjectStatusChanged, map[string]any{"status": store.ProjectCompleted})
	}
	return nil
}

// ReclaimExpiredLease requeues a task whose AgentRuntime lease expired
// without a clean finalize back to assigned, treating the lapse as an
// infrastructure hiccup rather
// than a quality-gate failure — the next dispatch tick picks it back up,
// by the same agent or another one fit for its type.
func (s *Scheduler) ReclaimExpiredLease(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.RequeueExpiredLease(ctx, taskID); err != nil {
		return err
	}
	s.publish(ctx, task.ProjectID, events.TypeTaskAssigned, map[string]any{"task_id": taskID, "lease_reclaimed": true})
	return nil
}

func (s *Scheduler) allTasksTerminal(ctx context.Context, projectID string) (bool, error) {
	tasks, err := s.store.ListTasks(ctx, projectID, nil)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted && t.Status != store.TaskFailed {
			return false, nil
		}
	}
	return true, nil
}

func highestSeverity(failures []qualitygate.BlockingFailure) store.BlockerSeverity {
	rank := map[store.BlockerSeverity]int{
		store.SeverityLow: 0, store.SeverityMedium: 1, store.SeverityHigh: 2, store.SeverityCritical: 3,
	}
	best := store.SeverityLow
	for _, f := range failures {
		if rank[f.Severity] > rank[best] {
			best = f.Severity
		}
	}
	return best
}

func summarizeFailures(failures []qualitygate.BlockingFailure) string {
	if len(failures) == 0 {
		return "quality gate failed"
	}
	msg := fmt.Sprintf("%s: %s", failures[0].Gate, failures[0].Reason)
	for _, f := range failures[1:] {
		msg += fmt.Sprintf("; %s: %s", f.Gate, f.Reason)
	}
	return msg
}

func newBlockerID(taskID string) string {
	return "qg-" + taskID + "-" + core.NewID()
}

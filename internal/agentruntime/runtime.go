// Package agentruntime is AgentRuntime (C9): the per-worker-agent loop that
// hydrates context, invokes the opaque LLMClient, applies file changes
// through the workspace facade, and finalizes a task through the Scheduler
// (which in turn drives QualityGate/ReviewCache), with explicit
// self-correction re-invocation and SYNC-blocker suspension.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/contextmem"
	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/llmclient"
	otelpkg "github.com/frankbria/codeframe/internal/otel"
	"github.com/frankbria/codeframe/internal/pricing"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/scheduler"
	"github.com/frankbria/codeframe/internal/store"
	"github.com/frankbria/codeframe/internal/tokenutil"
	"github.com/frankbria/codeframe/internal/workspace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxInfraRetries bounds LLMError(transient)/workspace-IO retry before the
// failure is converted to a SYNC blocker: infrastructure errors retry up to
// N times with backoff, then convert to a SYNC blocker.
const maxInfraRetries = 3

// leaseRenewInterval is how often a working task's lease_expires_at is
// refreshed while AgentRuntime holds it.
const leaseRenewInterval = 20 * time.Second

const leaseDuration = 90 * time.Second

// TaskSpec is what a caller (the dispatch loop) hands to RunTask: enough to
// build a prompt and the project's gate configuration, since AgentRuntime
// itself has no notion of "how to prompt for a backend task" beyond what
// the task's payload and title carry.
type TaskSpec struct {
	Task       *store.Task
	Agent      *store.Agent
	GateConfig qualitygate.ProjectConfig
}

// Change mirrors workspace.Change; kept as a distinct type so llmclient
// callers don't need to import the workspace package just to describe a
// file edit in tool-call JSON.
type Change = workspace.Change

// Runtime drives one agent's task loop. It is stateless across tasks aside
// from the dependencies below; AgentRuntime itself is not the authority on
// task lifecycle (Scheduler is) — it only reports outcomes upward.
type Runtime struct {
	store     *store.Store
	bus       *events.Bus
	memory    *contextmem.Manager
	blockers  *blocker.Queue
	sched     *scheduler.Scheduler
	llm       llmclient.Client
	workspace *workspace.Workspace
	log       *slog.Logger
	model     string
	tracer    trace.Tracer
	metrics   *otelpkg.Metrics
}

func New(st *store.Store, bus *events.Bus, mem *contextmem.Manager, blockers *blocker.Queue, sched *scheduler.Scheduler, llm llmclient.Client, ws *workspace.Workspace, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{store: st, bus: bus, memory: mem, blockers: blockers, sched: sched, llm: llm, workspace: ws, log: log}
}

// SetModel records the LLM model name used for cost estimation. Left
// unset, cost is simply never reported since pricing.EstimateCost has no
// per-model rate to apply without it.
func (r *Runtime) SetModel(model string) {
	r.model = model
}

// SetTelemetry wires a tracer and metrics instruments into the task loop.
// Left unset (the zero value), RunTask and recordCost skip span/metric
// recording entirely rather than requiring a no-op tracer at every call
// site.
func (r *Runtime) SetTelemetry(tracer trace.Tracer, metrics *otelpkg.Metrics) {
	r.tracer = tracer
	r.metrics = metrics
}

// agentOutput is the tagged-variant shape the LLM's final answer is parsed
// as — the agent's own structured turn output, rather than free text.
type agentOutput struct {
	Summary string            `json:"summary"`
	Changes []workspace.Change `json:"changes"`
	Done    bool              `json:"done"`
}

// RunTask hydrates context, generates a turn, applies any file changes,
// and finalizes through the quality gate and review cache for one assigned
// task. It returns once the task has reached a terminal disposition for
// this invocation: completed, reopened for self-correction (caller
// re-dispatches via the next Tick), or blocked (SYNC blocker raised, or
// raised earlier by a tool call and already waited-on inline).
func (r *Runtime) RunTask(ctx context.Context, spec TaskSpec) error {
	task, agent := spec.Task, spec.Agent

	if r.tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartSpan(ctx, r.tracer, "agent_runtime.run_task",
			otelpkg.AttrAgentID.String(agent.ID),
			otelpkg.AttrTaskID.String(task.ID),
			otelpkg.AttrProjectID.String(task.ProjectID),
		)
		started := time.Now()
		defer func() {
			if r.metrics != nil {
				r.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds())
			}
			span.End()
		}()
	}

	if err := r.sched.StartTask(ctx, task.ID, agent.ID, time.Now().UTC().Add(leaseDuration)); err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	r.publishWorking(ctx, agent.ID)
	defer r.publishIdle(ctx, agent.ID)

	stop := r.startLeaseHeartbeat(ctx, task.ID, agent.ID)
	defer stop()

	// Step 1: hydrate context (HOT+WARM only; COLD needs an explicit
	// rehydrate request, which this step never issues).
	memItems, err := r.memory.Retrieve(ctx, agent.ID, "", false)
	if err != nil {
		return fmt.Errorf("hydrate context: %w", err)
	}

	prompt := buildPrompt(task, memItems)
	tools := r.toolsFor(ctx, task, agent)

	out, err := r.generateWithRetry(ctx, agent.ID, prompt, tools)
	if err != nil {
		return r.escalateInfra(ctx, task, agent, err)
	}

	// Step 3: apply file changes via the workspace facade.
	if len(out.Changes) > 0 && r.workspace != nil {
		if err := r.workspace.Apply(out.Changes); err != nil {
			return r.escalateInfra(ctx, task, agent, err)
		}
	}

	// Step 5: flush an observation back to ContextManager before
	// finalizing, so a subsequent self-correction invocation (if any) sees
	// it on the next hydrate.
	if out.Summary != "" {
		if _, err := r.memory.Record(ctx, agent.ID, task.ProjectID, "task:"+task.ID+":summary", out.Summary, 0.6, false); err != nil {
			r.log.Warn("context record failed", "task_id", task.ID, "agent_id", agent.ID, "error", err)
		}
		if err := r.memory.Retier(ctx, agent.ID); err != nil {
			r.log.Warn("retier failed", "agent_id", agent.ID, "error", err)
		}
	}

	// Step 4: signal finalization. Scheduler runs QualityGate and decides
	// completed / reopened-for-self-correction / SYNC-blocked.
	fingerprint := fingerprintFor(task, out.Changes)
	_, err = r.sched.OnTaskFinalized(ctx, task.ID, agent.ID, scheduler.FinalizeOutcome{
		Fingerprint: fingerprint,
		GateConfig:  spec.GateConfig,
		RunReview:   r.reviewRunner(task, agent, out),
	})
	return err
}

// reviewRunner builds the review gate's RunFunc: a second LLM turn, prompted
// as a reviewer rather than an implementer, asked to return a severity-
// tagged findings list. ReviewCache (C6) ensures this only actually runs
// once per (task_id, fingerprint) even if two agents finalize concurrently.
func (r *Runtime) reviewRunner(task *store.Task, agent *store.Agent, out *agentOutput) func(ctx context.Context) (*store.ReviewReport, error) {
	return func(ctx context.Context) (*store.ReviewReport, error) {
		prompt := "Review the following change summary for correctness, security, and test coverage. " +
			`Respond as JSON: {"issues":[{"severity":"critical|high|medium|low","description":"..."}]}` +
			"\n\nTask: " + task.Title + "\nChange summary: " + out.Summary
		resp, err := r.llm.Generate(ctx, llmclient.Request{
			SessionID: "review-" + agent.ID,
			Prompt:    prompt,
			System:    "You are a meticulous code reviewer. Never rubber-stamp.",
		})
		if err != nil {
			return nil, err
		}
		issues, counts := parseReviewFindings(resp.Text)
		return &store.ReviewReport{
			TaskID:         task.ID,
			Fingerprint:    fingerprintFor(task, out.Changes),
			Issues:         issues,
			SeverityCounts: counts,
		}, nil
	}
}

func (r *Runtime) publishWorking(ctx context.Context, agentID string) {
	if err := r.store.UpdateAgentStatus(ctx, agentID, store.AgentWorking); err != nil {
		r.log.Warn("set agent working failed", "agent_id", agentID, "error", err)
	}
}

func (r *Runtime) publishIdle(ctx context.Context, agentID string) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil || agent.Status == store.AgentBlocked || agent.Status == store.AgentOffline {
		return
	}
	if err := r.store.UpdateAgentStatus(ctx, agentID, store.AgentIdle); err != nil {
		r.log.Warn("set agent idle failed", "agent_id", agentID, "error", err)
	}
}

// startLeaseHeartbeat refreshes task.lease_expires_at on an interval while
// the task is being worked, so a crashed AgentRuntime's lease eventually
// expires and the maintenance sweep can requeue the task rather than
// leaving it assigned to a dead worker forever.
func (r *Runtime) startLeaseHeartbeat(ctx context.Context, taskID, agentID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(leaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				expires := time.Now().UTC().Add(leaseDuration)
				if err := r.store.RenewTaskLease(hbCtx, taskID, agentID, expires); err != nil {
					r.log.Warn("lease renew failed", "task_id", taskID, "agent_id", agentID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// generateWithRetry invokes LLMClient.generate with an exponential backoff
// retry budget for transient failures, doubling the wait each attempt
// (200ms, 400ms, 800ms, ...).
func (r *Runtime) generateWithRetry(ctx context.Context, agentID, prompt string, tools []llmclient.ToolSpec) (*agentOutput, error) {
	wait := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxInfraRetries; attempt++ {
		resp, err := r.llm.Generate(ctx, llmclient.Request{SessionID: agentID, Prompt: prompt, Tools: tools})
		if err == nil {
			r.recordCost(ctx, agentID, prompt, resp.Text)
			out, perr := parseAgentOutput(resp.Text)
			if perr != nil {
				return nil, core.LLMPermanent("agent_generate", perr)
			}
			return out, nil
		}
		lastErr = err
		if kind, ok := core.KindOf(err); ok && kind == core.KindLLMPermanent {
			return nil, err
		}
		if attempt == maxInfraRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, core.LLMTransient("agent_generate", lastErr)
}

// recordCost estimates prompt/completion token counts and USD cost for one
// generation turn, feeds them into the token/cost metrics instruments, and
// publishes a best-effort metrics event the same way publishWorking/
// publishIdle treat agent-status publication as non-fatal. An unrecognized
// model estimates to 0 cost (pricing's own documented safe default) rather
// than blocking metrics entirely.
func (r *Runtime) recordCost(ctx context.Context, agentID, prompt, completion string) {
	promptTokens := tokenutil.EstimateTokens(prompt)
	completionTokens := tokenutil.EstimateTokens(completion)
	cost := pricing.EstimateCost(r.model, promptTokens, completionTokens)

	if r.metrics != nil {
		attrs := []attribute.KeyValue{otelpkg.AttrAgentID.String(agentID), otelpkg.AttrModel.String(r.model)}
		r.metrics.TokensUsed.Add(ctx, int64(promptTokens+completionTokens), metric.WithAttributes(attrs...))
		r.metrics.CostUSD.Add(ctx, cost, metric.WithAttributes(attrs...))
	}

	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, "", events.TypeAgentCostRecorded, map[string]any{
		"agent_id":          agentID,
		"model":             r.model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"cost_usd":          cost,
	}); err != nil {
		r.log.Warn("cost event publish failed", "agent_id", agentID, "error", err)
	}
}

func parseAgentOutput(text string) (*agentOutput, error) {
	var out agentOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Not every model turn produces structured JSON (e.g. a pure
		// clarifying question handled entirely through a blocker tool
		// call) — fall back to a plain summary-only turn.
		return &agentOutput{Summary: text, Done: true}, nil
	}
	return &out, nil
}

// escalateInfra raises a SYNC blocker once the retry budget above is
// exhausted.
func (r *Runtime) escalateInfra(ctx context.Context, task *store.Task, agent *store.Agent, cause error) error {
	if r.blockers == nil {
		return cause
	}
	id := "infra-" + task.ID + "-" + core.NewID()
	_, err := r.blockers.Raise(ctx, id, task.ID, task.Status, agent.ID, store.BlockerSync, store.SeverityHigh,
		fmt.Sprintf("infrastructure error after %d attempts: %v", maxInfraRetries, cause), nil)
	if err != nil {
		return err
	}
	return nil
}

func buildPrompt(task *store.Task, memItems []*store.MemoryItem) string {
	prompt := "Task: " + task.Title + "\n"
	if task.Error != "" {
		prompt += "Previous gate failure: " + task.Error + "\n"
	}
	for _, m := range memItems {
		prompt += "[" + string(m.Tier) + "] " + m.Key + ": " + m.Value + "\n"
	}
	return prompt
}

func fingerprintFor(task *store.Task, changes []workspace.Change) string {
	return core.ContentFingerprint(task.ID, changes)
}

// parseReviewFindings reduces the reviewer turn's JSON into the Issues/
// SeverityCounts pair ReviewReport stores: a JSON issues array plus a
// derived severity histogram.
func parseReviewFindings(text string) (issuesJSON, countsJSON string) {
	var parsed struct {
		Issues []struct {
			Severity    string `json:"severity"`
			Description string `json:"description"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return "[]", `{}`
	}
	counts := map[string]int{}
	for _, is := range parsed.Issues {
		counts[is.Severity]++
	}
	issuesBytes, _ := json.Marshal(parsed.Issues)
	countsBytes, _ := json.Marshal(counts)
	return string(issuesBytes), string(countsBytes)
}

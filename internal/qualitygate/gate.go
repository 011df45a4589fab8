// Package qualitygate is QualityGate (C5): an ordered pipeline of gates
// (tests, type_check, coverage, review, linting) run at task completion,
// executed through a bounded-resource sandbox (memory/CPU/network-bounded
// ephemeral container exec) that runs a project-configured gate command
// and classifies its outcome against a blocking policy.
package qualitygate

import (
	"context"
	"fmt"
	"time"

	otelpkg "github.com/frankbria/codeframe/internal/otel"
	"github.com/frankbria/codeframe/internal/reviewcache"
	"github.com/frankbria/codeframe/internal/store"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Status is a single gate's outcome.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is one gate's outcome. Severity is only meaningful when
// Status is failed; it overrides the gate's default blocking severity when
// the gate itself can tell critical from non-critical failures (review).
type Result struct {
	Gate     string
	Status   Status
	Details  string
	Duration time.Duration
	Severity store.BlockerSeverity
}

// BlockingFailure is a failed blocking gate's summary, consumed by the
// Scheduler to decide between self-correction and a SYNC blocker.
type BlockingFailure struct {
	Gate     string
	Severity store.BlockerSeverity
	Reason   string
	Details  string
}

// PipelineResult is the outcome of running every configured gate for a task.
type PipelineResult struct {
	Status           Status
	Results          []Result
	BlockingFailures []BlockingFailure
}

// Sandbox runs a single bounded-resource command in an ephemeral container.
type Sandbox interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// GateConfig is a project's configured command for one gate. An empty
// Command means the gate is skipped.
type GateConfig struct {
	Command         string
	Timeout         time.Duration
	CoverageMinimum float64 // only consulted for the coverage gate
}

// ProjectConfig is the full per-project gate configuration. Linting is
// never blocking regardless of exit code; failures are recorded as advisory.
type ProjectConfig struct {
	Tests      GateConfig
	TypeCheck  GateConfig
	Coverage   GateConfig
	Linting    GateConfig
}

// Gate runs the ordered pipeline for a task and classifies failures.
// ReviewCache is invoked directly for the review gate rather than
// through a generic Sandbox command, since review is a computed report,
// not a shell command.
type Gate struct {
	sandbox Sandbox
	reviews *reviewcache.Cache
	workDir string
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

func New(sandbox Sandbox, reviews *reviewcache.Cache, workDir string) *Gate {
	return &Gate{sandbox: sandbox, reviews: reviews, workDir: workDir}
}

// SetTelemetry wires a tracer and metrics instruments into the pipeline.
// Left unset, Run records neither spans nor metrics.
func (g *Gate) SetTelemetry(tracer trace.Tracer, metrics *otelpkg.Metrics) {
	g.tracer = tracer
	g.metrics = metrics
}

// Run executes tests, type_check, coverage, review, and linting in order
// for taskID, against cfg and the review fingerprint/runner supplied by the
// caller (AgentRuntime knows what changed and can compute a fingerprint;
// Gate itself has no notion of "what files this task touched").
func (g *Gate) Run(ctx context.Context, taskID, fingerprint string, cfg ProjectConfig, runReview reviewcache.RunFunc) *PipelineResult {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartSpan(ctx, g.tracer, "quality_gate.run", otelpkg.AttrTaskID.String(taskID))
		started := time.Now()
		defer func() {
			if g.metrics != nil {
				g.metrics.GateDuration.Record(ctx, time.Since(started).Seconds())
			}
			span.End()
		}()
	}

	pr := &PipelineResult{Status: StatusPassed}

	run := func(name string, c GateConfig, threshold func(stdout string) (Status, string)) Result {
		if c.Command == "" {
			return Result{Gate: name, Status: StatusSkipped}
		}
		start := time.Now()
		gctx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			gctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		stdout, stderr, exitCode, err := g.sandbox.Exec(gctx, c.Command, g.workDir)
		dur := time.Since(start)
		if err != nil {
			return Result{Gate: name, Status: StatusFailed, Details: fmt.Sprintf("gate_error: %v", err), Duration: dur}
		}
		if threshold != nil {
			status, details := threshold(stdout)
			return Result{Gate: name, Status: status, Details: details, Duration: dur}
		}
		if exitCode != 0 {
			return Result{Gate: name, Status: StatusFailed, Details: stderr, Duration: dur}
		}
		return Result{Gate: name, Status: StatusPassed, Duration: dur}
	}

	tests := run("tests", cfg.Tests, nil)
	pr.Results = append(pr.Results, tests)
	g.classifyBlocking(pr, tests, store.SeverityHigh, "test command failed")

	typeCheck := run("type_check", cfg.TypeCheck, nil)
	pr.Results = append(pr.Results, typeCheck)
	g.classifyBlocking(pr, typeCheck, store.SeverityMedium, "type check failed")

	coverage := run("coverage", cfg.Coverage, func(stdout string) (Status, string) {
		pct, err := parseCoveragePercent(stdout)
		if err != nil {
			return StatusFailed, fmt.Sprintf("gate_error: %v", err)
		}
		if pct < cfg.Coverage.CoverageMinimum {
			return StatusFailed, fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", pct, cfg.Coverage.CoverageMinimum)
		}
		return StatusPassed, fmt.Sprintf("coverage %.1f%%", pct)
	})
	pr.Results = append(pr.Results, coverage)
	g.classifyBlocking(pr, coverage, store.SeverityMedium, "coverage below threshold")

	review := g.runReviewGate(ctx, taskID, fingerprint, runReview)
	pr.Results = append(pr.Results, review)
	g.classifyBlocking(pr, review, store.SeverityHigh, "review found blocking issues")

	if cfg.Linting.Command != "" {
		lint := run("linting", cfg.Linting, nil)
		// Linting is never blocking; demote a "failed" exit to a
		// recorded advisory result rather than letting it affect pr.Status.
		if lint.Status == StatusFailed {
			lint.Details = "advisory: " + lint.Details
		}
		pr.Results = append(pr.Results, lint)
	}

	if g.metrics != nil && pr.Status == StatusFailed {
		g.metrics.GateFailures.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrTaskID.String(taskID)))
	}

	return pr
}

func (g *Gate) classifyBlocking(pr *PipelineResult, r Result, defaultSeverity store.BlockerSeverity, reason string) {
	if r.Status != StatusFailed {
		return
	}
	pr.Status = StatusFailed
	details := r.Details
	if details == "" {
		details = reason
	}
	severity := defaultSeverity
	if r.Severity != "" {
		severity = r.Severity
	}
	pr.BlockingFailures = append(pr.BlockingFailures, BlockingFailure{
		Gate: r.Gate, Severity: severity, Reason: reason, Details: details,
	})
}

func (g *Gate) runReviewGate(ctx context.Context, taskID, fingerprint string, runReview reviewcache.RunFunc) Result {
	if runReview == nil || g.reviews == nil {
		return Result{Gate: "review", Status: StatusSkipped}
	}
	start := time.Now()
	report, err := g.reviews.GetOrRun(ctx, taskID, fingerprint, runReview)
	dur := time.Since(start)
	if err != nil {
		return Result{Gate: "review", Status: StatusFailed, Details: fmt.Sprintf("gate_error: %v", err), Duration: dur}
	}
	counts, err := parseSeverityCounts(report.SeverityCounts)
	if err != nil {
		return Result{Gate: "review", Status: StatusFailed, Details: fmt.Sprintf("gate_error: %v", err), Duration: dur}
	}
	if counts["critical"] > 0 {
		return Result{Gate: "review", Status: StatusFailed, Duration: dur, Severity: store.SeverityCritical,
			Details: fmt.Sprintf("%d critical findings", counts["critical"])}
	}
	if counts["high"] > 0 {
		return Result{Gate: "review", Status: StatusFailed, Duration: dur, Severity: store.SeverityHigh,
			Details: fmt.Sprintf("%d high findings", counts["high"])}
	}
	return Result{Gate: "review", Status: StatusPassed, Duration: dur}
}

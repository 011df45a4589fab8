package qualitygate

import (
	"context"
	"testing"
	"time"

	"github.com/frankbria/codeframe/internal/store"
)

type fakeSandbox struct {
	byCmd map[string]fakeResult
}

type fakeResult struct {
	stdout, stderr string
	exitCode       int
}

func (f *fakeSandbox) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	r, ok := f.byCmd[cmd]
	if !ok {
		return "", "command not configured", 1, nil
	}
	return r.stdout, r.stderr, r.exitCode, nil
}

func allPassingConfig() ProjectConfig {
	return ProjectConfig{
		Tests:     GateConfig{Command: "go test ./...", Timeout: time.Second},
		TypeCheck: GateConfig{Command: "go vet ./...", Timeout: time.Second},
		Coverage:  GateConfig{Command: "go test -cover ./...", Timeout: time.Second, CoverageMinimum: 70},
		Linting:   GateConfig{Command: "golangci-lint run", Timeout: time.Second},
	}
}

func TestRunPassesWhenEveryBlockingGatePasses(t *testing.T) {
	sb := &fakeSandbox{byCmd: map[string]fakeResult{
		"go test ./...":         {exitCode: 0},
		"go vet ./...":          {exitCode: 0},
		"go test -cover ./...":  {stdout: "coverage: 85.0% of statements", exitCode: 0},
		"golangci-lint run":     {exitCode: 0},
	}}
	g := New(sb, nil, "/workspace")

	pr := g.Run(context.Background(), "t1", "fp1", allPassingConfig(), nil)
	if pr.Status != StatusPassed {
		t.Fatalf("status = %s, want passed; blocking=%v", pr.Status, pr.BlockingFailures)
	}
	if len(pr.BlockingFailures) != 0 {
		t.Fatalf("expected no blocking failures, got %v", pr.BlockingFailures)
	}
}

func TestRunFailsOnTestFailureWithHighSeverity(t *testing.T) {
	sb := &fakeSandbox{byCmd: map[string]fakeResult{
		"go test ./...":        {stderr: "FAIL", exitCode: 1},
		"go vet ./...":         {exitCode: 0},
		"go test -cover ./...": {stdout: "coverage: 85.0% of statements", exitCode: 0},
	}}
	cfg := allPassingConfig()
	cfg.Linting = GateConfig{}
	g := New(sb, nil, "/workspace")

	pr := g.Run(context.Background(), "t1", "fp1", cfg, nil)
	if pr.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", pr.Status)
	}
	if len(pr.BlockingFailures) != 1 || pr.BlockingFailures[0].Gate != "tests" {
		t.Fatalf("blocking failures = %v", pr.BlockingFailures)
	}
	if pr.BlockingFailures[0].Severity != store.SeverityHigh {
		t.Fatalf("severity = %s, want high", pr.BlockingFailures[0].Severity)
	}
}

func TestRunFailsCoverageBelowThreshold(t *testing.T) {
	sb := &fakeSandbox{byCmd: map[string]fakeResult{
		"go test ./...":        {exitCode: 0},
		"go vet ./...":         {exitCode: 0},
		"go test -cover ./...": {stdout: "coverage: 40.0% of statements", exitCode: 0},
	}}
	cfg := allPassingConfig()
	cfg.Linting = GateConfig{}
	g := New(sb, nil, "/workspace")

	pr := g.Run(context.Background(), "t1", "fp1", cfg, nil)
	if pr.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", pr.Status)
	}
	found := false
	for _, bf := range pr.BlockingFailures {
		if bf.Gate == "coverage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a coverage blocking failure, got %v", pr.BlockingFailures)
	}
}

func TestRunSkipsGateWithNoConfiguredCommand(t *testing.T) {
	sb := &fakeSandbox{byCmd: map[string]fakeResult{}}
	cfg := ProjectConfig{} // nothing configured
	g := New(sb, nil, "/workspace")

	pr := g.Run(context.Background(), "t1", "fp1", cfg, nil)
	for _, r := range pr.Results {
		if r.Gate == "linting" {
			t.Fatalf("linting should not even appear in results when unconfigured, got %v", r)
		}
		if r.Gate == "tests" && r.Status != StatusSkipped {
			t.Fatalf("tests gate status = %s, want skipped", r.Status)
		}
	}
}

func TestLintingFailureIsAdvisoryNotBlocking(t *testing.T) {
	sb := &fakeSandbox{byCmd: map[string]fakeResult{
		"go test ./...":        {exitCode: 0},
		"go vet ./...":         {exitCode: 0},
		"go test -cover ./...": {stdout: "coverage: 85.0% of statements", exitCode: 0},
		"golangci-lint run":    {stderr: "3 issues found", exitCode: 1},
	}}
	g := New(sb, nil, "/workspace")

	pr := g.Run(context.Background(), "t1", "fp1", allPassingConfig(), nil)
	if pr.Status != StatusPassed {
		t.Fatalf("status = %s, want passed (linting never blocks)", pr.Status)
	}
	for _, bf := range pr.BlockingFailures {
		if bf.Gate == "linting" {
			t.Fatalf("linting must never appear in BlockingFailures")
		}
	}
}

package agentruntime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/frankbria/codeframe/internal/core"
	"github.com/frankbria/codeframe/internal/llmclient"
	"github.com/frankbria/codeframe/internal/store"
)

// defaultBlockerWait bounds how long a tool-call-raised SYNC blocker waits
// inline before returning control to the caller with a timeout error; the
// operator-level deadline is a separate, longer-lived mechanism
// enforced by the maintenance sweep, not this inline wait.
const defaultBlockerWait = 15 * time.Minute

// toolsFor builds the tool set exposed to LLMClient.generate for one task
// turn: memory reads, workspace reads, and blocker raising — the three tool
// categories the LLM may call, mapping to ContextManager reads, file
// reads, and BlockerQueue.raise.
func (r *Runtime) toolsFor(ctx context.Context, task *store.Task, agent *store.Agent) []llmclient.ToolSpec {
	return []llmclient.ToolSpec{
		{
			Name:        "recall_memory",
			Description: "Search this agent's HOT/WARM memory for relevant prior context.",
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Query string `json:"query"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", core.Validation("recall_memory", "invalid arguments")
				}
				items, err := r.memory.Retrieve(ctx, agent.ID, args.Query, false)
				if err != nil {
					return "", err
				}
				out, err := json.Marshal(items)
				return string(out), err
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file from the project workspace.",
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", core.Validation("read_file", "invalid arguments")
				}
				if r.workspace == nil {
					return "", core.NotFound("read_file", "no workspace configured")
				}
				return r.workspace.ReadFile(args.Path)
			},
		},
		{
			Name:        "raise_blocker",
			Description: "Ask the human operator a question. kind is SYNC (wait for the answer before continuing) or ASYNC (keep working).",
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Kind     store.BlockerKind     `json:"kind"`
					Severity store.BlockerSeverity `json:"severity"`
					Prompt   string                `json:"prompt"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", core.Validation("raise_blocker", "invalid arguments")
				}
				if args.Severity == "" {
					args.Severity = store.SeverityMedium
				}
				id := "tool-" + task.ID + "-" + core.NewID()
				b, err := r.blockers.Raise(ctx, id, task.ID, task.Status, agent.ID, args.Kind, args.Severity, args.Prompt, nil)
				if err != nil {
					return "", err
				}
				if args.Kind != store.BlockerSync {
					return "blocker raised (async), continuing", nil
				}
				answer, err := r.blockers.WaitForResolution(ctx, b.ID, defaultBlockerWait)
				if err != nil {
					return "", err
				}
				return answer, nil
			},
		},
	}
}

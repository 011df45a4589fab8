// Package llmclient is the opaque boundary between AgentRuntime and
// whatever large language model backs it. AgentRuntime depends only on the
// Client interface here; GenkitClient is the concrete Genkit-backed
// implementation.
package llmclient

import "context"

// ToolSpec describes one tool the model may call during generation.
// Handler is invoked synchronously by the underlying model runtime when the
// model elects to call it; it may block (e.g. a BlockerQueue SYNC wait)
// since tool execution happens inline with generation, not after it.
type ToolSpec struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, argsJSON string) (string, error)
}

// ToolCall records that a tool fired during a Generate call, for callers
// that want to observe (e.g. for context-flush bookkeeping) without
// re-deriving it from the response text.
type ToolCall struct {
	Name   string
	Args   string
	Result string
}

// Request is one generation turn.
type Request struct {
	SessionID string
	Prompt    string
	System    string
	Tools     []ToolSpec
}

// Response is the model's final answer for a Request, plus the tool calls
// that occurred while producing it.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client is the generation boundary AgentRuntime drives. Kept minimal and
// synchronous: AgentRuntime's own loop provides iteration, budget and
// retry semantics, so Client does not need a streaming variant.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

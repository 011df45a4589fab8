// Genkit-backed implementation of Client: a provider-to-plugin switch
// (Anthropic, OpenAI/OpenAI-compatible via compat_oai, Google via
// googlegenai) using the ai.WithPrompt/WithSystem/WithTools/WithModelName
// generate-option shape, issuing one stateless Generate call per
// AgentRuntime turn rather than maintaining a long-lived chat session —
// CodeFRAME has no chat history of its own; context is supplied by
// ContextManager (C3), not by this client.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/frankbria/codeframe/internal/core"
)

// GenkitConfig selects the provider/model/credentials a GenkitClient talks to.
type GenkitConfig struct {
	Provider string // "anthropic", "openai", "openai_compatible", "openrouter", "google"
	Model    string
	APIKey   string

	// OpenAICompatibleProvider/BaseURL only apply when Provider == "openai_compatible".
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitClient implements Client by delegating one Generate call to a
// genkit.Genkit instance initialized for the configured provider.
type GenkitClient struct {
	g         *genkit.Genkit
	modelName string
	llmOn     bool
}

// NewGenkitClient initializes genkit with the plugin matching cfg.Provider.
// A missing API key degrades to a deterministic unavailable-LLM response
// rather than failing construction, so the client stays constructible
// without credentials (e.g. for tests).
func NewGenkitClient(ctx context.Context, cfg GenkitConfig) *GenkitClient {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("anthropic api key missing; llm client will return unavailable errors")
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai api key missing; llm client will return unavailable errors")
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai-compatible api key missing; llm client will return unavailable errors")
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openrouter api key missing; llm client will return unavailable errors")
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("google api key missing; llm client will return unavailable errors")
		}
	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown llm provider, llm client will return unavailable errors", "provider", provider)
	}

	return &GenkitClient{g: g, modelName: modelNameForProvider(provider, model), llmOn: llmOn}
}

// Generate runs one genkit.Generate call, translating our tool-agnostic
// ToolSpec list into ad hoc genkit tools defined fresh per call — genkit
// tools are registered against the Genkit instance, not the request, but a
// per-call definition is cheap and keeps Client's tool set caller-supplied
// rather than globally fixed (AgentRuntime's tool set varies per task).
func (c *GenkitClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if !c.llmOn {
		return nil, core.LLMPermanent("genkit_generate", fmt.Errorf("no credentials configured for the active provider"))
	}

	opts := []ai.GenerateOption{ai.WithModelName(c.modelName), ai.WithPrompt(req.Prompt)}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		tools := make([]ai.ToolRef, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, defineTool(c.g, spec))
		}
		opts = append(opts, ai.WithTools(tools...), ai.WithMaxTurns(3))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, core.LLMTransient("genkit_generate", err)
	}
	return &Response{Text: resp.Text()}, nil
}

// defineTool bridges a llmclient.ToolSpec (a name/description/JSON-string
// handler) to genkit's generic DefineTool, using map[string]any as the
// input schema so the tool's argument shape is caller-defined rather than
// fixed at compile time — AgentRuntime's tools change per task rather than
// coming from one fixed registry.
func defineTool(g *genkit.Genkit, spec ToolSpec) ai.ToolRef {
	return genkit.DefineTool(g, spec.Name, spec.Description,
		func(tc *ai.ToolContext, input map[string]any) (string, error) {
			argsJSON, err := json.Marshal(input)
			if err != nil {
				return "", fmt.Errorf("marshal tool args: %w", err)
			}
			return spec.Handler(tc, string(argsJSON))
		},
	)
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	case "google":
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"

	core "charm.land/fantasy"

	"threadloom/pkg/channel"
	"threadloom/pkg/config"
	"threadloom/pkg/provider"
	providertypes "threadloom/pkg/provider/types"
)

// LLMResponder answers a request with a single completion from a provider client.
type LLMResponder struct {
	client       provider.Client
	kind         string
	role         string
	model        string
	agent        string
	instructions string
	deps         map[string]string
	log          *slog.Logger
}

// NewLLMResponder wraps client with the instructions of kind/role.
func NewLLMResponder(client provider.Client, kind string, spec KindSpec, role string) *LLMResponder {
	return &LLMResponder{
		client:       client,
		kind:         kind,
		role:         role,
		model:        spec.Model,
		agent:        spec.Agent,
		instructions: spec.InstructionsFor(role),
		deps:         spec.Deps,
		log:          slog.Default().With("component", "responder.llm", "kind", kind, "role", role),
	}
}

func (r *LLMResponder) Respond(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, fmt.Errorf("%s/%s: query is required", r.kind, r.role)
	}

	ctx = providertypes.WithToolEventHandler(ctx, r.logToolEvent)
	req.Deps = mergeDeps(r.deps, req.Deps)

	res, err := r.client.Complete(ctx, providertypes.Request{
		System: r.instructions,
		Prompt: BuildPrompt(req),
		Model:  r.model,
		Agent:  r.agent,
	})
	if err != nil {
		return Result{}, err
	}

	if usage := res.Metadata.Usage; usage != nil && !usage.IsZero() {
		r.log.Debug("Responder completed", "model", res.Metadata.Model, "total_tokens", usage.TotalTokens)
	}
	return Result{Content: replyContent(res.Text)}, nil
}

// replyContent reads a reply that is a JSON array of layout blocks as blocks and anything
// else as markdown text.
func replyContent(text string) channel.Content {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		var blocks []map[string]any
		if err := json.Unmarshal([]byte(text), &blocks); err == nil && len(blocks) > 0 {
			return channel.Content{Blocks: blocks}
		}
	}
	return channel.TextContent(text)
}

// mergeDeps layers over on top of base. The inputs are not modified.
func mergeDeps(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	merged := make(map[string]string, len(base)+len(over))
	maps.Copy(merged, base)
	maps.Copy(merged, over)
	return merged
}

func (r *LLMResponder) logToolEvent(event providertypes.ToolEvent) {
	r.log.Debug("Tool event", "event", event.Kind, "tool", event.Tool, "duration_ms", event.DurationMs, "payload", event.Payload)
}

// BuildPrompt lays out the query followed by any extra info, dependencies and thread context.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Query))

	if extra := strings.TrimSpace(req.ExtraInfo); extra != "" {
		b.WriteString("\n\nAdditional information:\n")
		b.WriteString(extra)
	}

	if len(req.Deps) > 0 {
		keys := make([]string, 0, len(req.Deps))
		for key := range req.Deps {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteString("\n\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", key, req.Deps[key])
		}
	}

	if thread := strings.TrimSpace(req.ThreadContext); thread != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(thread)
	}

	return strings.TrimSpace(b.String())
}

// ProviderFactory builds LLM responders through provider.New. repoTools are handed to
// kinds whose tool set is "repository".
func ProviderFactory(cfg *config.Config, repoTools []core.AgentTool) Factory {
	return func(kind string, spec KindSpec, role string) (Responder, error) {
		opts := provider.Options{Model: spec.Model}
		if spec.Tools == "repository" {
			opts.Tools = repoTools
			spec.Deps = mergeDeps(spec.Deps, map[string]string{"repository": cfg.Workspace.Root})
		}

		client, err := provider.New(cfg, spec.Backend, opts)
		if err != nil {
			return nil, err
		}
		return NewLLMResponder(client, kind, spec, role), nil
	}
}

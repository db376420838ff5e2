package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	core "charm.land/fantasy"

	"threadloom/pkg/config"
	providerfantasy "threadloom/pkg/provider/fantasy"
	provideropenai "threadloom/pkg/provider/openai"
	"threadloom/pkg/provider/opencode"
	providertypes "threadloom/pkg/provider/types"
)

// Client is a stateless completion backend used by the dispatch router and responders.
type Client interface {
	Health(ctx context.Context) error
	Complete(ctx context.Context, req providertypes.Request) (providertypes.PromptResult, error)
}

// Options carries backend-specific extras. Tools are only honored by the fantasy backend.
type Options struct {
	Model        string
	Tools        []core.AgentTool
	MaxToolSteps int
}

// New builds the client for backend ("openai", "fantasy" or "opencode").
func New(cfg *config.Config, backend string, opts Options) (Client, error) {
	backend = strings.TrimSpace(backend)
	if backend == "" {
		backend = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", backend, "tools", len(opts.Tools))

	switch backend {
	case "openai":
		return provideropenai.New(cfg.Providers.OpenAI)
	case "fantasy":
		return providerfantasy.New(cfg.Providers.OpenAI,
			providerfantasy.WithModel(opts.Model),
			providerfantasy.WithTools(opts.Tools...),
			providerfantasy.WithMaxToolSteps(opts.MaxToolSteps),
		)
	case "opencode":
		return opencode.New(cfg.Providers.OpenCode)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", backend)
	}
}

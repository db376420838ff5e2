package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"threadloom/pkg/config"
	providertypes "threadloom/pkg/provider/types"
)

const (
	defaultMaxToolSteps = 20
	defaultModel        = "gpt-5-mini"
	toolLimitPrompt     = "The tool step limit was reached. Answer the original request now with what you found, without calling tools."
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type generateFunc func(context.Context, core.LanguageModel, core.AgentCall, []core.AgentOption) (*core.AgentResult, error)

// Client runs a fantasy agent, optionally with tools, for each completion.
type Client struct {
	provider        languageModelProvider
	requestTimeout  time.Duration
	modelID         string
	maxOutputTokens *int64
	temperature     *float64
	tools           []core.AgentTool
	maxToolSteps    int
	generate        generateFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithTools exposes tools to the agent.
func WithTools(tools ...core.AgentTool) Option {
	return func(c *Client) {
		c.tools = append(c.tools, tools...)
	}
}

// WithModel sets the model used by Health and by requests that name none.
func WithModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.modelID = model
		}
	}
}

// WithMaxToolSteps bounds the number of agent steps when tools are present.
func WithMaxToolSteps(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxToolSteps = n
		}
	}
}

func New(cfg config.OpenAIProviderConfig, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key is required or OPENAI_API_KEY must be set")
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	client := &Client{
		provider:       fantasyProvider,
		requestTimeout: cfg.RequestTimeout,
		modelID:        defaultModel,
		maxToolSteps:   defaultMaxToolSteps,
		generate:       generateWithFantasyAgent,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := int64(cfg.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		client.temperature = &temp
	}
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	modelID, err := normalizeOpenAIModel(c.modelID)
	if err != nil {
		return err
	}
	if _, err := c.provider.LanguageModel(ctx, modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func (c *Client) Complete(ctx context.Context, req providertypes.Request) (providertypes.PromptResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := slog.Default().With("component", "provider.fantasy", "operation", "complete")
	startedAt := time.Now()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return providertypes.PromptResult{}, errors.New("prompt is required")
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.modelID
	}
	modelID, err := normalizeOpenAIModel(model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	languageModel, err := c.provider.LanguageModel(ctx, modelID)
	if err != nil {
		return providertypes.PromptResult{}, fmt.Errorf("resolve language model: %w", err)
	}

	var history []core.Message
	if system := strings.TrimSpace(req.System); system != "" {
		history = append(history, core.Message{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: system}},
		})
	}

	call := c.newCall(prompt, history)
	log.Debug("provider request started", "model", modelID, "prompt_length", len(prompt), "tools", len(c.tools))

	result, err := c.generate(ctx, languageModel, call, c.buildAgentOptions())
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("completion failed: %w", err)
	}
	usage := usageOf(result)

	response := extractText(result.Response.Content)
	if response == "" && result.Response.FinishReason == core.FinishReasonToolCalls {
		// The step budget ran out mid tool use: ask once more, tools withheld.
		transcript := append(append([]core.Message{}, history...), core.NewUserMessage(prompt))
		for _, step := range result.Steps {
			transcript = append(transcript, step.Messages...)
		}

		summary, err := c.generate(ctx, languageModel, c.newCall(toolLimitPrompt, transcript), nil)
		if err != nil {
			return providertypes.PromptResult{}, fmt.Errorf("completion summary failed: %w", err)
		}
		response = extractText(summary.Response.Content)
		usage.Add(usageOf(summary))
	}
	if response == "" {
		return providertypes.PromptResult{}, errors.New("completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "steps", len(result.Steps))

	metadata := providertypes.PromptMetadata{
		Provider: "openai",
		Model:    modelID,
		Agent:    strings.TrimSpace(req.Agent),
	}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.PromptResult{Text: response, Metadata: metadata}, nil
}

func (c *Client) newCall(prompt string, history []core.Message) core.AgentCall {
	call := core.AgentCall{Prompt: prompt, Messages: history}
	if c.maxOutputTokens != nil {
		call.MaxOutputTokens = c.maxOutputTokens
	}
	if c.temperature != nil {
		call.Temperature = c.temperature
	}
	return call
}

func (c *Client) buildAgentOptions() []core.AgentOption {
	if len(c.tools) == 0 {
		return nil
	}

	steps := c.maxToolSteps
	if steps <= 0 {
		steps = defaultMaxToolSteps
	}

	return []core.AgentOption{
		core.WithTools(c.tools...),
		core.WithStopConditions(core.StepCountIs(steps)),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func usageOf(result *core.AgentResult) providertypes.TokenUsage {
	if result == nil {
		return providertypes.TokenUsage{}
	}
	return providertypes.TokenUsage{
		InputTokens:         result.TotalUsage.InputTokens,
		OutputTokens:        result.TotalUsage.OutputTokens,
		TotalTokens:         result.TotalUsage.TotalTokens,
		ReasoningTokens:     result.TotalUsage.ReasoningTokens,
		CacheCreationTokens: result.TotalUsage.CacheCreationTokens,
		CacheReadTokens:     result.TotalUsage.CacheReadTokens,
	}
}

func normalizeOpenAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall, options []core.AgentOption) (*core.AgentResult, error) {
	runtime := core.NewAgent(model, options...)
	return runtime.Generate(ctx, call)
}

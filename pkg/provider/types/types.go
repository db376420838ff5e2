// Package types holds the provider-neutral request and result shapes shared by the
// provider backends and the responders built on them.
package types

import (
	"context"
	"strings"
)

// Request is one stateless completion: instructions plus a single user prompt.
type Request struct {
	System string
	Prompt string
	Model  string
	// Agent is a backend-specific persona name; only opencode uses it.
	Agent string
}

type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

type PromptMetadata struct {
	Provider string
	Model    string
	Agent    string
	Usage    *TokenUsage
}

// TokenUsage is token accounting normalized across backends. Backends leave counters
// they do not report at zero.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// Add accumulates other into u, for backends that run several steps per completion.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

type ToolEventKind string

const (
	ToolCall   ToolEventKind = "call"
	ToolResult ToolEventKind = "result"
)

// ToolEvent is one repository tool call or result observed while a responder runs.
type ToolEvent struct {
	Kind       ToolEventKind
	Tool       string
	Payload    string
	DurationMs int64
}

// ToolEventHandler observes the tool events of one completion.
type ToolEventHandler func(event ToolEvent)

type toolEventHandlerKey struct{}

// WithToolEventHandler returns ctx carrying handler. A nil handler leaves ctx unchanged.
func WithToolEventHandler(ctx context.Context, handler ToolEventHandler) context.Context {
	if handler == nil {
		return ctx
	}
	return context.WithValue(ctx, toolEventHandlerKey{}, handler)
}

// EmitToolEvent hands event to the handler carried by ctx, if any.
func EmitToolEvent(ctx context.Context, event ToolEvent) {
	handler, _ := ctx.Value(toolEventHandlerKey{}).(ToolEventHandler)
	if handler == nil {
		return
	}
	event.Tool = strings.TrimSpace(event.Tool)
	event.Payload = strings.TrimSpace(event.Payload)
	handler(event)
}

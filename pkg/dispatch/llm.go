package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"threadloom/pkg/channel"
	"threadloom/pkg/provider"
	providertypes "threadloom/pkg/provider/types"
)

const routerInstructions = `You are the dispatcher for a team chat bot. You read a chat thread (a JSON array of
messages, oldest first) and decide how the bot reacts to the latest messages.

Reply with exactly one JSON object and nothing else. It must have one of these shapes:

{"type": "no-response"}
  The latest messages are not addressed to the bot, for example people talking among
  themselves. Nothing is posted.

{"type": "direct-response", "response": "<markdown text>"}
{"type": "direct-response", "response": [<layout blocks>]}
  Answer immediately without delegating. Use this to ask for missing information or to
  clarify something you asked earlier.

{"type": "delegation-request", "kind": "<responder kind>", "role": "<role>", "query": "<instruction>",
 "extra_info": "<optional context>", "schedule": "oneshot" | "periodic", "interval_seconds": <n>}
  Hand the request to a specialised responder. Use "periodic" with interval_seconds when
  the user asks for something to be repeated (every hour is 3600). Return one delegation
  for the current step only; multi-step work is driven by later messages.

Available responders:
`

// LLMRouter asks a completion backend for a routing decision.
type LLMRouter struct {
	client       provider.Client
	model        string
	instructions string
	log          *slog.Logger
}

// NewLLMRouter builds a router. guide describes the available responder kinds and roles;
// it is appended to the routing instructions.
func NewLLMRouter(client provider.Client, model string, guide string) *LLMRouter {
	return &LLMRouter{
		client:       client,
		model:        model,
		instructions: routerInstructions + strings.TrimSpace(guide) + "\n",
		log:          slog.Default().With("component", "dispatch.router"),
	}
}

func (r *LLMRouter) Route(ctx context.Context, transcript string) (Result, error) {
	result, err := r.client.Complete(ctx, providertypes.Request{
		System: r.instructions,
		Prompt: transcript,
		Model:  r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}

	decision, err := ParseDecision(result.Text)
	if err != nil {
		r.log.Warn("router returned an unusable decision", "error", err, "response_length", len(result.Text))
		return nil, err
	}
	r.log.Debug("routing decision", "type", fmt.Sprintf("%T", decision), "model", result.Metadata.Model)

	return decision, nil
}

type decision struct {
	Type            string          `json:"type"`
	Response        json.RawMessage `json:"response"`
	Kind            string          `json:"kind"`
	Role            string          `json:"role"`
	Query           string          `json:"query"`
	ExtraInfo       string          `json:"extra_info"`
	Schedule        string          `json:"schedule"`
	IntervalSeconds int             `json:"interval_seconds"`
}

// ParseDecision decodes a model reply into a Result. Code fences and surrounding prose
// are stripped and malformed JSON is repaired before decoding.
func ParseDecision(text string) (Result, error) {
	raw := extractObject(text)
	if raw == "" {
		return nil, errors.New("decode routing decision: no JSON object in reply")
	}

	var d decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("decode routing decision: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return nil, fmt.Errorf("decode repaired routing decision: %w", err)
		}
	}

	switch strings.TrimSpace(d.Type) {
	case TypeNoResponse:
		return NoResponse{}, nil
	case TypeDirectResponse:
		content, err := decodeContent(d.Response)
		if err != nil {
			return nil, err
		}
		return DirectResponse{Content: content}, nil
	case TypeDelegationRequest:
		return d.delegation()
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnhandledResult, d.Type)
	}
}

func (d decision) delegation() (Result, error) {
	kind := strings.TrimSpace(d.Kind)
	if kind == "" {
		return nil, errors.New("delegation request has no kind")
	}
	query := strings.TrimSpace(d.Query)
	if query == "" {
		return nil, errors.New("delegation request has no query")
	}
	role := strings.TrimSpace(d.Role)
	if role == "" {
		role = "default"
	}

	req := DelegationRequest{
		Kind:      kind,
		Role:      role,
		Query:     query,
		ExtraInfo: strings.TrimSpace(d.ExtraInfo),
	}
	if strings.TrimSpace(d.Schedule) == "periodic" {
		if d.IntervalSeconds <= 0 {
			return nil, errors.New("periodic delegation request needs a positive interval_seconds")
		}
		req.Schedule = &Schedule{IntervalSeconds: d.IntervalSeconds}
	}
	return req, nil
}

func decodeContent(raw json.RawMessage) (channel.Content, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return channel.Content{}, errors.New("direct response is empty")
		}
		return channel.TextContent(text), nil
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return channel.Content{}, fmt.Errorf("direct response is neither text nor blocks: %w", err)
	}
	if len(blocks) == 0 {
		return channel.Content{}, errors.New("direct response is empty")
	}
	return channel.Content{Blocks: blocks}, nil
}

// extractObject returns the outermost {...} span of text.
func extractObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		// Truncated output; let the repair pass close it.
		return text[start:]
	}
	return text[start : end+1]
}

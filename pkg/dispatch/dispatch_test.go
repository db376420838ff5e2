package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"threadloom/pkg/channel"
	"threadloom/pkg/durable"
	providertypes "threadloom/pkg/provider/types"
)

type fakeClient struct {
	text    string
	err     error
	lastReq providertypes.Request
}

func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) Complete(_ context.Context, req providertypes.Request) (providertypes.PromptResult, error) {
	f.lastReq = req
	if f.err != nil {
		return providertypes.PromptResult{}, f.err
	}
	return providertypes.PromptResult{Text: f.text}, nil
}

func TestEnvelopeSurvivesJournalCodec(t *testing.T) {
	results := []Result{
		NoResponse{},
		DirectResponse{Content: channel.TextContent("hi")},
		DirectResponse{Content: channel.Content{Blocks: []map[string]any{{"type": "divider"}}}},
		DelegationRequest{Kind: "github", Role: "reviewer", Query: "review #1", ThreadContext: "[]", Schedule: &Schedule{IntervalSeconds: 60}},
	}

	for _, want := range results {
		env, err := Wrap(want)
		if err != nil {
			t.Fatalf("Wrap(%T) error: %v", want, err)
		}
		payload, err := durable.Encode(env)
		if err != nil {
			t.Fatalf("Encode error: %v", err)
		}
		var decoded Envelope
		if err := durable.Decode(payload, &decoded); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		got, err := decoded.Result()
		if err != nil {
			t.Fatalf("Result error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("result mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEnvelopeUnknownTypeIsUnhandled(t *testing.T) {
	_, err := Envelope{Type: "web-research-request"}.Result()
	if !errors.Is(err, ErrUnhandledResult) {
		t.Fatalf("error = %v, want ErrUnhandledResult", err)
	}

	if _, err := Wrap(nil); !errors.Is(err, ErrUnhandledResult) {
		t.Fatalf("Wrap(nil) error = %v, want ErrUnhandledResult", err)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Result
	}{
		{
			name: "no response",
			text: `{"type":"no-response"}`,
			want: NoResponse{},
		},
		{
			name: "fenced direct text",
			text: "```json\n{\"type\": \"direct-response\", \"response\": \"Which repo?\"}\n```",
			want: DirectResponse{Content: channel.TextContent("Which repo?")},
		},
		{
			name: "direct blocks",
			text: `{"type":"direct-response","response":[{"type":"section"}]}`,
			want: DirectResponse{Content: channel.Content{Blocks: []map[string]any{{"type": "section"}}}},
		},
		{
			name: "delegation defaults role",
			text: `Sure. {"type":"delegation-request","kind":"web_research","query":"best ramen"}`,
			want: DelegationRequest{Kind: "web_research", Role: "default", Query: "best ramen"},
		},
		{
			name: "periodic delegation",
			text: `{"type":"delegation-request","kind":"github","role":"reviewer","query":"review PRs","schedule":"periodic","interval_seconds":3600}`,
			want: DelegationRequest{Kind: "github", Role: "reviewer", Query: "review PRs", Schedule: &Schedule{IntervalSeconds: 3600}},
		},
		{
			name: "trailing comma repaired",
			text: `{"type":"delegation-request","kind":"github","query":"fix it",}`,
			want: DelegationRequest{Kind: "github", Role: "default", Query: "fix it"},
		},
		{
			name: "truncated object repaired",
			text: `{"type":"no-response"`,
			want: NoResponse{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.text)
			if err != nil {
				t.Fatalf("ParseDecision error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDecisionRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "no json", text: "I think you should ask the user."},
		{name: "empty direct", text: `{"type":"direct-response","response":"  "}`},
		{name: "delegation without kind", text: `{"type":"delegation-request","query":"x"}`},
		{name: "periodic without interval", text: `{"type":"delegation-request","kind":"github","query":"x","schedule":"periodic"}`},
		{name: "unknown type", text: `{"type":"telepathy"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDecision(tt.text); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLLMRouterSendsTranscriptAndGuide(t *testing.T) {
	client := &fakeClient{text: `{"type":"no-response"}`}
	router := NewLLMRouter(client, "openai/gpt-5-mini", "- slack/default: answer directly")

	got, err := router.Route(context.Background(), `[{"ts":"1.0","text":"hi"}]`)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if _, ok := got.(NoResponse); !ok {
		t.Fatalf("result = %T, want NoResponse", got)
	}
	if client.lastReq.Prompt != `[{"ts":"1.0","text":"hi"}]` {
		t.Fatalf("prompt = %q, want transcript", client.lastReq.Prompt)
	}
	if !strings.Contains(client.lastReq.System, "slack/default: answer directly") {
		t.Fatal("instructions do not include the responder guide")
	}
	if client.lastReq.Model != "openai/gpt-5-mini" {
		t.Fatalf("model = %q", client.lastReq.Model)
	}
}

func TestLLMRouterPropagatesProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	router := NewLLMRouter(&fakeClient{err: boom}, "m", "")

	if _, err := router.Route(context.Background(), "[]"); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

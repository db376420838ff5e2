package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"threadloom/pkg/config"
	providertypes "threadloom/pkg/provider/types"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.OpenAIProviderConfig{})
	if err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewUsesConfiguredAPIKey(t *testing.T) {
	client, err := New(config.OpenAIProviderConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5-mini", want: "gpt-5-mini"},
		{name: "openai prefix", input: "openai/gpt-5-mini", want: "gpt-5-mini"},
		{name: "other provider", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompleteSendsInstructionsAndReturnsText(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"object": "response",
			"model": "gpt-5-mini",
			"output": [{
				"type": "message",
				"id": "msg_1",
				"role": "assistant",
				"status": "completed",
				"content": [{"type": "output_text", "text": "  routed  ", "annotations": []}]
			}],
			"usage": {
				"input_tokens": 12,
				"input_tokens_details": {"cached_tokens": 0},
				"output_tokens": 3,
				"output_tokens_details": {"reasoning_tokens": 0},
				"total_tokens": 15
			}
		}`)
	}))
	defer server.Close()

	client, err := New(config.OpenAIProviderConfig{APIKey: "sk-test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	result, err := client.Complete(context.Background(), providertypes.Request{
		System: "route the thread",
		Prompt: "[]",
		Model:  "openai/gpt-5-mini",
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if result.Text != "routed" {
		t.Fatalf("text = %q, want %q", result.Text, "routed")
	}
	if result.Metadata.Usage == nil || result.Metadata.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v, want total 15", result.Metadata.Usage)
	}
	if body["instructions"] != "route the thread" {
		t.Fatalf("instructions = %v, want %q", body["instructions"], "route the thread")
	}
	if body["model"] != "gpt-5-mini" {
		t.Fatalf("model = %v, want gpt-5-mini", body["model"])
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	client, err := New(config.OpenAIProviderConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if _, err := client.Complete(context.Background(), providertypes.Request{Model: "gpt-5-mini"}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

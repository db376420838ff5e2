package provider

import (
	"testing"

	"threadloom/pkg/config"
	providerfantasy "threadloom/pkg/provider/fantasy"
	provideropenai "threadloom/pkg/provider/openai"
	provideropencode "threadloom/pkg/provider/opencode"
)

func TestNewDefaultsToOpenAIProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKey = "sk-test"

	client, err := New(cfg, "", Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", client)
	}
}

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	_, err := New(&config.Config{}, "unknown", Options{})
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNewReturnsOpenCodeProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"

	client, err := New(cfg, "opencode", Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropencode.Client); !ok {
		t.Fatalf("expected *opencode.Client, got %T", client)
	}
}

func TestNewReturnsFantasyProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKey = "sk-test"

	client, err := New(cfg, "fantasy", Options{Model: "openai/gpt-5-mini"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*providerfantasy.Client); !ok {
		t.Fatalf("expected *fantasy.Client, got %T", client)
	}
}

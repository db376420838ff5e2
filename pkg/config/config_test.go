package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threadloom.toml")
	content := `
[logging]
format = "json"
level = "debug"
add_source = true

[slack]
bot_token = "xoxb-test"
signing_secret = "secret"

[engine]
idle_timeout = "2m"

[engine.retry]
max_attempts = 3
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Slack.BotToken != "xoxb-test" {
		t.Fatalf("slack.bot_token = %q, want %q", cfg.Slack.BotToken, "xoxb-test")
	}
	if cfg.Engine.IdleTimeout != 2*time.Minute {
		t.Fatalf("engine.idle_timeout = %s, want 2m", cfg.Engine.IdleTimeout)
	}
	if cfg.Engine.Retry.MaxAttempts != 3 {
		t.Fatalf("engine.retry.max_attempts = %d, want 3", cfg.Engine.Retry.MaxAttempts)
	}
	if cfg.Engine.ChatTimeout != 10*time.Second {
		t.Fatalf("engine.chat_timeout default = %s, want 10s", cfg.Engine.ChatTimeout)
	}
	if cfg.Engine.ResponderTimeout != 5*time.Minute {
		t.Fatalf("engine.responder_timeout default = %s, want 5m", cfg.Engine.ResponderTimeout)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("store.driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Conversation.RemoveReactionOnNoResponse {
		t.Fatal("conversation.remove_reaction_on_no_response default = true, want false")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	t.Setenv("THREADLOOM_SLACK__BOT_USER_ID", "U123")
	t.Setenv("THREADLOOM_SERVER__PORT", "8088")
	t.Setenv("THREADLOOM_CONVERSATION__REMOVE_REACTION_ON_NO_RESPONSE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Slack.BotUserID != "U123" {
		t.Fatalf("slack.bot_user_id = %q, want U123", cfg.Slack.BotUserID)
	}
	if cfg.Server.Port != 8088 {
		t.Fatalf("server.port = %d, want 8088", cfg.Server.Port)
	}
	if !cfg.Conversation.RemoveReactionOnNoResponse {
		t.Fatal("conversation.remove_reaction_on_no_response = false, want true")
	}
}

func TestLoadInvalidEnvPath(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.toml"))

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestValidateServeReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		Store:  StoreConfig{Driver: "mysql"},
		Engine: EngineConfig{Retry: RetryConfig{MaxAttempts: 1}},
	}

	err := cfg.ValidateServe()
	if err == nil {
		t.Fatal("expected validation error")
	}

	for _, want := range []string{"slack.bot_token", "slack.signing_secret", "admin.jwt_secret", "store.driver", "server.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateLocalAcceptsMemoryStore(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 4000},
		Store:  StoreConfig{Driver: "memory"},
		Engine: EngineConfig{Retry: RetryConfig{MaxAttempts: 1}},
	}

	if err := cfg.ValidateLocal(); err != nil {
		t.Fatalf("ValidateLocal error: %v", err)
	}
}

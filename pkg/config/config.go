package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "THREADLOOM_"
	envConfigPath = "THREADLOOM_CONFIG"
)

// Config is the root runtime configuration.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Server       ServerConfig       `koanf:"server"`
	Admin        AdminConfig        `koanf:"admin"`
	Slack        SlackConfig        `koanf:"slack"`
	Store        StoreConfig        `koanf:"store"`
	Engine       EngineConfig       `koanf:"engine"`
	Conversation ConversationConfig `koanf:"conversation"`
	Dispatch     DispatchConfig     `koanf:"dispatch"`
	Responders   RespondersConfig   `koanf:"responders"`
	Providers    ProvidersConfig    `koanf:"providers"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `koanf:"format"`
	Level     string `koanf:"level"`
	AddSource bool   `koanf:"add_source"`
}

// ServerConfig configures the HTTP listener for webhooks, health and admin routes.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	HealthInterval  time.Duration `koanf:"health_interval"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig configures bearer-token access to the admin API.
type AdminConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	BaseURL   string        `koanf:"base_url"`
}

// SlackConfig configures the Slack Events API receiver and Web API client.
type SlackConfig struct {
	BotToken          string        `koanf:"bot_token"`
	SigningSecret     string        `koanf:"signing_secret"`
	BotUserID         string        `koanf:"bot_user_id"`
	APIURL            string        `koanf:"api_url"`
	WorkingReaction   string        `koanf:"working_reaction"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// StoreConfig selects the journal backend.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// EngineConfig tunes the durable execution engine.
type EngineConfig struct {
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	ArchiveAfter     time.Duration `koanf:"archive_after"`
	JanitorInterval  time.Duration `koanf:"janitor_interval"`
	ChatTimeout      time.Duration `koanf:"chat_timeout"`
	ResponderTimeout time.Duration `koanf:"responder_timeout"`
	Retry            RetryConfig   `koanf:"retry"`
}

// RetryConfig is the default activity retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      bool          `koanf:"jitter"`
}

// ConversationConfig holds orchestrator policy switches. Each conversation keeps the
// values it started with.
type ConversationConfig struct {
	RemoveReactionOnNoResponse bool `koanf:"remove_reaction_on_no_response"`
}

// DispatchConfig selects the model used by the dispatch router.
type DispatchConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
}

// RespondersConfig points at an optional catalog replacing the embedded one.
type RespondersConfig struct {
	CatalogPath string `koanf:"catalog_path"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI   OpenAIProviderConfig   `koanf:"openai"`
	OpenCode OpenCodeProviderConfig `koanf:"opencode"`
}

// OpenAIProviderConfig configures the OpenAI clients (responses API and fantasy).
type OpenAIProviderConfig struct {
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url"`
	Organization   string        `koanf:"organization"`
	Project        string        `koanf:"project"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxTokens      int           `koanf:"max_tokens"`
	Temperature    float64       `koanf:"temperature"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Username       string        `koanf:"username"`
	PasswordEnv    string        `koanf:"password_env"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// WorkspaceConfig is the repository checkout exposed read-only to the github responder.
type WorkspaceConfig struct {
	Root string `koanf:"root"`
}

func defaults() map[string]any {
	return map[string]any{
		"logging.format":                              "text",
		"logging.level":                               "info",
		"server.host":                                 "127.0.0.1",
		"server.port":                                 4000,
		"server.shutdown_timeout":                     "10s",
		"server.health_interval":                      "30s",
		"admin.token_ttl":                             "15m",
		"slack.working_reaction":                      "hourglass_flowing_sand",
		"slack.request_timeout":                       "5s",
		"slack.requests_per_second":                   1.0,
		"slack.burst":                                 5,
		"store.driver":                                "sqlite",
		"store.dsn":                                   "threadloom.db",
		"engine.idle_timeout":                         "10m",
		"engine.archive_after":                        "168h",
		"engine.janitor_interval":                     "5m",
		"engine.chat_timeout":                         "10s",
		"engine.responder_timeout":                    "5m",
		"engine.retry.max_attempts":                   5,
		"engine.retry.base_delay":                     "1s",
		"engine.retry.max_delay":                      "30s",
		"engine.retry.multiplier":                     2.0,
		"engine.retry.jitter":                         true,
		"conversation.remove_reaction_on_no_response": false,
		"dispatch.provider":                           "openai",
		"dispatch.model":                              "openai/gpt-5-mini",
		"providers.openai.request_timeout":            "2m",
		"providers.opencode.request_timeout":          "5m",
		"workspace.root":                              ".",
	}
}

// Load resolves the config file (explicit path, THREADLOOM_CONFIG, cwd fallbacks),
// layers defaults, file and THREADLOOM_* env vars, and unmarshals the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath, err := findConfigPath(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}

	return &cfg, nil
}

// envKey maps THREADLOOM_SLACK__BOT_TOKEN to slack.bot_token.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// findConfigPath returns "" when no file is found and none was requested explicitly.
func findConfigPath(explicit string) (string, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		return requireFile(value, "--config")
	}
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		return requireFile(value, envConfigPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, candidate := range []string{
		filepath.Join(cwd, "threadloom.toml"),
		filepath.Join(cwd, "config", "threadloom.toml"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}

func requireFile(path string, source string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%s does not point to a file: %s", source, path)
	}
	return path, nil
}

// ValidateServe checks the settings `serve` cannot run without.
func (c *Config) ValidateServe() error {
	var errs []error

	if strings.TrimSpace(c.Slack.BotToken) == "" {
		errs = append(errs, errors.New("slack.bot_token is required"))
	}
	if strings.TrimSpace(c.Slack.SigningSecret) == "" {
		errs = append(errs, errors.New("slack.signing_secret is required"))
	}
	if strings.TrimSpace(c.Admin.JWTSecret) == "" {
		errs = append(errs, errors.New("admin.jwt_secret is required"))
	}
	errs = append(errs, c.validateCommon()...)

	return errors.Join(errs...)
}

// ValidateLocal checks the settings needed by in-process commands such as `console`.
func (c *Config) ValidateLocal() error {
	return errors.Join(c.validateCommon()...)
}

func (c *Config) validateCommon() []error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}
	if c.Store.Driver != "memory" && strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Engine.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("engine.retry.max_attempts must be positive"))
	}
	if c.Engine.ArchiveAfter > 0 && c.Engine.ArchiveAfter < c.Engine.IdleTimeout {
		errs = append(errs, errors.New("engine.archive_after must not be shorter than engine.idle_timeout"))
	}

	return errs
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concierge

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/observability"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
//
// # Description
//
// Built by LoadConfig in four layers: DefaultConfig, an optional YAML
// file, environment variables, then CLI flags via ApplyFlags. Secrets
// carry `yaml:"-"` and are only read from env or /run/secrets.
type Config struct {
	Server       ServerConfig                  `yaml:"server" json:"server"`
	RateLimit    RateLimitConfig               `yaml:"rate_limit" json:"rate_limit"`
	Sessions     SessionsConfig                `yaml:"sessions" json:"sessions"`
	Compaction   CompactionConfig              `yaml:"compaction" json:"compaction"`
	Conversation ConversationConfig            `yaml:"conversation" json:"conversation"`
	LLM          LLMConfig                     `yaml:"llm" json:"llm"`
	Retrieval    RetrievalConfig               `yaml:"retrieval" json:"retrieval"`
	Knowledge    KnowledgeConfig               `yaml:"knowledge" json:"knowledge"`
	Telemetry    observability.TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging      LoggingConfig                 `yaml:"logging" json:"logging"`

	// AdminToken gates /api/admin. Empty disables admin routes.
	AdminToken string `yaml:"-" json:"-"`

	Debug bool `yaml:"debug" json:"debug"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	Environment     string        `yaml:"environment" json:"environment"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// RateLimitConfig is the per-client fixed window.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window" json:"requests_per_window"`
	Window            time.Duration `yaml:"window" json:"window"`
	SweepInterval     time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// SessionsConfig selects and tunes the session store.
type SessionsConfig struct {
	// Backend is "memory" or "badger".
	Backend       string        `yaml:"backend" json:"backend"`
	Path          string        `yaml:"path" json:"path"`
	MaxAge        time.Duration `yaml:"max_age" json:"max_age"`
	MaxSessions   int           `yaml:"max_sessions" json:"max_sessions"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	SyncWrites    bool          `yaml:"sync_writes" json:"sync_writes"`
	GCInterval    time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

// CompactionConfig tunes history compaction.
type CompactionConfig struct {
	Budget       int `yaml:"budget" json:"budget"`
	KeepRecent   int `yaml:"keep_recent" json:"keep_recent"`
	SummaryLimit int `yaml:"summary_limit" json:"summary_limit"`

	// Summarizer is "extractive" or "llm".
	Summarizer string `yaml:"summarizer" json:"summarizer"`
}

// ConversationConfig holds the turn guardrails.
type ConversationConfig struct {
	MaxMessageChars int           `yaml:"max_message_chars" json:"max_message_chars"`
	MaxIterations   int           `yaml:"max_iterations" json:"max_iterations"`
	CallTimeout     time.Duration `yaml:"call_timeout" json:"call_timeout"`
	TurnTimeout     time.Duration `yaml:"turn_timeout" json:"turn_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	ContactLine     string        `yaml:"contact_line" json:"contact_line"`
}

// LLMConfig selects the provider.
type LLMConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
	APIKey    string `yaml:"-" json:"-"`
}

// RetrievalConfig configures semantic retrieval.
type RetrievalConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	WeaviateURL    string        `yaml:"weaviate_url" json:"weaviate_url"`
	ClassName      string        `yaml:"class_name" json:"class_name"`
	TopK           int           `yaml:"top_k" json:"top_k"`
	MinScore       float64       `yaml:"min_score" json:"min_score"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	EmbeddingModel string        `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingRPS   float64       `yaml:"embedding_rps" json:"embedding_rps"`
	ChunkSize      int           `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int           `yaml:"chunk_overlap" json:"chunk_overlap"`
	OpenAIKey      string        `yaml:"-" json:"-"`
}

// KnowledgeConfig locates the resume and prompt files.
type KnowledgeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	Watch   bool   `yaml:"watch" json:"watch"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	Dir   string `yaml:"dir" json:"dir"`
	JSON  bool   `yaml:"json" json:"json"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			Environment:     "development",
			MaxBodyBytes:    64 * 1024,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 20,
			Window:            time.Minute,
			SweepInterval:     time.Minute,
		},
		Sessions: SessionsConfig{
			Backend:       "memory",
			MaxAge:        time.Hour,
			MaxSessions:   10000,
			SweepInterval: 5 * time.Minute,
			GCInterval:    10 * time.Minute,
		},
		Compaction: CompactionConfig{
			Budget:       12000,
			KeepRecent:   6,
			SummaryLimit: 1200,
			Summarizer:   "extractive",
		},
		Conversation: ConversationConfig{
			MaxMessageChars: 2000,
			MaxIterations:   5,
			CallTimeout:     30 * time.Second,
			TurnTimeout:     60 * time.Second,
			ToolTimeout:     5 * time.Second,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 2048,
		},
		Retrieval: RetrievalConfig{
			Enabled:      false,
			WeaviateURL:  "http://localhost:8081",
			TopK:         3,
			MinScore:     0.7,
			Timeout:      10 * time.Second,
			EmbeddingRPS: 5,
			ChunkSize:    800,
			ChunkOverlap: 100,
		},
		Knowledge: KnowledgeConfig{
			DataDir: "./data",
			Watch:   true,
		},
		Telemetry: observability.DefaultTelemetryConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadConfig builds a Config from defaults, the YAML file at path (if
// non-empty) and the environment. Secrets are resolved last. The result
// is not validated; callers apply flags and then call Validate.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Info("Loaded config file", "path", path)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.AdminToken = readSecret("CONCIERGE_ADMIN_TOKEN", "concierge_admin_token")
	cfg.LLM.APIKey = readSecret(apiKeyEnv(cfg.LLM.Provider), strings.ToLower(apiKeyEnv(cfg.LLM.Provider)))
	if cfg.Retrieval.Enabled {
		cfg.Retrieval.OpenAIKey = readSecret("OPENAI_API_KEY", "openai_api_key")
	}
	return cfg, nil
}

func apiKeyEnv(provider string) string {
	if strings.EqualFold(provider, "openai") {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// readSecret returns the env var, else /run/secrets/<name>, else "".
func readSecret(envVar, name string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	if content, err := os.ReadFile("/run/secrets/" + name); err == nil {
		return strings.TrimSpace(string(content))
	}
	return ""
}

// =============================================================================
// Environment
// =============================================================================

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. Each knob has a CONCIERGE_
// name; the legacy names are accepted for the options they covered.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(dst *string, names ...string) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	integer := func(dst *int, names ...string) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				i, err := strconv.Atoi(v)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n, err))
					return
				}
				*dst = i
				return
			}
		}
	}
	boolean := func(dst *bool, names ...string) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n, err))
					return
				}
				*dst = b
				return
			}
		}
	}
	seconds := func(dst *time.Duration, names ...string) {
		var n int
		var found bool
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				found = true
				break
			}
		}
		if !found {
			return
		}
		integer(&n, names...)
		if n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}

	integer(&cfg.Server.Port, "CONCIERGE_PORT", "PORT")
	str(&cfg.Server.Environment, "CONCIERGE_ENVIRONMENT", "ENVIRONMENT")
	if v, ok := lookup("CONCIERGE_CORS_ORIGINS"); ok && v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("CONCIERGE_MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONCIERGE_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.Server.MaxBodyBytes = n
		}
	}

	integer(&cfg.RateLimit.RequestsPerWindow, "CONCIERGE_RATE_LIMIT", "RATE_LIMIT_REQUESTS_PER_MINUTE")
	seconds(&cfg.RateLimit.Window, "CONCIERGE_RATE_WINDOW_SECONDS")

	str(&cfg.Sessions.Backend, "CONCIERGE_SESSION_BACKEND")
	str(&cfg.Sessions.Path, "CONCIERGE_SESSION_PATH")
	seconds(&cfg.Sessions.MaxAge, "CONCIERGE_SESSION_MAX_AGE_SECONDS", "SESSION_MAX_AGE_SECONDS")
	integer(&cfg.Sessions.MaxSessions, "CONCIERGE_MAX_SESSIONS")

	integer(&cfg.Compaction.Budget, "CONCIERGE_COMPACTION_BUDGET")
	integer(&cfg.Compaction.KeepRecent, "CONCIERGE_COMPACTION_KEEP_RECENT")
	str(&cfg.Compaction.Summarizer, "CONCIERGE_SUMMARIZER")

	integer(&cfg.Conversation.MaxMessageChars, "CONCIERGE_MAX_MESSAGE_CHARS")
	integer(&cfg.Conversation.MaxIterations, "CONCIERGE_MAX_ITERATIONS")
	seconds(&cfg.Conversation.CallTimeout, "CONCIERGE_CALL_TIMEOUT_SECONDS", "API_TIMEOUT_SECONDS")
	seconds(&cfg.Conversation.TurnTimeout, "CONCIERGE_TURN_TIMEOUT_SECONDS")
	str(&cfg.Conversation.ContactLine, "CONCIERGE_CONTACT_LINE")

	str(&cfg.LLM.Provider, "CONCIERGE_LLM_PROVIDER")
	str(&cfg.LLM.Model, "CONCIERGE_LLM_MODEL")
	str(&cfg.LLM.BaseURL, "CONCIERGE_LLM_BASE_URL")
	integer(&cfg.LLM.MaxTokens, "CONCIERGE_MAX_TOKENS", "ANTHROPIC_MAX_TOKENS")

	boolean(&cfg.Retrieval.Enabled, "CONCIERGE_RETRIEVAL_ENABLED")
	str(&cfg.Retrieval.WeaviateURL, "CONCIERGE_WEAVIATE_URL", "WEAVIATE_SERVICE_URL")
	str(&cfg.Retrieval.EmbeddingModel, "CONCIERGE_EMBEDDING_MODEL")

	str(&cfg.Knowledge.DataDir, "CONCIERGE_DATA_DIR", "DATA_DIR")
	boolean(&cfg.Knowledge.Watch, "CONCIERGE_WATCH_DATA")

	str(&cfg.Telemetry.TraceExporter, "CONCIERGE_TRACE_EXPORTER")
	str(&cfg.Telemetry.MetricExporter, "CONCIERGE_METRIC_EXPORTER")
	str(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	str(&cfg.Logging.Level, "CONCIERGE_LOG_LEVEL")
	str(&cfg.Logging.Dir, "CONCIERGE_LOG_DIR")
	boolean(&cfg.Debug, "CONCIERGE_DEBUG", "DEBUG")

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Flags
// =============================================================================

// RegisterFlags declares the CLI overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.Int("port", d.Server.Port, "HTTP listen port")
	fs.String("data-dir", d.Knowledge.DataDir, "directory holding resume.json and system_prompt.txt")
	fs.Bool("retrieval", d.Retrieval.Enabled, "enable semantic retrieval")
	fs.String("provider", d.LLM.Provider, "LLM provider (anthropic|openai)")
	fs.String("session-backend", d.Sessions.Backend, "session store (memory|badger)")
	fs.Int("rate-limit", d.RateLimit.RequestsPerWindow, "requests per client per window")
	fs.Bool("debug", false, "debug logging")
}

// ApplyFlags copies flags the user set explicitly onto cfg.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if fs.Changed("port") {
		v, err := fs.GetInt("port")
		collect(err)
		cfg.Server.Port = v
	}
	if fs.Changed("data-dir") {
		v, err := fs.GetString("data-dir")
		collect(err)
		cfg.Knowledge.DataDir = v
	}
	if fs.Changed("retrieval") {
		v, err := fs.GetBool("retrieval")
		collect(err)
		cfg.Retrieval.Enabled = v
		if v && cfg.Retrieval.OpenAIKey == "" {
			cfg.Retrieval.OpenAIKey = readSecret("OPENAI_API_KEY", "openai_api_key")
		}
	}
	if fs.Changed("provider") {
		v, err := fs.GetString("provider")
		collect(err)
		cfg.LLM.Provider = v
		cfg.LLM.APIKey = readSecret(apiKeyEnv(v), strings.ToLower(apiKeyEnv(v)))
	}
	if fs.Changed("session-backend") {
		v, err := fs.GetString("session-backend")
		collect(err)
		cfg.Sessions.Backend = v
	}
	if fs.Changed("rate-limit") {
		v, err := fs.GetInt("rate-limit")
		collect(err)
		cfg.RateLimit.RequestsPerWindow = v
	}
	if fs.Changed("debug") {
		v, err := fs.GetBool("debug")
		collect(err)
		cfg.Debug = v
	}
	return errors.Join(errs...)
}

// =============================================================================
// Validation
// =============================================================================

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		bad("server.max_body_bytes must be positive")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		bad("rate_limit.requests_per_window must be positive")
	}
	if c.RateLimit.Window <= 0 {
		bad("rate_limit.window must be positive")
	}
	switch c.Sessions.Backend {
	case "memory":
	case "badger":
		if c.Sessions.Path == "" {
			bad("sessions.path is required for the badger backend")
		}
	default:
		bad("sessions.backend %q must be memory or badger", c.Sessions.Backend)
	}
	if c.Sessions.MaxAge <= 0 {
		bad("sessions.max_age must be positive")
	}
	if c.Sessions.MaxSessions < 0 {
		bad("sessions.max_sessions must not be negative")
	}
	if c.Compaction.KeepRecent <= 0 {
		bad("compaction.keep_recent must be positive")
	}
	if c.Compaction.Budget <= c.Compaction.SummaryLimit {
		bad("compaction.budget must exceed compaction.summary_limit")
	}
	switch c.Compaction.Summarizer {
	case "extractive", "llm":
	default:
		bad("compaction.summarizer %q must be extractive or llm", c.Compaction.Summarizer)
	}
	if c.Conversation.MaxMessageChars <= 0 {
		bad("conversation.max_message_chars must be positive")
	}
	if c.Conversation.MaxIterations <= 0 {
		bad("conversation.max_iterations must be positive")
	}
	if c.Conversation.CallTimeout <= 0 || c.Conversation.TurnTimeout <= 0 {
		bad("conversation timeouts must be positive")
	} else if c.Conversation.CallTimeout > c.Conversation.TurnTimeout {
		bad("conversation.call_timeout must not exceed conversation.turn_timeout")
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic", "openai":
	default:
		bad("llm.provider %q must be anthropic or openai", c.LLM.Provider)
	}
	if c.Retrieval.Enabled {
		if c.Retrieval.WeaviateURL == "" {
			bad("retrieval.weaviate_url is required when retrieval is enabled")
		}
		if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
			bad("retrieval.min_score must be within [0,1]")
		}
		if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
			bad("retrieval.chunk_overlap must be smaller than retrieval.chunk_size")
		}
	}
	if c.Knowledge.DataDir == "" {
		bad("knowledge.data_dir is required")
	}
	return errors.Join(errs...)
}

// IsProduction reports whether CORS must be restricted to CORSOrigins.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// Redacted returns the configuration as served by GET /api/admin/config.
// Secret fields are excluded by their json tags; presence flags are
// reported instead.
func (c Config) Redacted() any {
	return struct {
		Config
		AdminTokenSet bool `json:"admin_token_set"`
		LLMKeySet     bool `json:"llm_api_key_set"`
		OpenAIKeySet  bool `json:"openai_api_key_set"`
	}{
		Config:        c,
		AdminTokenSet: c.AdminToken != "",
		LLMKeySet:     c.LLM.APIKey != "",
		OpenAIKeySet:  c.Retrieval.OpenAIKey != "",
	}
}

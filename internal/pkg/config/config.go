package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfidenceThreshold is the escalation threshold used when a tenant
// does not configure one.
const DefaultConfidenceThreshold = 0.7

// DefaultGreeting is sent right after intake when a tenant has no greeting.
const DefaultGreeting = "Hi! How can I help you today?"

// EnvPrefix prefixes environment overrides, e.g. SUPPORTDESK_SERVER__PORT.
const EnvPrefix = "SUPPORTDESK_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Responder ResponderConfig `koanf:"responder"`
	Handoff   HandoffConfig   `koanf:"handoff"`
	Events    EventsConfig    `koanf:"events"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Auth      AuthConfig      `koanf:"auth"`
	Tenants   []TenantConfig  `koanf:"tenants"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, postgres

	// Database is used by the sqlite and postgres types.
	Database DatabaseConfig `koanf:"database"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

type ResponderConfig struct {
	Type      string  `koanf:"type"` // openai, anthropic, static
	APIKey    string  `koanf:"api_key"`
	BaseURL   string  `koanf:"base_url"`
	Model     string  `koanf:"model"`
	MaxTokens int     `koanf:"max_tokens"`
	Temp      float32 `koanf:"temperature"`

	// Static backend only.
	StaticResponse   string  `koanf:"static_response"`
	StaticConfidence float64 `koanf:"static_confidence"`
}

type HandoffConfig struct {
	HistoryWindow    int           `koanf:"history_window"`
	MaxContextTokens int           `koanf:"max_context_tokens"`
	ResponderTimeout time.Duration `koanf:"responder_timeout"`
}

type EventsConfig struct {
	Type  string      `koanf:"type"` // direct, redis
	Redis RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Channel  string `koanf:"channel"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Exporter    string `koanf:"exporter"` // stdout, otlp, none
	Endpoint    string `koanf:"endpoint"`
}

type AuthConfig struct {
	// SessionSecret signs widget session tokens.
	SessionSecret string        `koanf:"session_secret"`
	SessionTTL    time.Duration `koanf:"session_ttl"`
}

type TenantConfig struct {
	ID                  string                `koanf:"id"`
	Name                string                `koanf:"name"`
	CompanyName         string                `koanf:"company_name"`
	ChatbotGreeting     string                `koanf:"chatbot_greeting"`
	ConfidenceThreshold *float64              `koanf:"confidence_threshold"`
	APIKeys             []APIKeyConfig        `koanf:"api_keys"`
	KnowledgeBase       []KnowledgeBaseConfig `koanf:"knowledge_base"`
}

// Threshold returns the tenant's escalation threshold clamped into [0,1].
func (t TenantConfig) Threshold() float64 {
	if t.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return ClampThreshold(*t.ConfidenceThreshold)
}

// Greeting returns the configured greeting or the default one.
func (t TenantConfig) Greeting() string {
	if strings.TrimSpace(t.ChatbotGreeting) == "" {
		return DefaultGreeting
	}
	return t.ChatbotGreeting
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	AgentID     string `koanf:"agent_id"`
	AgentName   string `koanf:"agent_name"`
	Description string `koanf:"description"`
}

type KnowledgeBaseConfig struct {
	ID       string `koanf:"id"`
	Question string `koanf:"question"`
	Answer   string `koanf:"answer"`
	Category string `koanf:"category"`
	Inactive bool   `koanf:"inactive"`
}

// ClampThreshold forces v into [0,1].
func ClampThreshold(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (or the file named by SUPPORTDESK_CONFIG) and
// applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads the configuration from path. A missing file is not an error;
// environment variables and defaults still apply.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Responder.APIKey = substituteEnvVars(cfg.Responder.APIKey)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Events.Redis.Password = substituteEnvVars(cfg.Events.Redis.Password)
	cfg.Auth.SessionSecret = substituteEnvVars(cfg.Auth.SessionSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                 8080,
		"server.request_timeout":      "60s",
		"server.shutdown_timeout":     "10s",
		"storage.type":                "memory",
		"responder.type":              "static",
		"responder.max_tokens":        1000,
		"responder.temperature":       0.7,
		"responder.static_response":   "Thanks for reaching out! Could you tell me a bit more?",
		"responder.static_confidence": 0.8,
		"handoff.history_window":      5,
		"handoff.max_context_tokens":  2000,
		"handoff.responder_timeout":   "15s",
		"events.type":                 "direct",
		"events.redis.channel":        "supportdesk:events",
		"telemetry.service_name":      "supportdesk",
		"telemetry.exporter":          "none",
		"auth.session_ttl":            "24h",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required for %s storage", c.Storage.Type)
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if c.Handoff.HistoryWindow <= 0 {
		return fmt.Errorf("handoff.history_window must be positive")
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

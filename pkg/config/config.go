package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/security"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// STAGECRAFT_SERVER_ADDR or STAGECRAFT_GENERATION_MODEL.
const EnvPrefix = "STAGECRAFT_"

// Config represents the application configuration
type Config struct {
	// Scenarios is the directory of scenario YAML files.
	Scenarios string `yaml:"scenarios" env:"SCENARIOS"`

	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Session       SessionConfig       `yaml:"session" envPrefix:"SESSION_"`
	Generation    GenerationConfig    `yaml:"generation" envPrefix:"GENERATION_"`
	Speech        SpeechConfig        `yaml:"speech" envPrefix:"SPEECH_"`
	Memory        MemoryConfig        `yaml:"memory" envPrefix:"MEMORY_"`
	Transcript    TranscriptConfig    `yaml:"transcript" envPrefix:"TRANSCRIPT_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig holds the listeners and connection limits of serve.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	GRPCAddr        string        `yaml:"grpc_addr" env:"GRPC_ADDR"`
	MaxSessions     int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	EventRate       float64       `yaml:"event_rate" env:"EVENT_RATE"`
	EventBurst      int           `yaml:"event_burst" env:"EVENT_BURST"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SessionConfig tunes every session. A zero DirectorInterval defers to the
// scenario.
type SessionConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	DirectorInterval  time.Duration `yaml:"director_interval" env:"DIRECTOR_INTERVAL"`
	Gap               time.Duration `yaml:"gap" env:"GAP"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"GENERATION_TIMEOUT"`
	SpeechTimeout     time.Duration `yaml:"speech_timeout" env:"SPEECH_TIMEOUT"`
	ClassifyTimeout   time.Duration `yaml:"classify_timeout" env:"CLASSIFY_TIMEOUT"`
	HistoryWindow     int           `yaml:"history_window" env:"HISTORY_WINDOW"`
	MaxFacts          int           `yaml:"max_facts" env:"MAX_FACTS"`
	// Classifier lets the director ask the model about ambiguous play.
	Classifier bool `yaml:"classifier" env:"CLASSIFIER"`
}

// GenerationConfig selects the provider. Empty keys fall back to the
// provider's usual environment variables (OPENAI_API_KEY, ...).
type GenerationConfig struct {
	Provider    string  `yaml:"provider" env:"PROVIDER"`
	Model       string  `yaml:"model" env:"MODEL"`
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	APIKey      string  `yaml:"api_key" env:"API_KEY"`
	BaseURL     string  `yaml:"base_url" env:"BASE_URL"`
	Region      string  `yaml:"region" env:"REGION"`
	Project     string  `yaml:"project" env:"PROJECT"`
	Location    string  `yaml:"location" env:"LOCATION"`
}

// SpeechConfig enables OpenAI text-to-speech for generated lines.
type SpeechConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Model   string `yaml:"model" env:"MODEL"`
	Voice   string `yaml:"voice" env:"VOICE"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// MemoryConfig selects the player profile store.
type MemoryConfig struct {
	Backend              string `yaml:"backend" env:"BACKEND"`
	SQLitePath           string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisAddr            string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword        string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB              int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix          string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	FirestoreProject     string `yaml:"firestore_project" env:"FIRESTORE_PROJECT"`
	FirestoreCollection  string `yaml:"firestore_collection" env:"FIRESTORE_COLLECTION"`
	FirestoreCredentials string `yaml:"firestore_credentials" env:"FIRESTORE_CREDENTIALS"`
}

// Store converts the section to the memory package's form.
func (m MemoryConfig) Store() memory.Config {
	return memory.Config{
		Backend:              m.Backend,
		SQLitePath:           m.SQLitePath,
		RedisAddr:            m.RedisAddr,
		RedisPassword:        m.RedisPassword,
		RedisDB:              m.RedisDB,
		RedisPrefix:          m.RedisPrefix,
		FirestoreProject:     m.FirestoreProject,
		FirestoreCollection:  m.FirestoreCollection,
		FirestoreCredentials: m.FirestoreCredentials,
	}
}

// TranscriptConfig enables transcript archives when Dir is set.
type TranscriptConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	Tracing      string `yaml:"tracing" env:"TRACING"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPHeaders  string `yaml:"otlp_headers" env:"OTLP_HEADERS"`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scenarios: "scenarios",
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			GRPCAddr:        ":9091",
			EventRate:       2,
			EventBurst:      4,
			ShutdownTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			TickInterval:      time.Second,
			Gap:               2 * time.Second,
			GenerationTimeout: 20 * time.Second,
			SpeechTimeout:     8 * time.Second,
			ClassifyTimeout:   1500 * time.Millisecond,
			HistoryWindow:     12,
			MaxFacts:          5,
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			Temperature: 0.8,
			MaxTokens:   300,
		},
		Speech: SpeechConfig{
			Model: "tts-1",
			Voice: "alloy",
		},
		Memory: MemoryConfig{
			Backend: "memory",
		},
		Observability: ObservabilityConfig{
			ServiceName: "stagecraft",
			Tracing:     "none",
		},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults, then
// applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		parser := security.NewSafeYAMLParser(security.DefaultYAMLLimits())
		if err := parser.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays STAGECRAFT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Scenarios == "" {
		errs = append(errs, errors.New("scenarios directory is required"))
	}
	if c.Generation.Provider == "" {
		errs = append(errs, errors.New("generation.provider is required"))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f out of range [0, 2]", c.Generation.Temperature))
	}
	if c.Generation.MaxTokens < 0 {
		errs = append(errs, errors.New("generation.max_tokens must not be negative"))
	}
	if c.Session.Gap < 0 {
		errs = append(errs, errors.New("session.gap must not be negative"))
	}
	if c.Session.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("session.generation_timeout must be positive"))
	}
	if c.Server.EventRate <= 0 || c.Server.EventBurst <= 0 {
		errs = append(errs, errors.New("server.event_rate and server.event_burst must be positive"))
	}

	switch strings.ToLower(c.Memory.Backend) {
	case "", "memory":
	case "sqlite":
		if c.Memory.SQLitePath == "" {
			errs = append(errs, errors.New("memory.sqlite_path is required for the sqlite backend"))
		}
	case "redis":
		if c.Memory.RedisAddr == "" {
			errs = append(errs, errors.New("memory.redis_addr is required for the redis backend"))
		}
	case "firestore":
		if c.Memory.FirestoreProject == "" {
			errs = append(errs, errors.New("memory.firestore_project is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend %q", c.Memory.Backend))
	}

	switch c.Observability.Tracing {
	case "", "none", "stdout":
	case "otlp":
		if c.Observability.OTLPEndpoint == "" {
			errs = append(errs, errors.New("observability.otlp_endpoint is required for otlp tracing"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Observability.Tracing))
	}
	return errors.Join(errs...)
}

// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-careplan/internal/domain/intake"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Care plan generation modes for the intake API.
const (
	CarePlanAsync = "async" // worker consumes order events
	CarePlanSync  = "sync"  // generated inline in the submit response
	CarePlanOff   = "off"
)

// Config holds process configuration shared by the intake API, the outbox
// relay and the care-plan worker.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MRNMinLength  int           `mapstructure:"MRN_MIN_LENGTH"`
	MRNMaxLength  int           `mapstructure:"MRN_MAX_LENGTH"`
	SubmitTimeout time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
	APIKeys       string        `mapstructure:"API_KEYS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel     string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL   string        `mapstructure:"OPENAI_BASE_URL"`
	CarePlanTimeout time.Duration `mapstructure:"CAREPLAN_TIMEOUT"`
	CarePlanMode    string        `mapstructure:"CAREPLAN_MODE"`
	WorkerCount     int           `mapstructure:"WORKER_COUNT"`

	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string `mapstructure:"OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MRN_MIN_LENGTH", "MRN_MAX_LENGTH", "SUBMIT_TIMEOUT", "API_KEYS",
	"KAFKA_BROKERS", "CONSUMER_GROUP",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "CAREPLAN_TIMEOUT", "CAREPLAN_MODE", "WORKER_COUNT",
	"TRACING_ENABLED", "OTLP_ENDPOINT",
}

// Load reads configuration. DATABASE_URL is required unless STORE=memory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MRN_MIN_LENGTH", 6)
	v.SetDefault("MRN_MAX_LENGTH", 6)
	v.SetDefault("SUBMIT_TIMEOUT", "10s")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "careplan-worker")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "250ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("CAREPLAN_TIMEOUT", "15s")
	v.SetDefault("CAREPLAN_MODE", CarePlanAsync)
	v.SetDefault("WORKER_COUNT", 8)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}
	for i := range cfg.KafkaBrokers {
		cfg.KafkaBrokers[i] = strings.TrimSpace(cfg.KafkaBrokers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.CarePlanMode {
	case CarePlanAsync, CarePlanSync, CarePlanOff:
	default:
		return fmt.Errorf("CAREPLAN_MODE must be async, sync or off, got %q", c.CarePlanMode)
	}

	if err := c.MRNPolicy().Validate(); err != nil {
		return fmt.Errorf("MRN_MIN_LENGTH/MRN_MAX_LENGTH: %w", err)
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT must be positive")
	}
	if _, err := c.ParsedAPIKeys(); err != nil {
		return err
	}
	return nil
}

// IsDev reports whether ENV is development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// MRNPolicy returns the configured MRN length bounds.
func (c *Config) MRNPolicy() intake.MRNPolicy {
	return intake.MRNPolicy{MinLength: c.MRNMinLength, MaxLength: c.MRNMaxLength}
}

// ParsedAPIKeys parses API_KEYS, a comma-separated list of key:client
// pairs. An empty value disables API key checks.
func (c *Config) ParsedAPIKeys() (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}

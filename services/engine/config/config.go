// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads engine configuration from the environment.
//
// Every deployment knob is an environment variable; container secrets
// mounted under /run/secrets take over when the variable is unset.
// Credentials are sealed in memguard enclaves at load time and only
// opened at the point a client is constructed.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := engine.New(cfg, nil)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// =============================================================================
// Backend Identifiers
// =============================================================================

// Supported LLM backends.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendClaude = "claude"
)

// Supported vector store backends.
const (
	VectorChromem  = "chromem"
	VectorWeaviate = "weaviate"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds every engine setting resolved from the environment.
//
// # Description
//
// Config centralizes deployment configuration: HTTP serving, LLM
// backends and models, cache and vector store locations, session
// retention, and rate limit overrides. Load() fills it from the
// environment; tests populate it directly.
//
// # Required Fields
//
// None. Every field has a default suitable for local development,
// though LLM-backed features degrade without a reachable provider.
type Config struct {
	// Port is the HTTP server port. Default: 8090 (ENGINE_PORT).
	Port int

	// GinMode sets the Gin framework mode: "debug", "release", "test".
	// Default: GIN_MODE env var or "debug".
	GinMode string

	// LLMBackend selects the model provider.
	// Valid values: "openai", "ollama", "claude". Default: "openai".
	LLMBackend string

	// IntentModel is the model used for intent classification.
	// Defaults to a fast, cheap model for the chosen backend.
	IntentModel string

	// GenerationModel is the model used for response generation.
	GenerationModel string

	// EmbeddingModel is the embedding model for semantic cache and
	// knowledge retrieval.
	EmbeddingModel string

	// LLMAPIKey is the provider credential, sealed in an enclave.
	// Nil when neither LLM_API_KEY nor /run/secrets/llm_api_key is set.
	LLMAPIKey *Secret

	// OllamaBaseURL is the Ollama server address for the ollama
	// backend. Default: "http://localhost:11434".
	OllamaBaseURL string

	// CacheURL is the Redis address for the L1/L3/L4 cache layers.
	// Empty disables Redis; the engine runs on the in-process fallback.
	// Example: "localhost:6379".
	CacheURL string

	// CachePassword is the Redis credential, sealed in an enclave.
	CachePassword *Secret

	// VectorBackend selects the vector store for L2 and knowledge.
	// Valid values: "chromem", "weaviate". Default: "chromem".
	VectorBackend string

	// VectorStorePath is the embedded vector store directory.
	// Default: "./data/vectors".
	VectorStorePath string

	// WeaviateURL is the remote vector backend URL, used only when
	// VectorBackend is "weaviate". Example: "http://localhost:8080".
	WeaviateURL string

	// DatabasePath is the embedded session store directory.
	// Default: "./data/sessions" (DATABASE_URL).
	DatabasePath string

	// Cache layer TTLs. Defaults: 30m, 1h, 1h, 24h.
	CacheTTLL1 time.Duration
	CacheTTLL2 time.Duration
	CacheTTLL3 time.Duration
	CacheTTLL4 time.Duration

	// Rate limit ceilings. Zero values take the documented defaults
	// when the limiter is constructed.
	RateUserPerMinute   int
	RateUserPerHour     int
	RateUserPerDay      int
	RateBurstCapacity   int
	RateBurstRefill     int
	RateGlobalPerMinute int
	RateIPPerMinute     int

	// SessionInactivity is the idle window after which a session no
	// longer accepts new turns. Default: 30m (SESSION_INACTIVITY_MINUTES).
	SessionInactivity time.Duration

	// RetentionDays is how long ended and idle sessions are kept
	// before the sweeper deletes them. Default: 90.
	RetentionDays int

	// SweepSchedule is the cron expression for the retention sweeper.
	// Default: "@hourly".
	SweepSchedule string

	// OTelEndpoint is the OTLP trace collector address. Empty disables
	// trace export (spans are still created, never shipped).
	OTelEndpoint string

	// EnableMetrics enables the Prometheus /metrics endpoint.
	// Default: true.
	EnableMetrics bool

	// LogLevel is the minimum log level: "debug", "info", "warn",
	// "error". Default: "info".
	LogLevel string

	// LogDir enables file logging alongside stderr when set.
	LogDir string
}

// memguardOnce arms the interrupt handler a single time per process so
// sealed secrets are wiped even on Ctrl-C.
var memguardOnce sync.Once

// Load resolves configuration from the environment.
//
// # Description
//
// Reads every documented environment variable, applies defaults for
// unset values, seals credentials into memguard enclaves, and
// validates enumerated fields.
//
// # Outputs
//
//   - *Config: Fully populated configuration
//   - error: Non-nil for malformed numeric values or unknown backends
func Load() (*Config, error) {
	memguardOnce.Do(memguard.CatchInterrupt)

	cfg := &Config{
		Port:            envInt("ENGINE_PORT", 8090),
		GinMode:         os.Getenv("GIN_MODE"),
		LLMBackend:      envOr("LLM_BACKEND_TYPE", BackendOpenAI),
		IntentModel:     os.Getenv("LLM_MODEL_INTENT"),
		GenerationModel: os.Getenv("LLM_MODEL_GENERATION"),
		EmbeddingModel:  os.Getenv("EMBEDDING_MODEL"),
		LLMAPIKey:       secretFrom("LLM_API_KEY", "/run/secrets/llm_api_key"),
		OllamaBaseURL:   envOr("OLLAMA_BASE_URL", "http://localhost:11434"),
		CacheURL:        os.Getenv("CACHE_URL"),
		CachePassword:   secretFrom("CACHE_PASSWORD", "/run/secrets/cache_password"),
		VectorBackend:   envOr("VECTOR_BACKEND_TYPE", VectorChromem),
		VectorStorePath: envOr("VECTOR_STORE_PATH", "./data/vectors"),
		WeaviateURL:     os.Getenv("WEAVIATE_SERVICE_URL"),
		DatabasePath:    envOr("DATABASE_URL", "./data/sessions"),

		CacheTTLL1: envDuration("CACHE_TTL_L1", 30*time.Minute),
		CacheTTLL2: envDuration("CACHE_TTL_L2", time.Hour),
		CacheTTLL3: envDuration("CACHE_TTL_L3", time.Hour),
		CacheTTLL4: envDuration("CACHE_TTL_L4", 24*time.Hour),

		RateUserPerMinute:   envInt("RATE_LIMIT_USER_PER_MINUTE", 0),
		RateUserPerHour:     envInt("RATE_LIMIT_USER_PER_HOUR", 0),
		RateUserPerDay:      envInt("RATE_LIMIT_USER_PER_DAY", 0),
		RateBurstCapacity:   envInt("RATE_LIMIT_BURST_CAPACITY", 0),
		RateBurstRefill:     envInt("RATE_LIMIT_BURST_REFILL", 0),
		RateGlobalPerMinute: envInt("RATE_LIMIT_GLOBAL_PER_MINUTE", 0),
		RateIPPerMinute:     envInt("RATE_LIMIT_IP_PER_MINUTE", 0),

		SessionInactivity: time.Duration(envInt("SESSION_INACTIVITY_MINUTES", 30)) * time.Minute,
		RetentionDays:     envInt("RETENTION_DAYS", 90),
		SweepSchedule:     envOr("SWEEP_SCHEDULE", "@hourly"),

		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnableMetrics: envBool("ENABLE_METRICS", true),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogDir:        os.Getenv("LOG_DIR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and value ranges.
func (c *Config) Validate() error {
	switch c.LLMBackend {
	case BackendOpenAI, BackendOllama, BackendClaude:
	default:
		return fmt.Errorf("unknown LLM_BACKEND_TYPE %q (want openai, ollama, or claude)", c.LLMBackend)
	}

	switch c.VectorBackend {
	case VectorChromem, VectorWeaviate:
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND_TYPE %q (want chromem or weaviate)", c.VectorBackend)
	}

	// Fail fast on a missing credential rather than at first model call.
	if (c.LLMBackend == BackendOpenAI || c.LLMBackend == BackendClaude) && !c.LLMAPIKey.Present() {
		return fmt.Errorf("LLM_API_KEY is not set (required for the %s backend)", c.LLMBackend)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENGINE_PORT %d out of range", c.Port)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.SessionInactivity <= 0 {
		return fmt.Errorf("SESSION_INACTIVITY_MINUTES must be positive")
	}
	return nil
}

// =============================================================================
// Secrets
// =============================================================================

// Secret is a credential sealed in a memguard enclave. The plaintext
// exists in regular memory only inside Reveal callers.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals raw into an enclave. The source slice backing raw is
// not wiped; use this for test setup, not for production key material.
func NewSecret(raw string) *Secret {
	if raw == "" {
		return nil
	}
	return &Secret{enclave: memguard.NewEnclave([]byte(raw))}
}

// Present reports whether a credential was configured.
func (s *Secret) Present() bool {
	return s != nil && s.enclave != nil
}

// Reveal opens the enclave and returns a plaintext copy. The locked
// buffer is destroyed before returning; the copy is the caller's to
// hand to SDK clients that take plain strings.
func (s *Secret) Reveal() (string, error) {
	if !s.Present() {
		return "", nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open sealed credential: %w", err)
	}
	out := string(buf.Bytes())
	buf.Destroy()
	return out, nil
}

// secretFrom reads a credential from the environment, falling back to
// a mounted secret file. Mirrors how container deployments inject API
// keys via Podman/Docker secrets.
func secretFrom(envKey, secretPath string) *Secret {
	if v := os.Getenv(envKey); v != "" {
		return NewSecret(v)
	}
	if content, err := os.ReadFile(secretPath); err == nil {
		return NewSecret(strings.TrimSpace(string(content)))
	}
	return nil
}

// =============================================================================
// Environment Helpers
// =============================================================================

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration parses a Go duration string ("30m", "1h"). Bare integers
// are treated as minutes for compatibility with older deployments.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Minute
	}
	return def
}

// Package config loads engine configuration from environment variables, with
// sensible defaults for local development. In development, a .env file in the
// working directory is loaded first (github.com/joho/godotenv) if present.
package config

import (
	"os"
	"strconv"
	"time"

	"cgot.sh/engine/core/db"
	"github.com/joho/godotenv"
)

// Config holds all engine configuration.
type Config struct {
	// Env is the environment name (development, production).
	Env string

	// Agent bounds the reasoning loop.
	Agent AgentConfig

	// Planner bounds cost-probing behavior.
	Planner PlannerConfig

	// Gateway configures access to the knowledge graph.
	Gateway GatewayConfig

	// Oracle configures the LM oracle client.
	Oracle OracleConfig

	// Trace holds the optional run-trace database configuration. Zero value
	// (empty DSN) disables the trace store.
	Trace db.Config

	// OTel holds telemetry export configuration. Disabled unless Endpoint is set.
	OTel OTelConfig
}

// AgentConfig bounds the reasoning agent's step loop.
type AgentConfig struct {
	MaxSteps int
}

// PlannerConfig bounds the cost planner's probing behavior.
type PlannerConfig struct {
	ProbeLimit   int
	ProbeTimeout time.Duration
	FanOut       int
}

// GatewayConfig configures KG access and caching.
type GatewayConfig struct {
	Endpoint             string
	EntitySearchEndpoint string
	UserAgent            string
	CachePath            string
	MaxRetries           int
	InitialBackoff       time.Duration
	RateLimitPerSecond   float64
}

// OracleConfig configures the LM oracle client.
type OracleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OTelConfig configures OpenTelemetry export. A zero-value Endpoint disables
// telemetry entirely.
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Enabled reports whether telemetry export is configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Load loads configuration from environment variables, applying defaults for
// anything unset. In development it first loads a .env file if one exists.
func Load() Config {
	env := getEnv("CGOT_ENV", "development")
	if env != "production" {
		_ = godotenv.Load()
	}

	return Config{
		Env: env,
		Agent: AgentConfig{
			MaxSteps: getEnvInt("CGOT_MAX_AGENT_STEPS", 15),
		},
		Planner: PlannerConfig{
			ProbeLimit:   getEnvInt("CGOT_PROBE_LIMIT", 1000),
			ProbeTimeout: getEnvDuration("CGOT_PROBE_TIMEOUT_SECONDS", 2*time.Second),
			FanOut:       getEnvInt("CGOT_PLANNER_FAN_OUT", 4),
		},
		Gateway: GatewayConfig{
			Endpoint:             getEnv("CGOT_KG_ENDPOINT", "https://query.wikidata.org/sparql"),
			EntitySearchEndpoint: getEnv("CGOT_KG_ENTITY_SEARCH_ENDPOINT", "https://www.wikidata.org/w/api.php"),
			UserAgent:            getEnv("CGOT_USER_AGENT", "cgot-engine/1.0 (https://cgot.sh)"),
			CachePath:            getEnv("CGOT_CACHE_PATH", "cache/kg_cache.json"),
			MaxRetries:           getEnvInt("CGOT_GATEWAY_MAX_RETRIES", 5),
			InitialBackoff:       getEnvDuration("CGOT_GATEWAY_INITIAL_BACKOFF_SECONDS", 1*time.Second),
			RateLimitPerSecond:   getEnvFloat("CGOT_GATEWAY_RATE_LIMIT_PER_SECOND", 2.0),
		},
		Oracle: OracleConfig{
			APIKey:  getEnv("CGOT_ORACLE_API_KEY", ""),
			BaseURL: getEnv("CGOT_ORACLE_BASE_URL", ""),
			Model:   getEnv("CGOT_ORACLE_MODEL", "gpt-4.1"),
		},
		Trace: db.Config{
			DSN:      getEnv("CGOT_TRACE_DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("CGOT_TRACE_DB_MAX_CONNS", 4)),
			MinConns: int32(getEnvInt("CGOT_TRACE_DB_MIN_CONNS", 1)),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("CGOT_OTEL_ENDPOINT", ""),
			Headers:        getEnv("CGOT_OTEL_HEADERS", ""),
			ServiceName:    getEnv("CGOT_OTEL_SERVICE_NAME", "cgot-engine"),
			ServiceVersion: getEnv("CGOT_OTEL_SERVICE_VERSION", "dev"),
		},
	}
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// TraceEnabled reports whether the run trace store is configured.
func (c Config) TraceEnabled() bool {
	return c.Trace.DSN != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

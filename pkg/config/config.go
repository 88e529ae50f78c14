// Package config loads service configuration from the environment, with
// optional per-league YAML profiles layered on top.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Promotion platform bridge. Empty DatabaseURL selects the in-memory
	// bridge (local/dev mode).
	DatabaseURL string

	// RedisAddr enables the distributed rate limiter when non-empty.
	RedisAddr string

	// Evidence backend selection is read by the evidence factory directly;
	// kept here so the value shows up in startup logs.
	EvidenceBackend string

	// Upstream providers.
	StatsFeedURL    string
	StatsFeedAPIKey string
	LeagueAPIURL    string
	ProviderTimeout time.Duration

	// Per-provider request budgets, requests per minute.
	StatsFeedRPM int
	LeagueAPIRPM int

	// Consensus tuning.
	StatsFeedWeight   float64
	LeagueAPIWeight   float64
	ApprovalThreshold float64
	StalenessHorizon  time.Duration

	// Circuit breaker tuning.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// Workflow tuning.
	WorkflowMaxConcurrent    int
	WorkflowExecutionTimeout time.Duration
	WorkflowMaxAttempts      int

	// Monitor tuning.
	PollInterval   time.Duration
	CheckpointPath string

	// Console.
	ConsoleAuthSecret string
	IdempotencyTTL    time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		EvidenceBackend: getEnv("EVIDENCE_BACKEND", "memory"),

		StatsFeedURL:    getEnv("STATSFEED_URL", "https://api.statsfeed.example.com"),
		StatsFeedAPIKey: os.Getenv("STATSFEED_API_KEY"),
		LeagueAPIURL:    getEnv("LEAGUE_API_URL", "https://api.league.example.com"),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		StatsFeedRPM: getInt("STATSFEED_RPM", 120),
		LeagueAPIRPM: getInt("LEAGUE_API_RPM", 120),

		StatsFeedWeight:   getFloat("STATSFEED_WEIGHT", 0.6),
		LeagueAPIWeight:   getFloat("LEAGUE_API_WEIGHT", 0.4),
		ApprovalThreshold: getFloat("APPROVAL_THRESHOLD", 0.75),
		StalenessHorizon:  getDuration("STALENESS_HORIZON", 5*time.Minute),

		BreakerFailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),

		WorkflowMaxConcurrent:    getInt("WORKFLOW_MAX_CONCURRENT", 10),
		WorkflowExecutionTimeout: getDuration("WORKFLOW_EXECUTION_TIMEOUT", 60*time.Second),
		WorkflowMaxAttempts:      getInt("WORKFLOW_MAX_ATTEMPTS", 3),

		PollInterval:   getDuration("POLL_INTERVAL", 15*time.Second),
		CheckpointPath: getEnv("CHECKPOINT_PATH", "promoguard-checkpoint.db"),

		ConsoleAuthSecret: os.Getenv("CONSOLE_AUTH_SECRET"),
		IdempotencyTTL:    getDuration("IDEMPOTENCY_TTL", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

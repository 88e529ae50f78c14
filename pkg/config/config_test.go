package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/promoguard/core/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STATSFEED_WEIGHT", "")
	t.Setenv("APPROVAL_THRESHOLD", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL, "no database means the in-memory bridge")
	assert.Equal(t, 0.6, cfg.StatsFeedWeight)
	assert.Equal(t, 0.4, cfg.LeagueAPIWeight)
	assert.Equal(t, 0.75, cfg.ApprovalThreshold)
	assert.Equal(t, 5*time.Minute, cfg.StalenessHorizon)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.WorkflowMaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/promos")
	t.Setenv("STATSFEED_API_KEY", "sf-key")
	t.Setenv("STATSFEED_WEIGHT", "0.7")
	t.Setenv("APPROVAL_THRESHOLD", "0.9")
	t.Setenv("BREAKER_RESET_TIMEOUT", "45s")
	t.Setenv("WORKFLOW_MAX_CONCURRENT", "4")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/promos", cfg.DatabaseURL)
	assert.Equal(t, "sf-key", cfg.StatsFeedAPIKey)
	assert.Equal(t, 0.7, cfg.StatsFeedWeight)
	assert.Equal(t, 0.9, cfg.ApprovalThreshold)
	assert.Equal(t, 45*time.Second, cfg.BreakerResetTimeout)
	assert.Equal(t, 4, cfg.WorkflowMaxConcurrent)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("STATSFEED_RPM", "not-a-number")
	t.Setenv("APPROVAL_THRESHOLD", "ninety percent")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg := config.Load()

	assert.Equal(t, 120, cfg.StatsFeedRPM)
	assert.Equal(t, 0.75, cfg.ApprovalThreshold)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("AI_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test-key-for-validation")
	t.Setenv("SKIP_AUTH", "true")
}

func TestValidateEnv_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "openai", cfg.AIProvider)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, 30, cfg.SummaryEntryThreshold)
	assert.Equal(t, 10*time.Minute, cfg.SummaryInterval)
	assert.Equal(t, 10*time.Minute, cfg.RoomIdleTimeout)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.False(t, cfg.RedisEnabled)
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateEnv_MissingProviderKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("OPENAI_API_KEY", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestValidateEnv_UnknownProvider(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AI_PROVIDER", "acme")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_PROVIDER")
}

func TestValidateEnv_GeminiProvider(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AI_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "gm-test-key")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.AIProvider)
	assert.Equal(t, "gm-test-key", cfg.GeminiAPIKey)
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-a-hostport")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateEnv_AuthRequiredOutsideDev(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SKIP_AUTH", "false")

	_, err := ValidateEnv()
	require.Error(t, err)

	// Development mode auto-skips instead.
	t.Setenv("DEVELOPMENT_MODE", "true")
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.SkipAuth)
}

func TestValidateEnv_BadIntFallsBackWithError(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SUMMARY_ENTRY_THRESHOLD", "zero")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUMMARY_ENTRY_THRESHOLD")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:notaport"))
	assert.False(t, isValidHostPort("host:0"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "", redactSecret(""))
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "sk-12345***", redactSecret("sk-12345678901234"))
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_ProviderKeys(t *testing.T) {
	t.Run("GEMINI_API_KEY selects gemini", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.AI.APIKey)
		assert.Equal(t, "gemini", cfg.AI.Provider)
	})

	t.Run("GOOGLE_API_KEY also selects gemini", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GOOGLE_API_KEY", "goog-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "goog-key", cfg.AI.APIKey)
		assert.Equal(t, "gemini", cfg.AI.Provider)
	})

	t.Run("ANTHROPIC_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "ant-key", cfg.AI.APIKey)
		assert.Equal(t, "anthropic", cfg.AI.Provider)
	})

	t.Run("env key beats file key", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "env-key")

		cfg := DefaultConfig()
		cfg.AI.APIKey = "file-key"
		cfg.AI.Provider = "gemini"
		cfg.applyEnvOverrides()

		assert.Equal(t, "env-key", cfg.AI.APIKey)
		assert.Equal(t, "anthropic", cfg.AI.Provider)
	})
}

func TestEnvOverrides_Settings(t *testing.T) {
	clearEnv(t)
	t.Setenv("YEYTEST_LEVEL", "local")
	t.Setenv("YEYTEST_BUDGET", "25")
	t.Setenv("YEYTEST_DEVICE", "emulator-5556")
	t.Setenv("YEYTEST_STORE", "/tmp/alt-runs.db")
	t.Setenv("YEYTEST_ARTIFACTS", "/tmp/alt-artifacts")
	t.Setenv("YEYTEST_DEBUG", "1")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "local", cfg.Validation.Level)
	assert.Equal(t, 25, cfg.AI.Budget)
	assert.Equal(t, "emulator-5556", cfg.Maestro.Device)
	assert.Equal(t, "/tmp/alt-runs.db", cfg.Store.Path)
	assert.Equal(t, "/tmp/alt-artifacts", cfg.Artifacts.Dir)
	assert.True(t, cfg.Logging.Debug)
}

func TestEnvOverrides_BadBudgetIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("YEYTEST_BUDGET", "plenty")

	cfg := DefaultConfig()
	cfg.AI.Budget = 5
	cfg.applyEnvOverrides()

	assert.Equal(t, 5, cfg.AI.Budget)
}

func TestEnvOverrides_DebugFalseValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("YEYTEST_DEBUG", "0")

	cfg := DefaultConfig()
	cfg.Logging.Debug = true
	cfg.applyEnvOverrides()

	assert.False(t, cfg.Logging.Debug)
}

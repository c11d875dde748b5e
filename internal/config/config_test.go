package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.BindAddr)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, "characters", cfg.CharactersDir)
	assert.Equal(t, "characters.json", cfg.CharactersFile)
	assert.Equal(t, 300*time.Second, cfg.Wav2Lip.Timeout)
	assert.Equal(t, "Wav2Lip-SD-GAN.pt", cfg.Wav2Lip.HighQualityCheckpoint)
	assert.Equal(t, "wav2lip_gan.pth", cfg.Wav2Lip.StandardQualityCheckpoint)
	assert.Equal(t, "python3", cfg.Wav2Lip.SystemPython)
	assert.Equal(t, "https://api.fish.audio", cfg.FishAudio.BaseURL)
	assert.Equal(t, "s1", cfg.FishAudio.DefaultModel)
	assert.Equal(t, "https://openrouter.ai/api", cfg.OpenRouter.BaseURL)
	assert.Equal(t, "BuddyTalk", cfg.OpenRouter.Title)
	assert.Equal(t, 60*time.Second, cfg.OpenRouter.Timeout)
	assert.Empty(t, cfg.OpenRouter.APIKey)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("WAV2LIP_DIR", "/opt/wav2lip")
	t.Setenv("WAV2LIP_TIMEOUT", "90s")
	t.Setenv("APP_ALLOWED_ORIGINS", " https://buddy.example/ , http://localhost:5173")
	t.Setenv("FISH_AUDIO_API_KEY", "  secret ")
	t.Setenv("FISH_AUDIO_RATE_LIMIT", "2.5")
	t.Setenv("OPENROUTER_API_KEY", " or-key ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/wav2lip", cfg.Wav2Lip.Dir)
	assert.Equal(t, 90*time.Second, cfg.Wav2Lip.Timeout)
	assert.Equal(t, []string{"https://buddy.example", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "secret", cfg.FishAudio.APIKey)
	assert.InDelta(t, 2.5, cfg.FishAudio.RateLimit, 0.0001)
	assert.Equal(t, "or-key", cfg.OpenRouter.APIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"WAV2LIP_TIMEOUT":       "10ms",
		"APP_LOG_FORMAT":        "xml",
		"SESSION_TTL":           "5s",
		"MAX_UPLOAD_BYTES":      "0",
		"FISH_AUDIO_RATE_LIMIT": "-1",
		"OPENROUTER_TIMEOUT":    "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsUnparsableDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestZapLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, Config{LogLevel: "debug"}.ZapLevel().Level())
	assert.Equal(t, zap.ErrorLevel, Config{LogLevel: "error"}.ZapLevel().Level())
	assert.Equal(t, zap.InfoLevel, Config{LogLevel: "chatty"}.ZapLevel().Level())
}

// setCoreEnvEmpty unsets every variable so defaults apply. caarlos0/env
// treats an empty value as unset.
func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOWED_ORIGINS",
		"APP_ALLOW_ANY_ORIGIN",
		"CHARACTERS_DIR",
		"CHARACTERS_FILE",
		"UPLOAD_DIR",
		"OUTPUT_DIR",
		"MAX_UPLOAD_BYTES",
		"SESSION_TTL",
		"WAV2LIP_DIR",
		"WAV2LIP_SCRIPT",
		"WAV2LIP_MODELS_DIR",
		"WAV2LIP_CHECKPOINTS_DIR",
		"WAV2LIP_HQ_CHECKPOINT",
		"WAV2LIP_STD_CHECKPOINT",
		"WAV2LIP_PYTHON",
		"WAV2LIP_LOCAL_PYTHON",
		"WAV2LIP_SYSTEM_PYTHON",
		"WAV2LIP_TIMEOUT",
		"FISH_AUDIO_BASE_URL",
		"FISH_AUDIO_API_KEY",
		"FISH_AUDIO_DEFAULT_MODEL",
		"FISH_AUDIO_TIMEOUT",
		"FISH_AUDIO_RATE_LIMIT",
		"FISH_AUDIO_RATE_BURST",
		"OPENROUTER_BASE_URL",
		"OPENROUTER_API_KEY",
		"OPENROUTER_REFERER",
		"OPENROUTER_TITLE",
		"OPENROUTER_TIMEOUT",
		"OPENROUTER_RATE_LIMIT",
		"OPENROUTER_RATE_BURST",
		"DATABASE_URL",
		"HISTORY_MEMORY_LIMIT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

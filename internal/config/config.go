package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config contains all runtime settings for the lip-sync backend.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8000"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"buddytalk"`
	LogLevel         string        `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"APP_LOG_FORMAT" envDefault:"json"`

	AllowedOrigins []string `env:"APP_ALLOWED_ORIGINS" envDefault:"http://localhost:5173,http://localhost:3000" envSeparator:","`
	AllowAnyOrigin bool     `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	CharactersDir  string `env:"CHARACTERS_DIR" envDefault:"characters"`
	CharactersFile string `env:"CHARACTERS_FILE" envDefault:"characters.json"`

	UploadDir      string        `env:"UPLOAD_DIR" envDefault:"uploads"`
	OutputDir      string        `env:"OUTPUT_DIR" envDefault:"outputs"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"10m"`

	Wav2Lip    Wav2LipConfig    `envPrefix:"WAV2LIP_"`
	FishAudio  FishAudioConfig  `envPrefix:"FISH_AUDIO_"`
	OpenRouter OpenRouterConfig `envPrefix:"OPENROUTER_"`

	DatabaseURL        string `env:"DATABASE_URL"`
	HistoryMemoryLimit int    `env:"HISTORY_MEMORY_LIMIT" envDefault:"500"`
}

// Wav2LipConfig locates the external lip-sync install. Empty paths are
// derived from Dir by the invoker.
type Wav2LipConfig struct {
	Dir                       string        `env:"DIR"`
	Script                    string        `env:"SCRIPT" envDefault:"inference.py"`
	ModelsDir                 string        `env:"MODELS_DIR" envDefault:"models"`
	CheckpointsDir            string        `env:"CHECKPOINTS_DIR"`
	HighQualityCheckpoint     string        `env:"HQ_CHECKPOINT" envDefault:"Wav2Lip-SD-GAN.pt"`
	StandardQualityCheckpoint string        `env:"STD_CHECKPOINT" envDefault:"wav2lip_gan.pth"`
	Python                    string        `env:"PYTHON"`
	LocalPython               string        `env:"LOCAL_PYTHON" envDefault:"wav2lip-venv/bin/python"`
	SystemPython              string        `env:"SYSTEM_PYTHON" envDefault:"python3"`
	Timeout                   time.Duration `env:"TIMEOUT" envDefault:"300s"`
}

// FishAudioConfig controls the text-to-speech proxy.
type FishAudioConfig struct {
	BaseURL      string        `env:"BASE_URL" envDefault:"https://api.fish.audio"`
	APIKey       string        `env:"API_KEY"`
	DefaultModel string        `env:"DEFAULT_MODEL" envDefault:"s1"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"60s"`
	RateLimit    float64       `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst    int           `env:"RATE_BURST" envDefault:"5"`
}

// OpenRouterConfig controls the chat completion proxy. The key never
// leaves the server.
type OpenRouterConfig struct {
	BaseURL   string        `env:"BASE_URL" envDefault:"https://openrouter.ai/api"`
	APIKey    string        `env:"API_KEY"`
	Referer   string        `env:"REFERER" envDefault:"https://buddytalk.app"`
	Title     string        `env:"TITLE" envDefault:"BuddyTalk"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"60s"`
	RateLimit float64       `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int           `env:"RATE_BURST" envDefault:"5"`
}

// Load reads an optional .env file and the process environment, then
// validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.FishAudio.APIKey = strings.TrimSpace(c.FishAudio.APIKey)
	c.OpenRouter.APIKey = strings.TrimSpace(c.OpenRouter.APIKey)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.SessionTTL < 30*time.Second {
		return fmt.Errorf("SESSION_TTL must be at least 30s")
	}
	if c.Wav2Lip.Timeout < time.Second {
		return fmt.Errorf("WAV2LIP_TIMEOUT must be at least 1s")
	}
	if strings.TrimSpace(c.Wav2Lip.Script) == "" {
		return fmt.Errorf("WAV2LIP_SCRIPT must not be empty")
	}
	if c.FishAudio.Timeout <= 0 {
		return fmt.Errorf("FISH_AUDIO_TIMEOUT must be positive")
	}
	if c.FishAudio.RateLimit < 0 {
		return fmt.Errorf("FISH_AUDIO_RATE_LIMIT must be >= 0")
	}
	if c.FishAudio.RateLimit > 0 && c.FishAudio.RateBurst <= 0 {
		return fmt.Errorf("FISH_AUDIO_RATE_BURST must be positive when a rate limit is set")
	}
	if c.OpenRouter.Timeout <= 0 {
		return fmt.Errorf("OPENROUTER_TIMEOUT must be positive")
	}
	if c.OpenRouter.RateLimit < 0 {
		return fmt.Errorf("OPENROUTER_RATE_LIMIT must be >= 0")
	}
	if c.OpenRouter.RateLimit > 0 && c.OpenRouter.RateBurst <= 0 {
		return fmt.Errorf("OPENROUTER_RATE_BURST must be positive when a rate limit is set")
	}
	if c.HistoryMemoryLimit <= 0 {
		return fmt.Errorf("HISTORY_MEMORY_LIMIT must be positive")
	}
	return nil
}

// ZapLevel maps APP_LOG_LEVEL onto a zap level, defaulting to info.
func (c Config) ZapLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// NewLogger builds the process logger from the configured format and level.
func (c Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = c.ZapLevel()
	return zc.Build()
}

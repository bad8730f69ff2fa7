package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the caption gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// ASR backend configuration
	ASRProvider string `envconfig:"ASR_PROVIDER" default:"deepgram"` // deepgram, google, mock
	ASRModel    string `envconfig:"ASR_MODEL" default:"nova-2"`
	ASRLanguage string `envconfig:"ASR_LANGUAGE" default:"zh-CN"`
	ASRTimeout  int    `envconfig:"ASR_TIMEOUT" default:"20"` // seconds per transcription call

	// Deepgram credentials (required when ASR_PROVIDER=deepgram)
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`

	// Model artifact cache (local VAD submodels, warm-load bookkeeping)
	ModelCacheDir string `envconfig:"MODEL_CACHE_DIR" default:"models"`

	// Capture configuration
	FFmpegPath         string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	ResolverURL        string `envconfig:"RESOLVER_URL" default:""` // external broadcast resolver, empty = treat refs as direct media URLs
	CaptureStopTimeout int    `envconfig:"CAPTURE_STOP_TIMEOUT" default:"3"` // seconds before force-kill

	// Pipeline configuration
	DefaultProfile   string `envconfig:"PIPELINE_PROFILE" default:"stable"` // fast, stable
	OutputMode       string `envconfig:"OUTPUT_MODE" default:"segment"`     // segment, delta
	HotwordRulesPath string `envconfig:"HOTWORD_RULES_PATH" default:"hotwords.yaml"`

	// Hallucination guard floors
	GuardConfidenceFloor float64 `envconfig:"GUARD_CONFIDENCE_FLOOR" default:"0.35"`
	GuardLoudnessFloor   float64 `envconfig:"GUARD_LOUDNESS_FLOOR" default:"0.010"`
	GuardMinChars        int     `envconfig:"GUARD_MIN_CHARS" default:"2"`

	// Persistence configuration
	PersistEnabled bool   `envconfig:"PERSIST_ENABLED" default:"false"`
	PersistRoot    string `envconfig:"PERSIST_ROOT" default:"transcripts"`

	// Kafka event sink (optional; empty brokers = log-only mode)
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"captions.partial"`
	KafkaTopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"captions.final"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider credentials and threshold sanity.
func (c *Config) Validate() error {
	switch c.ASRProvider {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when ASR_PROVIDER=deepgram")
		}
	case "google", "mock":
	default:
		return fmt.Errorf("unknown ASR provider %q", c.ASRProvider)
	}

	if c.OutputMode != "segment" && c.OutputMode != "delta" {
		return fmt.Errorf("unknown output mode %q", c.OutputMode)
	}
	if _, err := ProfileByName(c.DefaultProfile); err != nil {
		return err
	}
	if c.GuardConfidenceFloor < 0 || c.GuardConfidenceFloor > 1 {
		return fmt.Errorf("GUARD_CONFIDENCE_FLOOR must be in [0,1], got %v", c.GuardConfidenceFloor)
	}
	if c.GuardLoudnessFloor < 0 || c.GuardLoudnessFloor > 1 {
		return fmt.Errorf("GUARD_LOUDNESS_FLOOR must be in [0,1], got %v", c.GuardLoudnessFloor)
	}
	return nil
}

// Package config reads settings from the environment, optionally seeded
// from a .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LLM struct {
	Provider       string
	AnthropicKey   string
	AnthropicModel string
	AnthropicURL   string
	OpenAIKey      string
	OpenAIModel    string
	OpenAIURL      string
	GeminiKey      string
	GeminiModel    string
	GeminiURL      string
	Timeout        time.Duration
	MaxRetries     int
	MaxConcurrency int
	RatePerSec     float64
	AnalysisMode   string
}

type Agent struct {
	Headless      bool
	StopOnError   bool
	FlowTimeout   time.Duration
	ActionDelay   time.Duration
	StableTimeout time.Duration
	Concurrency   int
}

type Cache struct {
	Enabled         bool
	Backend         string
	Path            string
	RedisAddr       string
	RedisKey        string
	TTL             time.Duration
	MaxSize         int
	MaxFailures     int
	Similarity      float64
	CleanupInterval time.Duration
}

type Resolver struct {
	Attempts       int
	RetryDelay     time.Duration
	VisibleTimeout time.Duration
}

type Config struct {
	LLM         LLM
	Agent       Agent
	Cache       Cache
	Resolver    Resolver
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// LoadDotEnv seeds the environment from the given files, or ./.env when
// none are named. Variables already set win. Missing files are fine.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration from the environment. Malformed values fall
// back to their defaults.
func Load() Config {
	return Config{
		LLM: LLM{
			Provider:       envOrDefault("LLM_PROVIDER", "auto"),
			AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicModel: os.Getenv("ANTHROPIC_MODEL"),
			AnthropicURL:   os.Getenv("ANTHROPIC_BASE_URL"),
			OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
			OpenAIModel:    os.Getenv("OPENAI_MODEL"),
			OpenAIURL:      os.Getenv("OPENAI_BASE_URL"),
			GeminiKey:      os.Getenv("GEMINI_API_KEY"),
			GeminiModel:    os.Getenv("GEMINI_MODEL"),
			GeminiURL:      os.Getenv("GEMINI_BASE_URL"),
			Timeout:        durationOrDefault("LLM_TIMEOUT", 60*time.Second),
			MaxRetries:     intOrDefault("LLM_MAX_RETRIES", 0),
			MaxConcurrency: intOrDefault("LLM_MAX_CONCURRENCY", 0),
			RatePerSec:     floatOrDefault("LLM_RATE_PER_SEC", 0),
			AnalysisMode:   envOrDefault("AGENT_ANALYSIS_MODE", "dom"),
		},
		Agent: Agent{
			Headless:      boolOrDefault("AGENT_HEADLESS", true),
			StopOnError:   boolOrDefault("AGENT_STOP_ON_ERROR", false),
			FlowTimeout:   durationOrDefault("AGENT_FLOW_TIMEOUT", 5*time.Minute),
			ActionDelay:   durationOrDefault("AGENT_ACTION_DELAY", 500*time.Millisecond),
			StableTimeout: durationOrDefault("AGENT_STABLE_TIMEOUT", 5*time.Second),
			Concurrency:   intOrDefault("AGENT_CONCURRENCY", 1),
		},
		Cache: Cache{
			Enabled:         boolOrDefault("CACHE_ENABLED", true),
			Backend:         strings.ToLower(envOrDefault("CACHE_BACKEND", "file")),
			Path:            envOrDefault("CACHE_PATH", ".nlflow/selector-cache.json"),
			RedisAddr:       envOrDefault("CACHE_REDIS_ADDR", "localhost:6379"),
			RedisKey:        envOrDefault("CACHE_REDIS_KEY", "nlflow:selector-cache"),
			TTL:             durationOrDefault("CACHE_TTL", 7*24*time.Hour),
			MaxSize:         intOrDefault("CACHE_MAX_SIZE", 1000),
			MaxFailures:     intOrDefault("CACHE_MAX_FAILURES", 3),
			Similarity:      floatOrDefault("CACHE_SIMILARITY", 0.85),
			CleanupInterval: durationOrDefault("CACHE_CLEANUP_INTERVAL", time.Hour),
		},
		Resolver: Resolver{
			Attempts:       intOrDefault("RESOLVER_ATTEMPTS", 2),
			RetryDelay:     durationOrDefault("RESOLVER_RETRY_DELAY", 2*time.Second),
			VisibleTimeout: durationOrDefault("RESOLVER_VISIBLE_TIMEOUT", 2*time.Second),
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "console"),
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

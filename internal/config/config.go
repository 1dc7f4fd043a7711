// Package config loads runtime configuration for the slough-ai services from the
// environment, optionally seeded by a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingCredential is returned by Validate when a required secret is absent.
var ErrMissingCredential = errors.New("missing credential")

// Provider names a langchaingo backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderAnthropic Provider = "anthropic"
)

// StoreBackend selects the vector store implementation.
type StoreBackend string

const (
	StorePGVector StoreBackend = "pgvector"
	StoreChromem  StoreBackend = "chromem"
)

// Config holds all service configuration.
type Config struct {
	// Providers
	LLMProvider     Provider
	EmbedProvider   Provider
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaURL       string

	// Models
	AnswerModel      string
	AnswerTemp       float64
	SummaryModel     string
	SummaryMaxTokens int
	EmbedModel       string
	EmbedDimension   int
	EmbedRPS         float64
	EmbedCacheSize   int

	// Storage
	StoreBackend StoreBackend
	DatabaseURL  string
	ChromemDir   string
	RedisAddress string
	RedisDB      int

	// Messaging and workflows
	NATSAddress   string
	InngestAppID  string
	InngestAPIKey string
	InngestEvent  string

	// Pipeline tuning
	DedupTTL          time.Duration
	MaxRecentPairs    int
	RetrievalK        int
	RetrievalMinScore float64
	ThreadLocking     bool
	ThreadLockTimeout time.Duration
	DecisionMaker     string
	PolicyFile        string
	AskLimitPerMinute int
	AskLimitPerHour   int
	PersonaLocalTTL   time.Duration

	// HTTP
	Port     string
	LogLevel string
}

// DefaultConfig returns configuration populated from environment variables.
// A .env file in the working directory is loaded first when present; variables
// already set in the process environment win.
func DefaultConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		LLMProvider:     Provider(getEnv("LLM_PROVIDER", string(ProviderOpenAI))),
		EmbedProvider:   Provider(getEnv("EMBED_PROVIDER", string(ProviderOpenAI))),
		OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		AnthropicAPIKey: strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		OllamaURL:       getEnv("OLLAMA_URL", "http://localhost:11434"),

		AnswerModel:      getEnv("ANSWER_MODEL", "gpt-4o"),
		AnswerTemp:       getEnvFloat("ANSWER_TEMPERATURE", 0.7),
		SummaryModel:     getEnv("SUMMARY_MODEL", "gpt-4o-mini"),
		SummaryMaxTokens: getEnvInt("SUMMARY_MAX_TOKENS", 600),
		EmbedModel:       getEnv("EMBED_MODEL", "text-embedding-3-small"),
		EmbedDimension:   getEnvInt("EMBED_DIMENSION", 1536),
		EmbedRPS:         getEnvFloat("EMBED_RPS", 5),
		EmbedCacheSize:   getEnvInt("EMBED_CACHE_SIZE", 2048),

		StoreBackend: StoreBackend(getEnv("VECTOR_STORE", string(StorePGVector))),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		ChromemDir:   getEnv("CHROMEM_DIR", "./data/vectors"),
		RedisAddress: getEnv("REDIS_URL", "localhost:6379"),
		RedisDB:      getEnvInt("REDIS_DB", 2),

		NATSAddress:   getEnv("NATS_URL", "nats://localhost:4222"),
		InngestAppID:  getEnv("INNGEST_APP_ID", "slough-ai"),
		InngestAPIKey: os.Getenv("INNGEST_API_KEY"),
		InngestEvent:  os.Getenv("INNGEST_EVENT_KEY"),

		DedupTTL:          getEnvDuration("DEDUP_TTL", 60*time.Second),
		MaxRecentPairs:    getEnvInt("MAX_RECENT_PAIRS", 2),
		RetrievalK:        getEnvInt("RETRIEVAL_K", 5),
		RetrievalMinScore: getEnvFloat("RETRIEVAL_THRESHOLD", 0.5),
		ThreadLocking:     getEnvBool("THREAD_LOCKING", true),
		ThreadLockTimeout: getEnvDuration("THREAD_LOCK_TIMEOUT", 2*time.Minute),
		DecisionMaker:     os.Getenv("DECISION_MAKER_NAME"),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		AskLimitPerMinute: getEnvInt("ASK_LIMIT_PER_MINUTE", 20),
		AskLimitPerHour:   getEnvInt("ASK_LIMIT_PER_HOUR", 200),
		PersonaLocalTTL:   getEnvDuration("PERSONA_LOCAL_TTL", time.Minute),

		Port:     getEnv("PORT", "3000"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks that every credential the selected backends need is present.
// Errors wrap ErrMissingCredential and are meant to stop the process at boot.
func (c *Config) Validate() error {
	needsOpenAI := c.LLMProvider == ProviderOpenAI || c.EmbedProvider == ProviderOpenAI
	if needsOpenAI && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingCredential)
	}
	if c.LLMProvider == ProviderAnthropic && c.AnthropicAPIKey == "" {
		return fmt.Errorf("%w: ANTHROPIC_API_KEY", ErrMissingCredential)
	}
	if c.EmbedProvider == ProviderAnthropic {
		return fmt.Errorf("embedding provider %q has no embedding API", c.EmbedProvider)
	}
	if c.StoreBackend == StorePGVector && c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingCredential)
	}
	if c.EmbedDimension <= 0 {
		return fmt.Errorf("invalid EMBED_DIMENSION %d", c.EmbedDimension)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

type Config struct {
	APIPort            string
	LogLevel           string
	APIRateLimitRPS    float64
	APIRateLimitBurst  int
	APIMaxInFlight     int
	APIQueueTimeout    time.Duration
	IndexerMetricsPort string

	CorpusDir         string
	IndexDir          string
	IndexKeepVersions int
	Reindex           bool
	LoaderWorkers     int
	EmbedBatchSize    int

	ChunkSize    int
	ChunkOverlap int

	RAGTopK               int
	RAGSemanticWeight     float64
	RAGOverfetch          int
	RAGNormalization      string
	SemanticMinSimilarity float64

	LLMProvider string

	OllamaURL        string
	OllamaGenModel   string
	OllamaEmbedModel string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIAzure       bool
	OpenAIAPIVersion  string
	OpenAIChatModel   string
	OpenAIEmbedModel  string
	OpenAITemperature float64

	ExternalTimeout  time.Duration
	RetryMaxAttempts int
	RetryMaxBackoff  time.Duration

	SessionTTL   time.Duration
	HistoryTurns int

	// Optional: empty disables the build ledger.
	PostgresDSN string
	// Optional: empty disables index events.
	NATSURL     string
	NATSSubject string
}

func Load() Config {
	return Config{
		APIPort:            mustEnv("API_PORT", "8080"),
		LogLevel:           mustEnv("LOG_LEVEL", "info"),
		APIRateLimitRPS:    mustEnvFloat("API_RATE_LIMIT_RPS", 20),
		APIRateLimitBurst:  mustEnvInt("API_RATE_LIMIT_BURST", 40),
		APIMaxInFlight:     mustEnvInt("API_MAX_IN_FLIGHT", 32),
		APIQueueTimeout:    mustEnvDuration("API_QUEUE_TIMEOUT", 2*time.Second),
		IndexerMetricsPort: mustEnv("INDEXER_METRICS_PORT", ""),

		CorpusDir:         mustEnv("CORPUS_DIR", "./Base"),
		IndexDir:          mustEnv("INDEX_DIR", "./data/index"),
		IndexKeepVersions: mustEnvInt("INDEX_KEEP_VERSIONS", 2),
		Reindex:           mustEnvBool("REINDEX", false),
		LoaderWorkers:     mustEnvInt("LOADER_WORKERS", 4),
		EmbedBatchSize:    mustEnvInt("EMBED_BATCH_SIZE", 32),

		ChunkSize:    mustEnvInt("CHUNK_SIZE", 1500),
		ChunkOverlap: mustEnvInt("CHUNK_OVERLAP", 200),

		RAGTopK:               mustEnvInt("RAG_TOP_K", 8),
		RAGSemanticWeight:     mustEnvFloat("RAG_SEMANTIC_WEIGHT", 0.5),
		RAGOverfetch:          mustEnvInt("RAG_OVERFETCH", 3),
		RAGNormalization:      mustEnv("RAG_NORMALIZATION", "minmax"),
		SemanticMinSimilarity: mustEnvFloat("SEMANTIC_MIN_SIMILARITY", -1),

		LLMProvider: strings.ToLower(mustEnv("LLM_PROVIDER", "ollama")),

		OllamaURL:        mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaGenModel:   mustEnv("OLLAMA_GEN_MODEL", "llama3.1:8b"),
		OllamaEmbedModel: mustEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),

		OpenAIAPIKey:      mustEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     mustEnv("OPENAI_BASE_URL", ""),
		OpenAIAzure:       mustEnvBool("OPENAI_AZURE", false),
		OpenAIAPIVersion:  mustEnv("OPENAI_API_VERSION", "2024-02-01"),
		OpenAIChatModel:   mustEnv("OPENAI_CHAT_MODEL", "gpt-4o"),
		OpenAIEmbedModel:  mustEnv("OPENAI_EMBED_MODEL", "text-embedding-3-large"),
		OpenAITemperature: mustEnvFloat("OPENAI_TEMPERATURE", 0.1),

		ExternalTimeout:  mustEnvDuration("EXTERNAL_TIMEOUT", 60*time.Second),
		RetryMaxAttempts: mustEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryMaxBackoff:  mustEnvDuration("RETRY_MAX_BACKOFF", 2*time.Second),

		SessionTTL:   mustEnvDuration("SESSION_TTL", 2*time.Hour),
		HistoryTurns: mustEnvInt("HISTORY_TURNS", 5),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),
		NATSURL:     mustEnv("NATS_URL", ""),
		NATSSubject: mustEnv("NATS_SUBJECT", "index.published"),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.CorpusDir) != "", "CORPUS_DIR is required")
	check(strings.TrimSpace(c.IndexDir) != "", "INDEX_DIR is required")
	check(c.IndexKeepVersions >= 1, "INDEX_KEEP_VERSIONS must be >= 1, got %d", c.IndexKeepVersions)
	check(c.ChunkSize > 0, "CHUNK_SIZE must be > 0, got %d", c.ChunkSize)
	check(c.ChunkOverlap >= 0 && c.ChunkOverlap < c.ChunkSize,
		"CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	check(c.RAGTopK > 0, "RAG_TOP_K must be > 0, got %d", c.RAGTopK)
	check(c.RAGSemanticWeight >= 0 && c.RAGSemanticWeight <= 1,
		"RAG_SEMANTIC_WEIGHT must be in [0,1], got %g", c.RAGSemanticWeight)
	check(c.RAGOverfetch >= 1, "RAG_OVERFETCH must be >= 1, got %d", c.RAGOverfetch)
	check(c.RAGNormalization == "minmax" || c.RAGNormalization == "rank",
		"RAG_NORMALIZATION must be minmax or rank, got %q", c.RAGNormalization)
	check(c.SemanticMinSimilarity >= -1 && c.SemanticMinSimilarity <= 1,
		"SEMANTIC_MIN_SIMILARITY must be in [-1,1], got %g", c.SemanticMinSimilarity)
	check(c.LoaderWorkers > 0, "LOADER_WORKERS must be > 0, got %d", c.LoaderWorkers)
	check(c.EmbedBatchSize > 0, "EMBED_BATCH_SIZE must be > 0, got %d", c.EmbedBatchSize)
	check(c.ExternalTimeout > 0, "EXTERNAL_TIMEOUT must be > 0")
	check(c.RetryMaxAttempts >= 1, "RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	check(c.SessionTTL > 0, "SESSION_TTL must be > 0")
	check(c.HistoryTurns >= 1, "HISTORY_TURNS must be >= 1, got %d", c.HistoryTurns)

	switch c.LLMProvider {
	case "ollama":
		check(c.OllamaURL != "", "OLLAMA_URL is required for the ollama provider")
	case "openai":
		check(c.OpenAIAPIKey != "", "OPENAI_API_KEY is required for the openai provider")
		check(!c.OpenAIAzure || c.OpenAIBaseURL != "", "OPENAI_BASE_URL is required when OPENAI_AZURE=true")
	default:
		check(false, "LLM_PROVIDER must be ollama or openai, got %q", c.LLMProvider)
	}

	if len(problems) == 0 {
		return nil
	}
	return domain.WrapError(domain.ErrConfiguration, "validate config", errors.Join(problems...))
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
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

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

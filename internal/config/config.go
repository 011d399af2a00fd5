// Package config loads every Acervo runtime option from the environment.
// A local .env file is honored when present (development convenience);
// real deployments set variables directly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/acervolabs/acervo/pkg/models"
)

// Config holds all configuration for the Acervo backend.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	RAG       RAGConfig
	Pool      PoolConfig
	Chunking  ChunkingConfig
	Ingestion IngestionConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// RAGConfig holds the global model defaults used when neither the request
// nor the library names a model.
type RAGConfig struct {
	DefaultEmbeddingModel  string
	DefaultCompletionModel string
}

// PoolConfig configures the LLM service pool and its routing strategy.
type PoolConfig struct {
	Strategy          models.RoutingStrategy
	MaxRetries        int
	RetryDelay        time.Duration
	EmbeddingTimeout  time.Duration
	CompletionTimeout time.Duration
	Providers         []ProviderConfig
}

// ProviderConfig is one immutable provider record, parsed exactly once at
// startup. ACERVO_PROVIDER_<n>_* blocks, n starting at 1.
type ProviderConfig struct {
	Name               string
	APIURL             string
	APIKey             string
	Models             []string
	EmbeddingModel     string
	EmbeddingDimension int
	ContextLength      int
	Enabled            bool
}

// ChunkingConfig carries the token budgets for chapter and chunk splitting.
// The summary and chapter-split thresholds are deliberately independent knobs.
type ChunkingConfig struct {
	ChunkIdealTokens       int
	ChunkMinTokens         int
	ChunkMaxTokens         int
	ChapterIdealTokens     int
	ChapterMinTokens       int
	ChapterMaxTokens       int
	ChapterSplitThreshold  int
	SummaryThresholdTokens int
	QAThresholdTokens      int
}

type IngestionConfig struct {
	Workers int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("ACERVO_PORT", 8080),
		Version: envStr("ACERVO_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "acervo-backend"),
		},
		RAG: RAGConfig{
			DefaultEmbeddingModel:  envStr("RAG_EMBEDDING_DEFAULT_MODEL", ""),
			DefaultCompletionModel: envStr("RAG_COMPLETION_DEFAULT_MODEL", ""),
		},
		Pool: PoolConfig{
			Strategy:          models.RoutingStrategy(envStr("LLMSERVICE_STRATEGY", string(models.RoutingFailover))),
			MaxRetries:        envInt("LLMSERVICE_FAILOVER_MAX_RETRIES", 3),
			RetryDelay:        time.Duration(envInt("LLMSERVICE_RETRY_DELAY_SECONDS", 120)) * time.Second,
			EmbeddingTimeout:  time.Duration(envInt("LLMSERVICE_EMBEDDING_TIMEOUT_SECONDS", 60)) * time.Second,
			CompletionTimeout: time.Duration(envInt("LLMSERVICE_FAILOVER_TIMEOUT_SECONDS", 120)) * time.Second,
			Providers:         loadProviders(),
		},
		Chunking: ChunkingConfig{
			ChunkIdealTokens:       envInt("CHUNK_IDEAL_TOKENS", 512),
			ChunkMinTokens:         envInt("CHUNK_MIN_TOKENS", 300),
			ChunkMaxTokens:         envInt("CHUNK_MAX_TOKENS", 2048),
			ChapterIdealTokens:     envInt("CHAPTER_IDEAL_TOKENS", 8192),
			ChapterMinTokens:       envInt("CHAPTER_MIN_TOKENS", 4096),
			ChapterMaxTokens:       envInt("CHAPTER_MAX_TOKENS", 16384),
			ChapterSplitThreshold:  envInt("CHAPTER_SPLIT_THRESHOLD_TOKENS", 2000),
			SummaryThresholdTokens: envInt("SUMMARY_THRESHOLD_TOKENS", 2500),
			QAThresholdTokens:      envInt("QA_THRESHOLD_TOKENS", 500),
		},
		Ingestion: IngestionConfig{
			Workers: envInt("INGESTION_WORKERS", 4),
		},
	}
}

// loadProviders parses ACERVO_PROVIDER_<n>_* blocks until the first gap.
func loadProviders() []ProviderConfig {
	var providers []ProviderConfig
	for n := 1; ; n++ {
		prefix := "ACERVO_PROVIDER_" + strconv.Itoa(n) + "_"
		name := os.Getenv(prefix + "NAME")
		if name == "" {
			break
		}
		providers = append(providers, ProviderConfig{
			Name:               name,
			APIURL:             envStr(prefix+"API_URL", ""),
			APIKey:             envStr(prefix+"API_KEY", ""),
			Models:             splitCSV(os.Getenv(prefix + "LLM_MODELS")),
			EmbeddingModel:     envStr(prefix+"EMBEDDING_MODEL", ""),
			EmbeddingDimension: envInt(prefix+"EMBEDDING_DIMENSION", 768),
			ContextLength:      envInt(prefix+"EMBEDDING_CONTEXT_LENGTH", 8192),
			Enabled:            envBool(prefix+"ENABLED", true),
		})
	}
	return providers
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

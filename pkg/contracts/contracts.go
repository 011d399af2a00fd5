// Package contracts defines the service interfaces wired together at
// process start. Handlers and the orchestrator depend on these interfaces
// only, so a fake implementation drops in for tests with no HTTP or
// database involved.
package contracts

import (
	"context"

	"github.com/acervolabs/acervo/pkg/models"
)

// ── LLM services ─────────────────────────────────────────────

// LLMService is one ready provider client from the pool. Implementations
// must be safe for concurrent use.
type LLMService interface {
	// Name returns the provider tag (e.g. "ollama-local", "openai").
	Name() string

	// CompletionModels returns the completion model names this provider advertises.
	CompletionModels() []string

	// EmbeddingModels returns the embedding model names this provider advertises.
	EmbeddingModels() []string

	// Dimension returns the vector width of this provider's embedding model.
	Dimension() int

	// Complete sends a chat completion request.
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// Embed generates one vector per input text. The op tags query vs.
	// passage embedding for providers that distinguish them.
	Embed(ctx context.Context, op models.EmbeddingOp, model string, texts []string) ([][]float32, error)

	// Online probes provider reachability.
	Online(ctx context.Context) error
}

// ServicePool resolves LLM services by model name or pool strategy.
type ServicePool interface {
	// Resolve returns the first provider owning the model: exact match
	// first, then case-insensitive prefix/substring. Fails with
	// MODEL_NOT_REGISTERED when no provider claims it.
	Resolve(model string) (LLMService, error)

	// Select returns a service according to the pool strategy. Model-based
	// selection requires a non-empty model name.
	Select(strategy models.RoutingStrategy, model string) (LLMService, error)

	// ListModels returns all registered model names grouped by provider.
	ListModels() map[string][]string

	// Completion selects a service per the pool strategy and calls it,
	// applying failover semantics where the strategy asks for them.
	Completion(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// Embedding resolves the model (or applies the pool strategy when empty)
	// and embeds the texts.
	Embedding(ctx context.Context, op models.EmbeddingOp, model string, texts []string) ([][]float32, error)
}

// ── Document conversion ──────────────────────────────────────

// ConvertResult is the outcome of a source-to-Markdown conversion.
type ConvertResult struct {
	Markdown string
	// Title extracted from the source, empty when the source carries none.
	Title string
}

// Converter turns raw source bytes into Markdown. Implementations exist for
// Markdown/plain text, HTML, PDF, and DOCX.
type Converter interface {
	// CanConvert reports whether this converter handles the given
	// content-type hint or filename extension.
	CanConvert(contentType, filename string) bool

	// Convert extracts Markdown and an optional title from raw bytes.
	Convert(ctx context.Context, data []byte) (*ConvertResult, error)
}

// ── Ingestion ────────────────────────────────────────────────

// IngestService turns persisted but unprocessed documents into fully
// embedded, searchable artifacts.
type IngestService interface {
	// Enqueue schedules a document for asynchronous processing. Idempotent
	// against PENDING and FAILED; a no-op for COMPLETED documents.
	Enqueue(ctx context.Context, documentID int64, opts models.ProcessOptions) error

	// Cancel flips the per-document cancellation flag. In-flight external
	// calls are abandoned; persisted chapters are left in place.
	Cancel(documentID int64) error
}

// ── Search ───────────────────────────────────────────────────

// SearchService serves hybrid, semantic-only, and lexical-only queries.
type SearchService interface {
	Search(ctx context.Context, mode models.SearchMode, req *models.SearchRequest) (*models.SearchResult, error)
}

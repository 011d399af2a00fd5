// Package models defines the domain types shared across the Acervo backend:
// libraries, documents, chapters, embedding records, and the request/response
// shapes used by the ingestion pipeline and the hybrid search engine.
package models

import (
	"time"
)

// ── Library ──────────────────────────────────────────────────

// Library is a named corpus. Every document and embedding belongs
// to exactly one library. SemanticWeight + TextWeight must equal 1.0.
type Library struct {
	ID             int64             `json:"-"`
	UUID           string            `json:"uuid"`
	Name           string            `json:"name"`
	Area           string            `json:"area,omitempty"`
	SemanticWeight float64           `json:"semanticWeight"`
	TextWeight     float64           `json:"textWeight"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Well-known metadata keys on Library.Metadata.
const (
	LibraryMetaEmbeddingModel  = "default_embedding_model"
	LibraryMetaCompletionModel = "default_completion_model"
)

// EmbeddingModel returns the library's default embedding model, if set.
func (l *Library) EmbeddingModel() string {
	return l.Metadata[LibraryMetaEmbeddingModel]
}

// CompletionModel returns the library's default completion model, if set.
func (l *Library) CompletionModel() string {
	return l.Metadata[LibraryMetaCompletionModel]
}

// ── Document ─────────────────────────────────────────────────

// ContentType tags a document with the structure its splitter should assume.
type ContentType string

const (
	ContentGeneric   ContentType = "generic"
	ContentLegalNorm ContentType = "legal-norm"
	ContentWiki      ContentType = "wiki"
	ContentArticle   ContentType = "scientific-article"
	ContentTechDoc   ContentType = "technical-documentation"
)

// DocumentStatus tracks the ingestion lifecycle of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

// Document is a single source text inside a library. Content is always
// Markdown after conversion. At most one document per (library, title)
// may be active at a time.
type Document struct {
	ID          int64             `json:"id"`
	LibraryID   int64             `json:"-"`
	LibraryUUID string            `json:"libraryUuid"`
	Title       string            `json:"title"`
	Content     string            `json:"-"`
	ContentType ContentType       `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Active      bool              `json:"active"`
	Status      DocumentStatus    `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
	TotalTokens int               `json:"totalTokens,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ── Chapter ──────────────────────────────────────────────────

// Chapter is a contiguous titled section of a document, second level of the
// document → chapter → chunk hierarchy.
type Chapter struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"documentId"`
	Title      string `json:"title"`
	Content    string `json:"-"`
	OrderIndex int    `json:"orderIndex"`
	TokenCount int    `json:"tokenCount"`
	Summary    string `json:"summary,omitempty"`
}

// ── Embedding records ────────────────────────────────────────

// EmbeddingKind distinguishes what a stored vector represents.
type EmbeddingKind string

const (
	KindChapter EmbeddingKind = "chapter"
	KindChunk   EmbeddingKind = "chunk"
	KindQAPair  EmbeddingKind = "qa_pair"
	KindSummary EmbeddingKind = "summary"
)

// DocumentEmbedding is one chunk record: a text payload plus its dense
// vector. ChapterID is zero for records not bound to a chapter. The
// full-text vector lives only in the database (generated column) and is
// never represented here.
type DocumentEmbedding struct {
	ID             int64             `json:"id"`
	LibraryID      int64             `json:"-"`
	DocumentID     int64             `json:"documentId"`
	ChapterID      int64             `json:"chapterId,omitempty"`
	Text           string            `json:"text"`
	OrderInChapter int               `json:"orderInChapter"`
	Kind           EmbeddingKind     `json:"kind"`
	Vector         []float32         `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Metadata keys carried by embedding records for back-linking.
const (
	EmbeddingMetaChapterTitle  = "chapter_title"
	EmbeddingMetaChapterID     = "chapter_id"
	EmbeddingMetaQuestion      = "question"
	EmbeddingMetaAnswerSnippet = "answer_snippet"
	EmbeddingMetaSummary       = "summary"
)

// ── User / Library association ───────────────────────────────

// Role scopes what a user may do inside a library.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleReader       Role = "reader"
)

// UserLibraryAssociation grants a user a role on a library. Many-to-many,
// never ownership: deleting an association deletes no corpus data.
type UserLibraryAssociation struct {
	UserID      string    `json:"userId"`
	LibraryUUID string    `json:"libraryUuid"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ── Ingestion ────────────────────────────────────────────────

// ProcessOptions selects optional artifacts generated during ingestion.
type ProcessOptions struct {
	IncludeQA      bool `json:"includeQA"`
	IncludeSummary bool `json:"includeSummary"`
	// QAPairCount is the number of question/answer pairs requested per
	// chapter when IncludeQA is set. Defaults to 3.
	QAPairCount int `json:"qaPairCount,omitempty"`
}

// DocumentStatusView is the shape returned by the status endpoint.
type DocumentStatusView struct {
	DocumentID  int64          `json:"documentId"`
	Status      DocumentStatus `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	TotalTokens int            `json:"totalTokens,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ── LLM requests ─────────────────────────────────────────────

// RoutingStrategy selects which pool member serves a model-agnostic call.
type RoutingStrategy string

const (
	RoutingPrimaryOnly RoutingStrategy = "primary-only"
	RoutingFailover    RoutingStrategy = "failover"
	RoutingRoundRobin  RoutingStrategy = "round-robin"
	RoutingModelBased  RoutingStrategy = "model-based"
)

// EmbeddingOp tags the purpose of an embedding call. Some providers encode
// the operation into the request (query vs. passage prompting).
type EmbeddingOp string

const (
	OpQuery   EmbeddingOp = "QUERY"
	OpPassage EmbeddingOp = "PASSAGE"
)

// CompletionRequest is a provider-agnostic chat completion call.
type CompletionRequest struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	User        string  `json:"user"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// CompletionResponse carries the completion text plus usage accounting.
type CompletionResponse struct {
	Content          string `json:"content"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	LatencyMs        int64  `json:"latencyMs"`
}

// ── Search ───────────────────────────────────────────────────

// SearchMode selects which signals contribute to the final ranking.
type SearchMode string

const (
	SearchHybrid   SearchMode = "hybrid"
	SearchSemantic SearchMode = "semantic"
	SearchTextual  SearchMode = "textual"
)

// SearchRequest is the body of the search endpoints.
type SearchRequest struct {
	Query          string   `json:"query"`
	LibraryUUIDs   []string `json:"libraryIds"`
	Limit          int      `json:"limit,omitempty"`
	SemanticWeight *float64 `json:"semanticWeight,omitempty"`
	TextWeight     *float64 `json:"textWeight,omitempty"`
	ActiveOnly     bool     `json:"activeOnly,omitempty"`
	EmbeddingModel string   `json:"embeddingModel,omitempty"`
}

// SearchHit is one fused result with both partial scores exposed.
type SearchHit struct {
	Embedding     DocumentEmbedding `json:"embedding"`
	LibraryUUID   string            `json:"libraryUuid"`
	Score         float64           `json:"score"`
	SemanticScore float64           `json:"semanticScore"`
	TextScore     float64           `json:"textScore"`
}

// SearchResult is the full response of a search call.
type SearchResult struct {
	Hits      []SearchHit `json:"hits"`
	Mode      SearchMode  `json:"mode"`
	ElapsedMs int64       `json:"elapsedMs"`
}

// Package store provides the storage interface and implementations for the
// Acervo backend. The in-memory store serves tests and zero-config runs;
// PostgreSQL with pgvector is the production backend.
package store

import (
	"context"

	"github.com/acervolabs/acervo/pkg/models"
)

// Store is the primary storage interface. All pipeline and handler code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	LibraryStore
	DocumentStore
	ChapterStore
	EmbeddingStore
	AssociationStore
	SearchStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate bootstraps the schema (create-if-not-exists).
	Migrate(ctx context.Context) error
}

// ── Library store ───────────────────────────────────────────

type LibraryStore interface {
	CreateLibrary(ctx context.Context, lib *models.Library) error
	GetLibrary(ctx context.Context, uuid string) (*models.Library, error)
	GetLibraryByID(ctx context.Context, id int64) (*models.Library, error)
	UpdateLibrary(ctx context.Context, lib *models.Library) error

	// DeleteLibrary soft-deletes by default; hard cascades to documents,
	// chapters, and embeddings.
	DeleteLibrary(ctx context.Context, uuid string, hard bool) error
	ListLibraries(ctx context.Context) ([]models.Library, error)
}

// ── Document store ──────────────────────────────────────────

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	ListDocuments(ctx context.Context, libraryID int64) ([]models.Document, error)

	// UpdateDocumentStatus publishes pipeline progress. Status is the only
	// channel the orchestrator communicates through; a restart resumes
	// from what the store says.
	UpdateDocumentStatus(ctx context.Context, id int64, status models.DocumentStatus, progress int, message string) error

	// CompleteDocument activates the document, deactivates any prior
	// active document with the same (library, title), records the total
	// token count, and transitions to COMPLETED. Atomic.
	CompleteDocument(ctx context.Context, id int64, totalTokens int) error

	// SetDocumentActive toggles the active flag; activating deactivates
	// siblings with the same (library, title).
	SetDocumentActive(ctx context.Context, id int64, active bool) error

	// DeleteDocument soft-deletes (deactivates) by default; hard removes
	// the row and cascades to chapters and embeddings.
	DeleteDocument(ctx context.Context, id int64, hard bool) error
}

// ── Chapter store ───────────────────────────────────────────

type ChapterStore interface {
	// ReplaceChapters atomically swaps a document's chapters (and their
	// embeddings, via cascade) for the given ordered set, returning the
	// chapters with assigned IDs.
	ReplaceChapters(ctx context.Context, documentID int64, chapters []models.Chapter) ([]models.Chapter, error)

	ListChapters(ctx context.Context, documentID int64) ([]models.Chapter, error)
	UpdateChapterSummary(ctx context.Context, chapterID int64, summary string) error
}

// ── Embedding store ─────────────────────────────────────────

type EmbeddingStore interface {
	// InsertEmbeddings persists one chapter's records in a single
	// transaction, in order. A failure rolls back only that chapter's
	// records. Vector dimensionality must be uniform within a library.
	InsertEmbeddings(ctx context.Context, records []models.DocumentEmbedding) error

	ListEmbeddingsByDocument(ctx context.Context, documentID int64) ([]models.DocumentEmbedding, error)
	CountEmbeddings(ctx context.Context, libraryID int64) (int64, error)
}

// ── Association store ───────────────────────────────────────

type AssociationStore interface {
	CreateAssociation(ctx context.Context, assoc *models.UserLibraryAssociation) error
	ListAssociationsByUser(ctx context.Context, userID string) ([]models.UserLibraryAssociation, error)
	DeleteAssociation(ctx context.Context, userID, libraryUUID string) error
}

// ── Search store ────────────────────────────────────────────

// CandidateQuery asks the store for the two ranked candidate lists of one
// hybrid search, in a single round trip.
type CandidateQuery struct {
	// Vector is the query embedding; ignored when Semantic is false.
	Vector []float32
	// Text is the raw user query, translated store-side to the web-style
	// lexical query (accent- and case-insensitive).
	Text string
	// LibraryIDs scopes the search (internal ids).
	LibraryIDs []int64
	// Limit bounds each candidate list (2k for a top-k search).
	Limit int
	// ActiveOnly restricts to embeddings of active documents.
	ActiveOnly bool

	Semantic bool
	Lexical  bool
}

// Candidate is one embedding with its 1-based rank inside a signal list.
type Candidate struct {
	Embedding   models.DocumentEmbedding
	LibraryUUID string
	Rank        int
}

// CandidateSet carries both ranked lists of one search.
type CandidateSet struct {
	Semantic []Candidate
	Lexical  []Candidate
}

type SearchStore interface {
	SearchCandidates(ctx context.Context, q CandidateQuery) (*CandidateSet, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned on unique-constraint violations.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

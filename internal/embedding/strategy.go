// Package embedding generates the vector records of the ingestion pipeline
// and the query vectors of search. Four strategies exist: query, chapter,
// Q&A, and summary, dispatched by request kind.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/internal/splitter"
	"github.com/acervolabs/acervo/pkg/contracts"
	"github.com/acervolabs/acervo/pkg/models"
)

// ChapterMode selects how the chapter strategy turns a chapter into records.
type ChapterMode string

const (
	ModeAuto              ChapterMode = "auto"
	ModeOnlyText          ChapterMode = "only_text"
	ModeOnlyMetadata      ChapterMode = "only_metadata"
	ModeFullTextMetadata  ChapterMode = "full_text_metadata"
	ModeSplitTextMetadata ChapterMode = "split_text_metadata"
)

// Engine runs the embedding strategies against the service pool.
type Engine struct {
	pool     contracts.ServicePool
	chunker  *splitter.Chunker
	tokens   splitter.Tokenizer
	budgets  config.ChunkingConfig
	defaults config.RAGConfig
}

// NewEngine wires the strategy engine.
func NewEngine(pool contracts.ServicePool, chunker *splitter.Chunker, tokens splitter.Tokenizer, budgets config.ChunkingConfig, defaults config.RAGConfig) *Engine {
	return &Engine{pool: pool, chunker: chunker, tokens: tokens, budgets: budgets, defaults: defaults}
}

// ResolveEmbeddingModel applies the uniform precedence: explicit request
// override, then the library default, then the global default. Empty means
// the pool decides by strategy.
func (e *Engine) ResolveEmbeddingModel(lib *models.Library, override string) string {
	if override != "" {
		return override
	}
	if lib != nil {
		if m := lib.EmbeddingModel(); m != "" {
			return m
		}
	}
	return e.defaults.DefaultEmbeddingModel
}

// ResolveCompletionModel mirrors ResolveEmbeddingModel for completion calls.
func (e *Engine) ResolveCompletionModel(lib *models.Library, override string) string {
	if override != "" {
		return override
	}
	if lib != nil {
		if m := lib.CompletionModel(); m != "" {
			return m
		}
	}
	return e.defaults.DefaultCompletionModel
}

// ── Query strategy ───────────────────────────────────────────

// QueryVector embeds a free-text query with the QUERY operation. The vector
// is used for one search and never persisted.
func (e *Engine) QueryVector(ctx context.Context, model, query string) ([]float32, error) {
	vectors, err := e.pool.Embedding(ctx, models.OpQuery, model, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("query embedding: expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

// ── Chapter strategy ─────────────────────────────────────────

// ChapterRecords turns one chapter into embedding records per the mode.
// Auto picks split_text_metadata for chapters beyond the split threshold
// and full_text_metadata otherwise.
func (e *Engine) ChapterRecords(ctx context.Context, doc *models.Document, ch *models.Chapter, mode ChapterMode, model string) ([]models.DocumentEmbedding, error) {
	if mode == "" || mode == ModeAuto {
		if ch.TokenCount > e.budgets.ChapterSplitThreshold {
			mode = ModeSplitTextMetadata
		} else {
			mode = ModeFullTextMetadata
		}
	}

	meta := e.chapterMetadataText(doc, ch)
	var texts []string
	var kinds []models.EmbeddingKind

	switch mode {
	case ModeOnlyText:
		texts = []string{ch.Content}
		kinds = []models.EmbeddingKind{models.KindChapter}
	case ModeOnlyMetadata:
		texts = []string{meta}
		kinds = []models.EmbeddingKind{models.KindChapter}
	case ModeFullTextMetadata:
		texts = []string{meta + "\n\n" + ch.Content}
		kinds = []models.EmbeddingKind{models.KindChapter}
	case ModeSplitTextMetadata:
		texts = []string{meta}
		kinds = []models.EmbeddingKind{models.KindChapter}
		for _, chunk := range e.chunker.Chunks(ch.Content, e.tokens) {
			texts = append(texts, chunk)
			kinds = append(kinds, models.KindChunk)
		}
	default:
		return nil, fmt.Errorf("unknown chapter mode %q", mode)
	}

	vectors, err := e.pool.Embedding(ctx, models.OpPassage, model, texts)
	if err != nil {
		return nil, fmt.Errorf("chapter %q: %w", ch.Title, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("chapter %q: expected %d vectors, got %d", ch.Title, len(texts), len(vectors))
	}

	records := make([]models.DocumentEmbedding, len(texts))
	for i := range texts {
		records[i] = e.record(doc, ch, kinds[i], texts[i], vectors[i], i, nil)
	}
	return records, nil
}

// chapterMetadataText serializes the chapter's retrieval metadata compactly:
// title, document keywords, and area.
func (e *Engine) chapterMetadataText(doc *models.Document, ch *models.Chapter) string {
	parts := []string{doc.Title}
	if ch.Title != "" {
		parts = append(parts, ch.Title)
	}
	if kw := doc.Metadata["keywords"]; kw != "" {
		parts = append(parts, kw)
	}
	if area := doc.Metadata["area"]; area != "" {
		parts = append(parts, area)
	}
	return strings.Join(parts, " | ")
}

// ── Q&A strategy ─────────────────────────────────────────────

const qaPromptTemplate = `Generate exactly %d question/answer pairs grounded strictly in the text below.
Respond with a JSON array of objects with "question" and "answer" fields and nothing else.

Text:
%s`

// maxQuestionTokens bounds accepted question length.
const maxQuestionTokens = 300

// QARecords asks the completion model for k question/answer pairs over the
// chapter, parses the reply resiliently, and embeds question plus answer per
// accepted pair. A malformed pair is discarded, not fatal; an embedding
// failure is.
func (e *Engine) QARecords(ctx context.Context, doc *models.Document, ch *models.Chapter, k int, embModel, compModel string) ([]models.DocumentEmbedding, error) {
	if k <= 0 {
		k = 3
	}
	resp, err := e.pool.Completion(ctx, &models.CompletionRequest{
		Model:       compModel,
		System:      "You write retrieval-oriented question/answer pairs. Answer only from the given text.",
		User:        fmt.Sprintf(qaPromptTemplate, k, ch.Content),
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("qa completion for chapter %q: %w", ch.Title, err)
	}

	pairs := ParseQAPairs(resp.Content)
	var accepted []QAPair
	for _, p := range pairs {
		if strings.TrimSpace(p.Answer) == "" {
			continue
		}
		if e.tokens.Count(p.Question) > maxQuestionTokens {
			continue
		}
		accepted = append(accepted, p)
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	texts := make([]string, len(accepted))
	for i, p := range accepted {
		texts[i] = p.Question + "\n" + p.Answer
	}
	vectors, err := e.pool.Embedding(ctx, models.OpPassage, embModel, texts)
	if err != nil {
		return nil, fmt.Errorf("qa embedding for chapter %q: %w", ch.Title, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("qa embedding for chapter %q: expected %d vectors, got %d", ch.Title, len(texts), len(vectors))
	}

	records := make([]models.DocumentEmbedding, len(accepted))
	for i, p := range accepted {
		extra := map[string]string{
			models.EmbeddingMetaQuestion:      p.Question,
			models.EmbeddingMetaAnswerSnippet: snippet(p.Answer, 200),
		}
		records[i] = e.record(doc, ch, models.KindQAPair, texts[i], vectors[i], i, extra)
	}
	return records, nil
}

// ── Summary strategy ─────────────────────────────────────────

const summaryPromptTemplate = `Write a dense factual summary of the text below in at most %d characters.%s

Text:
%s`

// SummaryRecord asks the completion model for a bounded summary, embeds it,
// and returns the record plus the raw summary text. Callers treat a failure
// as non-fatal.
func (e *Engine) SummaryRecord(ctx context.Context, doc *models.Document, ch *models.Chapter, maxChars int, focus, embModel, compModel string) (*models.DocumentEmbedding, string, error) {
	if maxChars <= 0 {
		maxChars = 1000
	}
	focusLine := ""
	if focus != "" {
		focusLine = " Focus on: " + focus + "."
	}
	resp, err := e.pool.Completion(ctx, &models.CompletionRequest{
		Model:       compModel,
		System:      "You summarize documents for retrieval. Be factual and dense.",
		User:        fmt.Sprintf(summaryPromptTemplate, maxChars, focusLine, ch.Content),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, "", fmt.Errorf("summary completion for chapter %q: %w", ch.Title, err)
	}

	summary := strings.TrimSpace(resp.Content)
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}
	if summary == "" {
		return nil, "", fmt.Errorf("summary for chapter %q: empty completion", ch.Title)
	}

	vectors, err := e.pool.Embedding(ctx, models.OpPassage, embModel, []string{summary})
	if err != nil {
		return nil, "", fmt.Errorf("summary embedding for chapter %q: %w", ch.Title, err)
	}
	if len(vectors) != 1 {
		return nil, "", fmt.Errorf("summary embedding for chapter %q: expected 1 vector, got %d", ch.Title, len(vectors))
	}

	rec := e.record(doc, ch, models.KindSummary, summary, vectors[0], 0, map[string]string{
		models.EmbeddingMetaSummary: summary,
	})
	return &rec, summary, nil
}

// record builds one embedding record with the back-linking metadata every
// kind carries.
func (e *Engine) record(doc *models.Document, ch *models.Chapter, kind models.EmbeddingKind, text string, vector []float32, order int, extra map[string]string) models.DocumentEmbedding {
	meta := map[string]string{
		"name":                           doc.Title,
		models.EmbeddingMetaChapterTitle: ch.Title,
		models.EmbeddingMetaChapterID:    fmt.Sprint(ch.ID),
	}
	for k, v := range doc.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	return models.DocumentEmbedding{
		LibraryID:      doc.LibraryID,
		DocumentID:     doc.ID,
		ChapterID:      ch.ID,
		Text:           text,
		OrderInChapter: order,
		Kind:           kind,
		Vector:         vector,
		Metadata:       meta,
	}
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

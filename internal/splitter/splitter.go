// Package splitter decomposes Markdown documents into the chapter/chunk
// hierarchy, honoring content-type-specific structure and token budgets.
package splitter

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/pkg/models"
)

// Tokenizer counts tokens for budget decisions. The llm package's counter
// satisfies this; tests plug in a character-based fake.
type Tokenizer interface {
	Count(text string) int
}

// Splitter turns a document body into an ordered chapter sequence.
type Splitter interface {
	// Name identifies the splitter variant in logs and progress messages.
	Name() string

	// Split produces the ordered chapters of a document. Implementations
	// that cannot yield at least one chapter must return the entire body
	// as a single chapter.
	Split(doc *models.Document, tc Tokenizer) []models.Chapter
}

// Router picks one splitter variant per document.
type Router struct {
	budgets config.ChunkingConfig
}

// NewRouter creates a content router over the configured budgets.
func NewRouter(budgets config.ChunkingConfig) *Router {
	return &Router{budgets: budgets}
}

// Budgets exposes the router's chunking configuration.
func (r *Router) Budgets() config.ChunkingConfig { return r.budgets }

// Route returns the splitter for a document. Explicit content types map
// directly; generic documents are probed for legal markers and wiki-style
// top-level headings before falling back to the generic splitter.
func (r *Router) Route(doc *models.Document) Splitter {
	switch doc.ContentType {
	case models.ContentLegalNorm:
		return &LegalSplitter{budgets: r.budgets}
	case models.ContentWiki:
		return &WikiSplitter{budgets: r.budgets}
	case models.ContentArticle, models.ContentTechDoc:
		return &ArticleSplitter{budgets: r.budgets}
	}

	if legalMarker.MatchString(doc.Content) {
		return &LegalSplitter{budgets: r.budgets}
	}
	// Several top-level sections with no finer structure reads like an
	// exported wiki page.
	if len(topHeading.FindAllStringIndex(doc.Content, 2)) > 1 && !subHeading.MatchString(doc.Content) {
		return &WikiSplitter{budgets: r.budgets}
	}
	return &GenericSplitter{budgets: r.budgets}
}

// ── Legal-norm splitter ──────────────────────────────────────

// legalMarker matches the structural markers of Brazilian legal norms at
// line start: articles, titles, chapters, and sections.
var legalMarker = regexp.MustCompile(`(?mi)^\s*(Art(?:igo)?\.?\s*\d+|T[ÍI]TULO\s+\S+|CAP[ÍI]TULO\s+\S+|SE[ÇC][ÃA]O\s+\S+)`)

// LegalSplitter cuts by article and structural markers.
type LegalSplitter struct {
	budgets config.ChunkingConfig
}

func (s *LegalSplitter) Name() string { return "legal-norm" }

func (s *LegalSplitter) Split(doc *models.Document, tc Tokenizer) []models.Chapter {
	chapters := cutAtMarkers(doc.Content, legalMarker)
	return finishChapters(doc, chapters, tc, s.budgets, s.Name())
}

// ── Wiki splitter ────────────────────────────────────────────

var (
	topHeading = regexp.MustCompile(`(?m)^# [^#\n]`)
	subHeading = regexp.MustCompile(`(?m)^##+ `)
)

// WikiSplitter cuts by top-level Markdown headings.
type WikiSplitter struct {
	budgets config.ChunkingConfig
}

func (s *WikiSplitter) Name() string { return "wiki" }

func (s *WikiSplitter) Split(doc *models.Document, tc Tokenizer) []models.Chapter {
	chapters := cutAtHeadings(doc.Content, 1)
	return finishChapters(doc, chapters, tc, s.budgets, s.Name())
}

// ── Generic splitter ─────────────────────────────────────────

// GenericSplitter cuts by ##/### headings, falling back to paragraph
// packing when the document carries no headings at all.
type GenericSplitter struct {
	budgets config.ChunkingConfig
}

func (s *GenericSplitter) Name() string { return "generic" }

func (s *GenericSplitter) Split(doc *models.Document, tc Tokenizer) []models.Chapter {
	chapters := cutAtHeadings(doc.Content, 1, 2, 3)
	if len(chapters) == 0 {
		chapters = packParagraphChapters(doc.Content, tc, s.budgets.ChapterIdealTokens)
	}
	return finishChapters(doc, chapters, tc, s.budgets, s.Name())
}

// ── Article / tech-doc splitter ──────────────────────────────

// ArticleSplitter is heading-aware with a halved chapter budget: dense
// scientific and technical prose benefits from tighter retrieval units.
type ArticleSplitter struct {
	budgets config.ChunkingConfig
}

func (s *ArticleSplitter) Name() string { return "article" }

func (s *ArticleSplitter) Split(doc *models.Document, tc Tokenizer) []models.Chapter {
	budgets := s.budgets
	budgets.ChapterIdealTokens /= 2
	budgets.ChapterMinTokens /= 2
	budgets.ChapterMaxTokens /= 2

	chapters := cutAtHeadings(doc.Content, 1, 2, 3)
	if len(chapters) == 0 {
		chapters = packParagraphChapters(doc.Content, tc, budgets.ChapterIdealTokens)
	}
	return finishChapters(doc, chapters, tc, budgets, s.Name())
}

// ── Shared cutting helpers ───────────────────────────────────

type rawChapter struct {
	title   string
	content string
}

// cutAtHeadings splits the body at Markdown headings of the given levels.
// The heading text becomes the chapter title; a preamble before the first
// heading becomes an untitled leading chapter.
func cutAtHeadings(body string, levels ...int) []rawChapter {
	want := make(map[int]bool, len(levels))
	for _, l := range levels {
		want[l] = true
	}

	lines := strings.Split(body, "\n")
	var chapters []rawChapter
	var current *rawChapter
	var preamble strings.Builder

	flush := func() {
		if current != nil {
			current.content = strings.TrimSpace(current.content)
			if current.content != "" || current.title != "" {
				chapters = append(chapters, *current)
			}
			current = nil
		}
	}

	for _, line := range lines {
		level, title := headingOf(line)
		if level > 0 && want[level] {
			flush()
			current = &rawChapter{title: title}
			continue
		}
		if current != nil {
			current.content += line + "\n"
		} else {
			preamble.WriteString(line + "\n")
		}
	}
	flush()

	if pre := strings.TrimSpace(preamble.String()); pre != "" && len(chapters) > 0 {
		chapters = append([]rawChapter{{content: pre}}, chapters...)
	}
	if len(chapters) == 0 {
		return nil
	}
	return chapters
}

func headingOf(line string) (level int, title string) {
	trimmed := strings.TrimSpace(line)
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level:])
}

// cutAtMarkers splits at regex marker lines; each marker line titles the
// chapter it opens.
func cutAtMarkers(body string, marker *regexp.Regexp) []rawChapter {
	locs := marker.FindAllStringIndex(body, -1)
	if len(locs) == 0 {
		return nil
	}

	var chapters []rawChapter
	if pre := strings.TrimSpace(body[:locs[0][0]]); pre != "" {
		chapters = append(chapters, rawChapter{content: pre})
	}
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		section := body[loc[0]:end]
		title := firstLine(section)
		if len(title) > 120 {
			title = title[:120]
		}
		chapters = append(chapters, rawChapter{
			title:   title,
			content: strings.TrimSpace(section),
		})
	}
	return chapters
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// packParagraphChapters packs paragraphs into untitled chapters near the
// ideal budget for bodies carrying no structure at all.
func packParagraphChapters(body string, tc Tokenizer, idealTokens int) []rawChapter {
	paragraphs := strings.Split(body, "\n\n")
	var chapters []rawChapter
	var current strings.Builder
	currentTokens := 0

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		t := tc.Count(p)
		if currentTokens > 0 && currentTokens+t > idealTokens {
			chapters = append(chapters, rawChapter{content: strings.TrimSpace(current.String())})
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(p + "\n\n")
		currentTokens += t
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		chapters = append(chapters, rawChapter{content: s})
	}
	return chapters
}

// finishChapters enforces the chapter token budgets and converts raw cuts
// into ordered model chapters. Oversized chapters are subdivided by
// paragraph packing; undersized ones merge into their successor. A split
// that produced nothing degrades to the whole document as one chapter.
func finishChapters(doc *models.Document, raw []rawChapter, tc Tokenizer, budgets config.ChunkingConfig, variant string) []models.Chapter {
	if len(raw) == 0 {
		log.Warn().Str("splitter", variant).Str("title", doc.Title).
			Msg("splitter yielded no chapters, emitting whole document")
		raw = []rawChapter{{title: doc.Title, content: strings.TrimSpace(doc.Content)}}
	}

	// Subdivide chapters beyond the max budget.
	var bounded []rawChapter
	for _, ch := range raw {
		tokens := tc.Count(ch.content)
		if tokens <= budgets.ChapterMaxTokens {
			bounded = append(bounded, ch)
			continue
		}
		parts := packParagraphChapters(ch.content, tc, budgets.ChapterIdealTokens)
		for i, p := range parts {
			title := ch.title
			if i > 0 && title != "" {
				title = ch.title + " (cont.)"
			}
			bounded = append(bounded, rawChapter{title: title, content: p.content})
		}
	}

	// Untitled fragments below the min budget fold into their successor
	// when the merged chapter stays within the max. Titled chapters are
	// never merged: headings express author intent.
	var merged []rawChapter
	for i := 0; i < len(bounded); i++ {
		ch := bounded[i]
		for ch.title == "" && i+1 < len(bounded) && tc.Count(ch.content) < budgets.ChapterMinTokens {
			next := bounded[i+1]
			if tc.Count(ch.content)+tc.Count(next.content) > budgets.ChapterMaxTokens {
				break
			}
			ch.title = next.title
			ch.content = ch.content + "\n\n" + next.content
			i++
		}
		merged = append(merged, ch)
	}

	chapters := make([]models.Chapter, len(merged))
	for i, ch := range merged {
		chapters[i] = models.Chapter{
			DocumentID: doc.ID,
			Title:      ch.title,
			Content:    ch.content,
			OrderIndex: i,
			TokenCount: tc.Count(ch.content),
		}
	}
	return chapters
}

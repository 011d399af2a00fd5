// Package convert turns heterogeneous source documents (Markdown, plain
// text, HTML, PDF, DOCX) into the Markdown the splitters operate on.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/pkg/contracts"
)

// Registry routes raw bytes to the converter matching their content type
// or filename extension.
type Registry struct {
	converters []namedConverter
	client     *http.Client
}

type namedConverter struct {
	name string
	conv contracts.Converter
}

// NewRegistry creates a registry with the built-in converters.
func NewRegistry() *Registry {
	return &Registry{
		converters: []namedConverter{
			{"markdown", &MarkdownConverter{}},
			{"html", &HTMLConverter{}},
			{"pdf", &PDFConverter{}},
			{"docx", &DocxConverter{}},
		},
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Convert picks a converter by content-type hint or filename and runs it.
// Unknown formats fall back to the Markdown converter (plain text is valid
// Markdown).
func (r *Registry) Convert(ctx context.Context, data []byte, contentType, filename string) (*contracts.ConvertResult, error) {
	for _, nc := range r.converters {
		if nc.conv.CanConvert(contentType, filename) {
			res, err := nc.conv.Convert(ctx, data)
			if err != nil {
				return nil, fmt.Errorf("%s convert: %w", nc.name, err)
			}
			return res, nil
		}
	}
	log.Debug().Str("content_type", contentType).Str("filename", filename).
		Msg("no converter matched, treating as markdown")
	return (&MarkdownConverter{}).Convert(ctx, data)
}

// FetchAndConvert downloads a URL and converts the body by its Content-Type.
func (r *Registry) FetchAndConvert(ctx context.Context, url string) (*contracts.ConvertResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Validation("invalid url: %v", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Transient(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, apperr.Transient(nil, "fetch %s: status %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Validation("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, apperr.Transient(err, "read %s", url)
	}
	return r.Convert(ctx, body, resp.Header.Get("Content-Type"), filepath.Base(url))
}

func hasExt(filename string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// ── Markdown / plain text ────────────────────────────────────

// MarkdownConverter passes Markdown through and extracts the first `# `
// heading as the title.
type MarkdownConverter struct{}

func (c *MarkdownConverter) CanConvert(contentType, filename string) bool {
	if strings.Contains(contentType, "markdown") || strings.Contains(contentType, "text/plain") {
		return true
	}
	return hasExt(filename, ".md", ".markdown", ".txt")
}

func (c *MarkdownConverter) Convert(_ context.Context, data []byte) (*contracts.ConvertResult, error) {
	md := strings.TrimSpace(string(data))
	title := ""
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			break
		}
	}
	return &contracts.ConvertResult{Markdown: md, Title: title}, nil
}

// ── HTML ─────────────────────────────────────────────────────

// HTMLConverter extracts readable text from HTML, mapping h1..h3 elements
// to Markdown headings so the splitters keep the document structure.
type HTMLConverter struct{}

func (c *HTMLConverter) CanConvert(contentType, filename string) bool {
	return strings.Contains(contentType, "html") || hasExt(filename, ".html", ".htm")
}

func (c *HTMLConverter) Convert(_ context.Context, data []byte) (*contracts.ConvertResult, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "nav", "footer", "noscript":
				return
			case "title":
				if title == "" {
					title = strings.TrimSpace(textOf(n))
				}
				return
			case "h1", "h2", "h3":
				level := int(n.Data[1] - '0')
				sb.WriteString("\n\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(textOf(n)) + "\n\n")
				return
			case "p", "li", "br", "div", "tr":
				sb.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	md := collapseBlankLines(sb.String())
	return &contracts.ConvertResult{Markdown: md, Title: title}, nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// ── PDF ──────────────────────────────────────────────────────

// PDFConverter extracts per-page plain text.
type PDFConverter struct{}

func (c *PDFConverter) CanConvert(contentType, filename string) bool {
	return strings.Contains(contentType, "pdf") || hasExt(filename, ".pdf")
}

func (c *PDFConverter) Convert(ctx context.Context, data []byte) (*contracts.ConvertResult, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Warn().Int("page", pageNum).Err(err).Msg("pdf page extraction failed")
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, strings.TrimSpace(text))
		}
	}
	return &contracts.ConvertResult{Markdown: strings.Join(parts, "\n\n")}, nil
}

// ── DOCX ─────────────────────────────────────────────────────

// DocxConverter extracts paragraph text from Word documents.
type DocxConverter struct{}

func (c *DocxConverter) CanConvert(contentType, filename string) bool {
	return strings.Contains(contentType, "officedocument.wordprocessingml") || hasExt(filename, ".docx")
}

var xmlTags = regexp.MustCompile(`<[^>]+>`)

func (c *DocxConverter) Convert(_ context.Context, data []byte) (*contracts.ConvertResult, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	// GetContent returns document.xml; paragraph boundaries become blank
	// lines before the tags are stripped.
	raw := doc.Editable().GetContent()
	raw = strings.ReplaceAll(raw, "</w:p>", "</w:p>\n\n")
	text := html.UnescapeString(xmlTags.ReplaceAllString(raw, ""))
	return &contracts.ConvertResult{Markdown: collapseBlankLines(text)}, nil
}

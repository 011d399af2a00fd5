package splitter

import (
	"regexp"
	"strings"

	"github.com/acervolabs/acervo/internal/config"
)

// Chunker subdivides chapter text into bounded-token chunks.
type Chunker struct {
	budgets config.ChunkingConfig
}

// NewChunker creates a chunker over the configured token budgets.
func NewChunker(budgets config.ChunkingConfig) *Chunker {
	return &Chunker{budgets: budgets}
}

var subtitleLine = regexp.MustCompile(`(?m)^##+ .+$`)

// Chunks splits text into chunk payloads:
//
//  1. text at or under the ideal chunk budget is one chunk;
//  2. Markdown subtitles (##, ###) bound candidate blocks when present;
//  3. otherwise paragraphs, then sentences, pack into blocks bounded by
//     max_tokens × 4 characters;
//  4. blocks shorter than min_tokens × 4 merge into their following
//     neighbor while the merged size stays within ideal × 4 + 200;
//  5. the final block may exceed the ideal by the remainder.
func (c *Chunker) Chunks(text string, tc Tokenizer) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if tc.Count(text) <= c.budgets.ChunkIdealTokens {
		return []string{text}
	}

	var blocks []string
	if subtitleLine.MatchString(text) {
		blocks = subtitleBlocks(text)
	} else {
		blocks = c.packBlocks(text)
	}
	if len(blocks) == 0 {
		return []string{text}
	}

	return c.mergeSmall(blocks)
}

// subtitleBlocks cuts at ##/### lines; each subtitle-bounded section is a
// candidate block, keeping the subtitle with its body.
func subtitleBlocks(text string) []string {
	locs := subtitleLine.FindAllStringIndex(text, -1)
	var blocks []string
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		blocks = append(blocks, pre)
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if b := strings.TrimSpace(text[loc[0]:end]); b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

// packBlocks packs paragraphs, splitting oversized paragraphs at sentence
// boundaries, into blocks of at most maxBlockChars.
func (c *Chunker) packBlocks(text string) []string {
	maxBlockChars := c.budgets.ChunkMaxTokens * 4

	var units []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= maxBlockChars {
			units = append(units, p)
			continue
		}
		units = append(units, splitSentences(p, maxBlockChars)...)
	}

	var blocks []string
	var current strings.Builder
	for _, u := range units {
		if current.Len() > 0 && current.Len()+len(u)+2 > maxBlockChars {
			blocks = append(blocks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(u)
	}
	if current.Len() > 0 {
		blocks = append(blocks, strings.TrimSpace(current.String()))
	}
	return blocks
}

// splitSentences cuts a paragraph at sentence ends, hard-splitting any
// sentence that alone exceeds the bound.
func splitSentences(p string, maxChars int) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(p, -1) {
		sentences = append(sentences, p[last:loc[1]])
		last = loc[1]
	}
	if last < len(p) {
		sentences = append(sentences, p[last:])
	}

	var out []string
	var current strings.Builder
	for _, s := range sentences {
		for len(s) > maxChars {
			if current.Len() > 0 {
				out = append(out, strings.TrimSpace(current.String()))
				current.Reset()
			}
			out = append(out, strings.TrimSpace(s[:maxChars]))
			s = s[maxChars:]
		}
		if current.Len()+len(s) > maxChars && current.Len() > 0 {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		out = append(out, strings.TrimSpace(current.String()))
	}
	return out
}

// mergeSmall merges blocks under min_tokens × 4 characters with their
// following neighbor while the result stays within ideal × 4 + 200.
func (c *Chunker) mergeSmall(blocks []string) []string {
	minChars := c.budgets.ChunkMinTokens * 4
	mergedCap := c.budgets.ChunkIdealTokens*4 + 200

	var out []string
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		for len(b) < minChars && i+1 < len(blocks) && len(b)+len(blocks[i+1])+2 <= mergedCap {
			b = b + "\n\n" + blocks[i+1]
			i++
		}
		out = append(out, b)
	}
	return out
}

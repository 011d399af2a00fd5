// Package search fuses semantic and lexical retrieval signals into one
// ranked result list.
package search

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/embedding"
	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/pkg/models"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	minQueryLen  = 2
	maxQueryLen  = 500
)

// Engine serves hybrid, semantic-only, and lexical-only queries.
type Engine struct {
	store    store.Store
	embedder *embedding.Engine
}

// NewEngine wires the search engine.
func NewEngine(st store.Store, embedder *embedding.Engine) *Engine {
	return &Engine{store: st, embedder: embedder}
}

// sqlBoolean catches standalone uppercase AND/OR/NOT. The lexical signal
// speaks web syntax, not boolean SQL, so these are rejected with a pointer
// to the supported operators.
var sqlBoolean = regexp.MustCompile(`(^|\s)(AND|OR|NOT)(\s|$)`)

// Search validates the request, resolves the weights, fetches both
// candidate lists in one store round trip, and fuses them by reciprocal
// rank.
func (e *Engine) Search(ctx context.Context, mode models.SearchMode, req *models.SearchRequest) (*models.SearchResult, error) {
	started := time.Now()

	query := strings.TrimSpace(req.Query)
	if len(query) < minQueryLen || len(query) > maxQueryLen {
		return nil, apperr.Validation("query length must be between %d and %d characters", minQueryLen, maxQueryLen)
	}
	if sqlBoolean.MatchString(query) {
		return nil, apperr.Validation(`boolean operators are not supported; use web syntax: "quoted phrase" for exact match, -word to exclude, and space-separated words for OR`)
	}
	if len(req.LibraryUUIDs) == 0 {
		return nil, apperr.Validation("libraryIds must name at least one library")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		return nil, apperr.Validation("limit must be at most %d", maxLimit)
	}

	override, err := resolveWeightOverride(mode, req)
	if err != nil {
		return nil, err
	}

	// Resolve library scope and per-library weights up front. Weight
	// lookups during fusion must not hit the store per record.
	libIDs := make([]int64, 0, len(req.LibraryUUIDs))
	weights := make(map[string][2]float64, len(req.LibraryUUIDs))
	var firstLib *models.Library
	for _, libUUID := range req.LibraryUUIDs {
		lib, err := e.store.GetLibrary(ctx, libUUID)
		if err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				return nil, apperr.NotFound("library", libUUID)
			}
			return nil, err
		}
		if firstLib == nil {
			firstLib = lib
		}
		libIDs = append(libIDs, lib.ID)
		weights[lib.UUID] = [2]float64{lib.SemanticWeight, lib.TextWeight}
	}

	cq := store.CandidateQuery{
		Text:       query,
		LibraryIDs: libIDs,
		Limit:      2 * limit,
		ActiveOnly: req.ActiveOnly,
		Semantic:   mode != models.SearchTextual,
		Lexical:    mode != models.SearchSemantic,
	}
	if cq.Semantic {
		model := e.embedder.ResolveEmbeddingModel(firstLib, req.EmbeddingModel)
		cq.Vector, err = e.embedder.QueryVector(ctx, model, query)
		if err != nil {
			return nil, err
		}
	}

	set, err := e.store.SearchCandidates(ctx, cq)
	if err != nil {
		return nil, err
	}

	hits := fuse(set, weights, override, limit)
	elapsed := time.Since(started)
	log.Debug().Str("mode", string(mode)).Int("libraries", len(libIDs)).
		Int("semantic_candidates", len(set.Semantic)).Int("lexical_candidates", len(set.Lexical)).
		Int("hits", len(hits)).Dur("elapsed", elapsed).Msg("search served")

	return &models.SearchResult{Hits: hits, Mode: mode, ElapsedMs: elapsed.Milliseconds()}, nil
}

// resolveWeightOverride validates an explicit weight pair. Both weights must
// come together and sum to 1.0. Single-signal modes ignore any override.
func resolveWeightOverride(mode models.SearchMode, req *models.SearchRequest) (*[2]float64, error) {
	switch mode {
	case models.SearchSemantic:
		return &[2]float64{1, 0}, nil
	case models.SearchTextual:
		return &[2]float64{0, 1}, nil
	}
	if req.SemanticWeight == nil && req.TextWeight == nil {
		return nil, nil
	}
	if req.SemanticWeight == nil || req.TextWeight == nil {
		return nil, apperr.Validation("semanticWeight and textWeight must be supplied together")
	}
	ws, wt := *req.SemanticWeight, *req.TextWeight
	if ws < 0 || wt < 0 || abs(ws+wt-1.0) > 1e-9 {
		return nil, apperr.Validation("semanticWeight and textWeight must be non-negative and sum to 1.0, got %.3f and %.3f", ws, wt)
	}
	return &[2]float64{ws, wt}, nil
}

// fuse applies reciprocal-rank normalization to both candidate lists:
// score(id) = 1/(k + rank), absent contributions are zero, and the final
// score weights the two signals per record. Without an explicit override,
// each record uses its owning library's weights.
func fuse(set *store.CandidateSet, libWeights map[string][2]float64, override *[2]float64, limit int) []models.SearchHit {
	byID := make(map[int64]*models.SearchHit)

	place := func(c store.Candidate) *models.SearchHit {
		h, ok := byID[c.Embedding.ID]
		if !ok {
			h = &models.SearchHit{Embedding: c.Embedding, LibraryUUID: c.LibraryUUID}
			byID[c.Embedding.ID] = h
		}
		return h
	}
	for _, c := range set.Semantic {
		place(c).SemanticScore = 1.0 / float64(limit+c.Rank)
	}
	for _, c := range set.Lexical {
		place(c).TextScore = 1.0 / float64(limit+c.Rank)
	}

	hits := make([]models.SearchHit, 0, len(byID))
	for _, h := range byID {
		ws, wt := recordWeights(h.LibraryUUID, libWeights, override)
		h.Score = ws*h.SemanticScore + wt*h.TextScore
		hits = append(hits, *h)
	}

	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func recordWeights(libUUID string, libWeights map[string][2]float64, override *[2]float64) (float64, float64) {
	if override != nil {
		return override[0], override[1]
	}
	if w, ok := libWeights[libUUID]; ok {
		return w[0], w[1]
	}
	return 0.5, 0.5
}

// sortHits orders by fused score descending, breaking ties by record id for
// a stable response.
func sortHits(hits []models.SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && less(hits[j-1], hits[j]); j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func less(a, b models.SearchHit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Embedding.ID > b.Embedding.ID
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

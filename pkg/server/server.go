// Package server provides the public entry point for initializing the
// Acervo backend.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/api"
	"github.com/acervolabs/acervo/internal/api/handlers"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/internal/convert"
	"github.com/acervolabs/acervo/internal/embedding"
	"github.com/acervolabs/acervo/internal/ingest"
	"github.com/acervolabs/acervo/internal/llm"
	"github.com/acervolabs/acervo/internal/search"
	"github.com/acervolabs/acervo/internal/splitter"
	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/internal/telemetry"
)

// Server holds the initialized Acervo backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence backend (PostgreSQL, or in-memory when no
	// DATABASE_URL is configured).
	Store store.Store

	// Ingest is the running ingestion orchestrator.
	Ingest *ingest.Orchestrator

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops the worker pool.
	ShutdownFunc func(context.Context) error
}

// New initializes all backend components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pool := llm.NewPool(cfg.Pool)
	tokens := llm.NewTokenCounter(cfg.RAG.DefaultEmbeddingModel)
	router := splitter.NewRouter(cfg.Chunking)
	chunker := splitter.NewChunker(cfg.Chunking)
	engine := embedding.NewEngine(pool, chunker, tokens, cfg.Chunking, cfg.RAG)
	converter := convert.NewRegistry()

	orchestrator := ingest.NewOrchestrator(dataStore, router, engine, tokens, cfg)
	orchestrator.Start()

	searcher := search.NewEngine(dataStore, engine)

	h := handlers.New(dataStore, pool, orchestrator, searcher, converter)
	httpRouter := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		if err := orchestrator.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("orchestrator shutdown")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      httpRouter,
		Store:        dataStore,
		Ingest:       orchestrator,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newStore picks the persistence backend: PostgreSQL when DATABASE_URL is
// set, the in-memory store otherwise (zero-config development runs).
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("no database configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	dims := 768
	for _, p := range cfg.Pool.Providers {
		if p.Enabled && p.EmbeddingDimension > 0 {
			dims = p.EmbeddingDimension
			break
		}
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, dims)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return pg, nil
}

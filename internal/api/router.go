package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/acervolabs/acervo/internal/api/handlers"
	"github.com/acervolabs/acervo/internal/api/middleware"
	"github.com/acervolabs/acervo/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Libraries
		r.Route("/libraries", func(r chi.Router) {
			r.Get("/", h.ListLibraries)
			r.Post("/", h.CreateLibrary)
			r.Route("/{uuid}", func(r chi.Router) {
				r.Get("/", h.GetLibrary)
				r.Delete("/", h.DeleteLibrary)
			})
		})

		// Documents
		r.Route("/documents", func(r chi.Router) {
			r.Route("/upload", func(r chi.Router) {
				r.Post("/text", h.UploadText)
				r.Post("/url", h.UploadURL)
				r.Post("/file", h.UploadFile)
			})
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/process", h.ProcessDocument)
				r.Get("/status", h.GetDocumentStatus)
				r.Post("/status", h.ToggleDocumentActive)
				r.Post("/cancel", h.CancelDocument)
				r.Delete("/", h.DeleteDocument)
			})
		})

		// Search
		r.Route("/search", func(r chi.Router) {
			r.Post("/hybrid", h.SearchHybrid)
			r.Post("/semantic", h.SearchSemantic)
			r.Post("/textual", h.SearchTextual)
		})

		// User ↔ library associations
		r.Route("/user-libraries", func(r chi.Router) {
			r.Post("/", h.CreateAssociation)
			r.Get("/{userId}", h.ListUserAssociations)
			r.Delete("/{userId}/{uuid}", h.DeleteAssociation)
		})

		// Model pool
		r.Get("/models", h.ListModels)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "acervo-backend",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "acervo-backend",
		})
	}
}

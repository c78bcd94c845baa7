// Package web provides the HTTP API server for semidx.
package web

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/semidx/semidx/internal/cache"
	"github.com/semidx/semidx/internal/embed"
	"github.com/semidx/semidx/internal/search"
	"github.com/semidx/semidx/internal/session"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host       string
	Port       int
	Sessions   *session.Manager
	Cache      *cache.Service
	Provider   embed.Provider
	Collection string
	// Collections are the additional collections served by the fan-out
	// endpoints. The primary Collection is always registered.
	Collections []string
}

// Server is the HTTP API server.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
	primary *search.Searcher
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
	}

	s.primary = search.NewSearcher(cfg.Sessions, cfg.Cache, cfg.Provider, cfg.Collection)

	multi := search.NewMultiSearcher()
	multi.AddCollection(cfg.Collection, s.primary)
	for _, name := range cfg.Collections {
		if _, ok := multi.GetCollection(name); ok {
			continue
		}
		multi.AddCollection(name, search.NewSearcher(cfg.Sessions, cfg.Cache, cfg.Provider, name))
	}

	s.handler = NewHandler(cfg.Sessions, cfg.Cache, s.primary, multi)
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Warmup pre-embeds common queries through the primary searcher's provider.
func (s *Server) Warmup(ctx context.Context) error {
	return s.primary.Warmup(ctx)
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the server.
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handler.Health)
		r.Get("/search", s.handler.Search)
		r.Get("/multi-search", s.handler.MultiSearch)
		r.Get("/text-search", s.handler.TextSearch)
		r.Get("/status", s.handler.Status)
		r.Get("/collections", s.handler.Collections)
		r.Get("/cache", s.handler.CacheStats)
		r.Delete("/cache/{project}", s.handler.CacheInvalidate)

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Post("/begin", s.handler.BeginIndexing)
			r.Post("/points", s.handler.UpsertPoints)
			r.Delete("/points", s.handler.DeletePoints)
			r.Post("/end", s.handler.EndIndexing)
			r.Post("/search", s.handler.VectorSearch)
			r.Get("/count", s.handler.Count)
		})
	})
}

// Router returns the chi router for external use.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := s.config.Host + ":" + strconv.Itoa(s.config.Port)
	log.Printf("Starting API server on http://%s", addr)
	return http.ListenAndServe(addr, s.router)
}

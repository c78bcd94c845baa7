package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/semidx/semidx/internal/cache"
	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/search"
	"github.com/semidx/semidx/internal/session"
	"github.com/semidx/semidx/internal/version"
)

// Handler handles HTTP API requests.
type Handler struct {
	sessions *session.Manager
	cache    *cache.Service
	searcher *search.Searcher
	multi    *search.MultiSearcher
}

// NewHandler creates a new Handler.
func NewHandler(sessions *session.Manager, cacheSvc *cache.Service, searcher *search.Searcher, multi *search.MultiSearcher) *Handler {
	return &Handler{
		sessions: sessions,
		cache:    cacheSvc,
		searcher: searcher,
		multi:    multi,
	}
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// Search handles semantic search requests over the configured collection.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.jsonError(w, "query parameter 'q' is required", http.StatusBadRequest)
		return
	}

	opts := searchOptionsFromQuery(r.URL.Query())

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	results, err := h.searcher.Search(ctx, query, opts)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// MultiSearch fans a semantic query out across collections and returns the
// merged results ordered by score.
func (h *Handler) MultiSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.jsonError(w, "query parameter 'q' is required", http.StatusBadRequest)
		return
	}

	opts := search.MultiSearchOptions{
		SearchOptions: searchOptionsFromQuery(r.URL.Query()),
		MergeResults:  true,
	}
	if colls := r.URL.Query().Get("collections"); colls != "" {
		opts.Collections = strings.Split(colls, ",")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := h.multi.Search(ctx, query, opts)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	errs := make(map[string]string, len(result.Errors))
	for coll, e := range result.Errors {
		errs[coll] = e.Error()
	}
	h.jsonResponse(w, map[string]any{
		"query":       query,
		"collections": result.CollectionsSearched,
		"count":       len(result.Results),
		"results":     result.Results,
		"errors":      errs,
	})
}

// Collections lists the collections this server fans queries out to.
func (h *Handler) Collections(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"collections": h.multi.ListCollections(),
	})
}

// TextSearch handles full-text search requests.
func (h *Handler) TextSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.jsonError(w, "query parameter 'q' is required", http.StatusBadRequest)
		return
	}
	limit := intQuery(r.URL.Query(), "limit", 10)

	hits, err := h.searcher.Text(query, limit)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hits == nil {
		h.jsonError(w, "collection has no full-text index", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{
		"query":   query,
		"count":   len(hits),
		"results": hits,
	})
}

// Status returns index statistics as JSON.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.searcher.Stats()
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, stats)
}

// CacheStats returns per-project cache entry snapshots.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	h.jsonResponse(w, map[string]any{
		"entries": len(stats),
		"stats":   stats,
	})
}

// CacheInvalidate marks a cached project's indexes as needing a reload and
// releases the session layer's loaded graph for that path as well.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	project, err := url.PathUnescape(chi.URLParam(r, "project"))
	if err != nil {
		h.jsonError(w, "invalid project path", http.StatusBadRequest)
		return
	}
	if !h.cache.Invalidate(project) {
		h.jsonError(w, "project not cached", http.StatusNotFound)
		return
	}
	h.sessions.ReleaseDir(project)
	h.jsonResponse(w, map[string]any{"invalidated": project})
}

// BeginIndexing opens an indexing session for a collection.
func (h *Handler) BeginIndexing(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")
	if err := h.sessions.BeginIndexing(coll); err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"collection": coll, "session": "open"})
}

// upsertRequest is the body of a points upsert.
type upsertRequest struct {
	Points    []collection.Point `json:"points"`
	WatchMode bool               `json:"watch_mode,omitempty"`
}

// UpsertPoints stores vectors in a collection.
func (h *Handler) UpsertPoints(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Points) == 0 {
		h.jsonError(w, "no points provided", http.StatusBadRequest)
		return
	}

	if err := h.sessions.UpsertPoints(coll, req.Points, req.WatchMode); err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"collection": coll, "upserted": len(req.Points)})
}

// deleteRequest is the body of a points delete.
type deleteRequest struct {
	IDs []string `json:"ids"`
}

// DeletePoints removes vectors from a collection.
func (h *Handler) DeletePoints(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		h.jsonError(w, "no ids provided", http.StatusBadRequest)
		return
	}

	if err := h.sessions.DeletePoints(coll, req.IDs); err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"collection": coll, "deleted": len(req.IDs)})
}

// EndIndexing closes an indexing session and consolidates the index.
func (h *Handler) EndIndexing(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")
	skipRebuild := r.URL.Query().Get("skip_rebuild") == "true"

	mode, err := h.sessions.EndIndexing(coll, skipRebuild)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"collection": coll, "update_mode": mode})
}

// vectorSearchRequest is the body of a raw vector search.
type vectorSearchRequest struct {
	Vector  []float32         `json:"vector"`
	K       int               `json:"k,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// VectorSearch runs a k-NN query with a caller-supplied vector.
func (h *Handler) VectorSearch(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")

	var req vectorSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Vector) == 0 {
		h.jsonError(w, "vector is required", http.StatusBadRequest)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	results, err := h.sessions.Search(coll, req.Vector, req.K, req.Filters)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{
		"collection": coll,
		"count":      len(results),
		"results":    results,
	})
}

// Count returns the number of points in a collection.
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")
	count, err := h.sessions.CountPoints(coll)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"collection": coll, "count": count})
}

// searchOptionsFromQuery maps URL query parameters to search options.
func searchOptionsFromQuery(q url.Values) search.SearchOptions {
	opts := search.DefaultSearchOptions()
	opts.Limit = intQuery(q, "limit", opts.Limit)
	if lang := q.Get("lang"); lang != "" {
		opts.Language = lang
	}
	if pattern := q.Get("file"); pattern != "" {
		opts.FilePattern = pattern
	}
	if minScore := q.Get("min_score"); minScore != "" {
		if v, err := strconv.ParseFloat(minScore, 32); err == nil {
			opts.MinScore = float32(v)
		}
	}
	return opts
}

// intQuery parses an integer query parameter, falling back to def.
func intQuery(q url.Values, key string, def int) int {
	s := q.Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

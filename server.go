package archivist

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is a read-only JSON API over an archive.
type Server struct {
	archive       *Archive
	log           *zap.Logger
	defaultFields []string
	maxLimit      int
}

// NewServer returns a server for a. defaultFields are searched when a query
// names no field.
func NewServer(a *Archive, defaultFields []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{archive: a, log: log, defaultFields: defaultFields, maxLimit: 500}
}

// Handler returns the routes. gatherer, if set, is exposed on /metrics.
func (s *Server) Handler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/api/archives/{id}", s.handleArchive)
	r.Get("/api/search", s.handleSearch)
	r.Get("/api/tags", s.handleTags)
	r.Get("/api/tags/suggest", s.handleSuggest)
	r.Get("/api/stats", s.handleStats)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

type archiveResponse struct {
	*Record
	Complete bool   `json:"complete"`
	Path     string `json:"path"`
}

func (s *Server) toResponse(rec *Record) archiveResponse {
	return archiveResponse{
		Record:   rec,
		Complete: s.archive.IsComplete(rec.ID),
		Path:     s.archive.CanonicalDir(rec.ID),
	}
}

func (s *Server) toResponses(recs []*Record) []archiveResponse {
	out := make([]archiveResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.toResponse(rec))
	}
	return out
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid archive id")
		return
	}
	rec, err := s.archive.FetchByID(uint32(id))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(rec))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	fields := s.defaultFields
	if fs := r.URL.Query()["field"]; len(fs) > 0 {
		fields = fs
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, s.maxLimit)
	}

	recs, err := s.archive.Search(r.Context(), q, fields, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponses(recs))
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags := r.URL.Query()["tag"]
	if len(tags) == 0 {
		writeError(w, http.StatusBadRequest, "missing tag parameter")
		return
	}
	recs, err := s.archive.WithAllTags(r.Context(), tags)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponses(recs))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	tags, err := s.archive.SuggestTags(r.Context(), q, 10)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.archive.Stats(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/batch"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
	"github.com/JakeFAU/vectorroulette/internal/throttle"
)

// Batcher resolves a multi-source batch.
type Batcher interface {
	Fetch(ctx context.Context, sources []asset.Source) (batch.Result, error)
}

// ThrottleReporter exposes throttle windows.
type ThrottleReporter interface {
	Status(upstream asset.Source) throttle.Status
	StatusMax() throttle.Status
}

// IndexProbe reads the durable cache index.
type IndexProbe interface {
	Fresh(ctx context.Context) ([]asset.CacheEntry, error)
}

// Options configures optional server behavior.
type Options struct {
	RequestTimeout time.Duration
	APIKey         string
	// ArchiveDir, when set, is served under /archive/.
	ArchiveDir string
}

// Server wires HTTP handlers to the batch orchestrator and throttle coordinator.
type Server struct {
	router   chi.Router
	batcher  Batcher
	throttle ThrottleReporter
	index    IndexProbe
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(batcher Batcher, throttle ThrottleReporter, index IndexProbe, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		batcher:  batcher,
		throttle: throttle,
		index:    index,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/assets/batch", s.getBatch)
		r.Get("/ratelimit/status", s.getRateLimitStatus)
	})

	if opts.ArchiveDir != "" {
		r.Handle("/archive/*", http.StripPrefix("/archive/", http.FileServer(http.Dir(opts.ArchiveDir))))
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	entries, err := s.index.Fresh(r.Context())
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cache index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "indexEntries": len(entries)})
}

type batchResponse struct {
	Items []*asset.AssetItem `json:"items"`
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	sources := parseSources(r.URL.Query().Get("sources"))
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "sources must name at least one of siteA, siteB, wikiMedia")
		return
	}
	result, err := s.batcher.Fetch(r.Context(), sources)
	switch {
	case errors.Is(err, batch.ErrNoSources):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, asset.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "no assets available")
		return
	case err != nil:
		s.logger.Error("batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Items: result.Items})
}

func (s *Server) getRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("upstream")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.throttle.StatusMax())
		return
	}
	upstream, ok := asset.ParseSource(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown upstream")
		return
	}
	writeJSON(w, http.StatusOK, s.throttle.Status(upstream))
}

func parseSources(raw string) []asset.Source {
	var out []asset.Source
	for _, part := range strings.Split(raw, ",") {
		if src, ok := asset.ParseSource(part); ok {
			out = append(out, src)
		}
	}
	return out
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", RequestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

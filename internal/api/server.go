package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/docqa/internal/queue"
	"github.com/dunamismax/docqa/internal/ratelimit"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	UploadDir      string
	MaxUploadBytes int64
	// PublicBaseURL prefixes status and download links; empty keeps them relative.
	PublicBaseURL   string
	QueueName       string
	PresignTTL      time.Duration
	DispatchTimeout time.Duration
	RateLimitHeader string
}

// ArtifactLinker hands out short-lived links to mirrored exports.
type ArtifactLinker interface {
	PresignedGetURL(ctx context.Context, objectKey, downloadName string, expiry time.Duration) (string, error)
}

type Server struct {
	logger      zerolog.Logger
	jobs        store.JobStore
	dispatcher  queue.Dispatcher
	artifacts   ArtifactLinker
	rateLimiter ratelimit.Limiter
	tracer      trace.Tracer
	registry    *prometheus.Registry
	metrics     *metrics
	cfg         Config
	router      chi.Router
}

type Option func(*Server)

func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.rateLimiter = l }
}

func WithArtifacts(a ArtifactLinker) Option {
	return func(s *Server) { s.artifacts = a }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithRegistry registers the API collectors on reg so one /metrics endpoint
// can also expose worker and runner metrics in single-process mode.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

func NewServer(logger zerolog.Logger, jobs store.JobStore, dispatcher queue.Dispatcher, cfg Config, opts ...Option) (*Server, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return nil, errors.New("upload dir is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "default"
	}
	if cfg.RateLimitHeader == "" {
		cfg.RateLimitHeader = "X-User-ID"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	s := &Server{
		logger:     logger,
		jobs:       jobs,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry)
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(s.withRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.withRateLimit(ratelimit.ScopeUpload)).Post("/documents", s.handleUploadDocument)
		v1.With(s.withRateLimit(ratelimit.ScopeJobs)).Post("/jobs", s.handleCreateJob)
		v1.Get("/jobs/{id}", s.handleJobStatus)
		v1.Get("/jobs/{id}/download", s.handleDownload)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
}

// withRequestLogger tags the request logger with the chi request id and
// writes one access log line per request.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			logger := zerolog.Ctx(r.Context()).With().Str("request_id", reqID).Logger()
			r = r.WithContext(logger.WithContext(r.Context()))
		}
		access.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) link(path string) string {
	return s.cfg.PublicBaseURL + path
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

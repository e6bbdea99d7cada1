// Package api exposes the visitor parser over HTTP.
//
// Routes under /api/v1 serve parsing, the category taxonomy and the audit
// log. The root mux also carries service info, liveness and readiness probes
// and the Prometheus scrape endpoint. Every route runs behind panic recovery,
// tracing and CORS middleware.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/visitorparse/internal/audit"
	"github.com/MrWong99/visitorparse/internal/health"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/registration"
)

// ServiceName is reported by the info and health routes.
const ServiceName = "visitorparse"

// Prefix is the path prefix of the versioned API.
const Prefix = "/api/v1"

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 64 << 10
)

// Parser runs the parse pipeline for one utterance.
type Parser interface {
	Parse(ctx context.Context, buildingID int, text string) (registration.Response, error)
}

var _ Parser = (*registration.Service)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithVersion sets the version reported by the info and health routes.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAuditReader enables GET /api/v1/audit backed by r.
func WithAuditReader(r audit.Reader) Option {
	return func(s *Server) { s.audit = r }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP request durations on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins sets the allowed browser origins. "*" allows any origin.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithRequestTimeout bounds the processing of a parse request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetricsHandler overrides the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server routes HTTP requests to the parse pipeline.
type Server struct {
	parser         Parser
	audit          audit.Reader
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	origins        []string
	version        string
	timeout        time.Duration
	validate       *validator.Validate

	handler http.Handler
}

// New builds a [Server] around parser.
func New(parser Parser, opts ...Option) *Server {
	s := &Server{
		parser:   parser,
		version:  "dev",
		timeout:  defaultRequestTimeout,
		validate: newValidator(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("POST "+Prefix+"/parse-visitor", s.handleParse)
	mux.HandleFunc("GET "+Prefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+Prefix+"/categories", s.handleCategories)
	mux.HandleFunc("GET "+Prefix+"/audit", s.handleAudit)
	mux.Handle("GET /metrics", s.metricsHandler)
	if s.health != nil {
		s.health.Register(mux)
	}

	var h http.Handler = mux
	h = cors(s.origins)(h)
	h = observe.Middleware(s.metrics)(h)
	h = recoverer(h)
	s.handler = h
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

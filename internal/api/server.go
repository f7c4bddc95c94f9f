// Package api exposes the broker over REST/JSON: token issuance, LLM
// invocation, the model catalog, project administration, and the
// operator telemetry endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bradax/broker/internal/auth"
	"github.com/bradax/broker/internal/config"
	"github.com/bradax/broker/internal/guardrail"
	"github.com/bradax/broker/internal/llm"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/middleware"
	"github.com/bradax/broker/internal/project"
	"github.com/bradax/broker/internal/registry"
	"github.com/bradax/broker/internal/telemetry"
)

// Server wires the handlers to the stores and the pipeline.
type Server struct {
	cfg          *config.Config
	auth         *auth.Service
	orchestrator *llm.Orchestrator
	projects     *project.Store
	catalog      *registry.Catalog
	rules        *guardrail.Store
	telemetry    *telemetry.Writer
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	limiter      *middleware.RateLimiter
	logger       *log.Logger
}

// NewServer builds the HTTP surface. gatherer serves /metrics; pass
// prometheus.DefaultGatherer in production.
func NewServer(
	cfg *config.Config,
	authSvc *auth.Service,
	orchestrator *llm.Orchestrator,
	projects *project.Store,
	catalog *registry.Catalog,
	rules *guardrail.Store,
	tw *telemetry.Writer,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
) *Server {
	return &Server{
		cfg:          cfg,
		auth:         authSvc,
		orchestrator: orchestrator,
		projects:     projects,
		catalog:      catalog,
		rules:        rules,
		telemetry:    tw,
		metrics:      m,
		gatherer:     gatherer,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimitRPM,
			RequestsPerHour:   cfg.RateLimitRPH,
			MaxConcurrent:     cfg.MaxConcurrent,
		}, m),
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Close releases background resources (the rate limiter's cleanup loop).
func (s *Server) Close() {
	s.limiter.Stop()
}

// Router assembles the middleware chain and routes. The chain order is
// fixed: recovery, trusted hosts, CORS (outside production), security
// headers, throttling, request logging; SDK header validation and bearer
// auth guard the /api/v1 surface. Over-limit requests never reach the
// logger.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Unguarded operational endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewTelemetryValidator(s.telemetry).Middleware)

	api.HandleFunc("/auth/token", s.handleIssueToken).Methods("POST")
	api.HandleFunc("/auth/validate", s.handleValidateToken).Methods("POST")

	sdk := api.PathPrefix("/llm").Subrouter()
	sdk.Use(s.requireAuth)
	sdk.HandleFunc("/invoke", s.handleInvoke).Methods("POST")
	sdk.HandleFunc("/models", s.handleListModels).Methods("GET")

	// Operator surface: project administration and telemetry readouts.
	api.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	api.HandleFunc("/projects", s.handleUpsertProject).Methods("POST")
	api.HandleFunc("/projects/{project_id}", s.handleGetProject).Methods("GET")
	api.HandleFunc("/projects/{project_id}", s.handleDeleteProject).Methods("DELETE")
	api.HandleFunc("/system/telemetry", s.handleTelemetrySummary).Methods("GET")
	api.HandleFunc("/system/telemetry", s.handleTelemetryIngest).Methods("POST")
	api.HandleFunc("/system/reload", s.handleReload).Methods("POST")
	api.HandleFunc("/system/guardrails", s.handleGuardrailStats).Methods("GET")
	api.HandleFunc("/system/info", s.handleSystemInfo).Methods("GET")

	var h http.Handler = r
	h = middleware.RequestLogger(s.metrics)(h)
	h = s.limiter.Middleware(h)
	h = middleware.SecurityHeaders(h)
	if !s.cfg.IsProduction() {
		h = middleware.CORS(s.cfg.CORSOrigins)(h)
	}
	h = middleware.TrustedHosts(s.cfg.TrustedHosts)(h)
	h = middleware.Recovery(h)
	return h
}

// Start blocks serving the API on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Printf("🚀 broker listening on %s (env=%s)", addr, s.cfg.Env)
	return http.ListenAndServe(addr, s.Router())
}

// requireAuth enforces a bearer token and puts the principal in context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, verifyErrorMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

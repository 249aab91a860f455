// Package api provides the HTTP API server for Isabella.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tamv/isabella/internal/codec"
	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/ledger"
	"github.com/tamv/isabella/internal/logging"
	"github.com/tamv/isabella/internal/orchestrator"
	"github.com/tamv/isabella/internal/storage"
)

const contentTypeCBOR = "application/cbor"

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	orchestrator *orchestrator.Orchestrator
	sessions     *Sessions
	ledgerStore  *ledger.Store
	db           *storage.DB
	gatherer     prometheus.Gatherer
	logger       *logging.Logger

	creatorSessions bool
}

// Config for the server
type Config struct {
	Addr           string
	AllowedOrigins []string
	Orchestrator   *orchestrator.Orchestrator
	Sessions       *Sessions
	LedgerStore    *ledger.Store
	DB             *storage.DB
	Gatherer       prometheus.Gatherer
	Logger         *logging.Logger

	// CreatorSessions lets task requests carry their own creator session.
	// Only enable it when the orchestrator's signer has a session verifier.
	CreatorSessions bool
}

// New creates a new API server
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}

	s := &Server{
		orchestrator: cfg.Orchestrator,
		sessions:     cfg.Sessions,
		ledgerStore:  cfg.LedgerStore,
		db:           cfg.DB,
		gatherer:     cfg.Gatherer,
		logger:       cfg.Logger,

		creatorSessions: cfg.CreatorSessions,
	}
	if s.sessions == nil {
		s.sessions = NewSessions(core.ModuleIntelligence)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}

	s.setupRouter(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleExecuteTask)
		r.Get("/agent", s.handleGetAgent)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/actions", s.handleTrackAction)
			r.Get("/telemetry", s.handleGetTelemetry)
			r.Delete("/", s.handleEndSession)
		})

		if s.ledgerStore != nil {
			NewLedgerAPI(s.ledgerStore).RegisterRoutes(r)
		}
	})

	s.router = r
}

// requestLogger logs one line per request through the shared logger
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(map[string]any{
				"request_id": middleware.GetReqID(r.Context()),
				"status":     ww.Status(),
				"duration":   time.Since(start).Round(time.Microsecond),
			}).Debug("%s %s", r.Method, r.URL.Path)
		})
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("API server listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	}
	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.Agent())
}

// respond writes data as CBOR when the client asks for it, JSON otherwise
func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if !strings.Contains(r.Header.Get("Accept"), contentTypeCBOR) {
		respondJSON(w, status, data)
		return
	}

	body, err := codec.Marshal(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(status)
	w.Write(body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

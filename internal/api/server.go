package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/heron/internal/decision"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/experiment"
	"github.com/opensource-finance/heron/internal/metrics"
)

// Deps are the collaborators served by the API. Repo, Cache, Bus and
// Metrics may be nil.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Decisions   *decision.Engine
	Experiments *experiment.Engine
	Metrics     *metrics.Metrics
	Version     string
}

// Server is the heron HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	metrics *metrics.Metrics
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. Call MountMetrics to expose Prometheus.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(deps),
		metrics: deps.Metrics,
		config:  cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.handler
	r := s.router

	r.Use(CORSMiddleware(s.config.AllowedOrigins))
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware(s.metrics))
	r.Use(RecoverMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/decisions", h.MakeDecision)
		r.Get("/decisions/{id}", h.GetDecision)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", h.CreateExperiment)
			r.Get("/", h.ListExperiments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetExperiment)
				r.Post("/start", h.StartExperiment)
				r.Post("/stop", h.StopExperiment)
				r.Post("/pause", h.PauseExperiment)
				r.Post("/resume", h.ResumeExperiment)
				r.Post("/cancel", h.CancelExperiment)
				r.Put("/allocations", h.UpdateAllocations)
				r.Get("/results", h.GetResults)
				r.Get("/assignments/{customerId}", h.GetAssignment)
				r.Get("/bandit/{customerId}", h.GetBanditArm)
				r.Post("/conversions", h.TrackConversion)
			})
		})
	})
}

// MountMetrics exposes the Prometheus registry at path, outside the tenant
// group.
func (s *Server) MountMetrics(path string) {
	if s.metrics == nil {
		return
	}
	if path == "" {
		path = "/metrics"
	}
	s.router.Method(http.MethodGet, path, s.metrics.Handler())
}

// Start listens until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server not ready, then drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.handler.draining.Store(true)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router, for tests and embedding.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the request handlers.
func (s *Server) Handler() *Handler {
	return s.handler
}

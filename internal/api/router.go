// Package api is the admin control plane: a small JSON surface over the
// controller for operators and site tooling. It never serves instance data,
// only state, jobs and the pseudonymization index exports.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/controller"
)

// Server is the admin HTTP server.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer builds the admin server over a controller.
func NewServer(cfg *config.Config, ctrl *controller.Controller, version string) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(ctrl, version),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handlers.Health)
	s.router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.handlers.ctrl.MetricsRegistry(), promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Admin.Token != "" {
			r.Use(AuthMiddleware(s.cfg.Admin.Token))
		}

		r.Get("/status", s.handlers.Status)

		r.Route("/scp", func(r chi.Router) {
			r.Post("/start", s.handlers.StartSCP)
			r.Post("/stop", s.handlers.StopSCP)
		})

		r.Post("/echo", s.handlers.Echo)
		r.Post("/query", s.handlers.Query)
		r.Post("/query/accessions", s.handlers.QueryAccessions)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handlers.ListJobs)
			r.Post("/move", s.handlers.StartMove)
			r.Post("/export", s.handlers.StartExport)
			r.Post("/import", s.handlers.StartImport)
			r.Get("/{id}", s.handlers.GetJob)
			r.Post("/{id}/abort", s.handlers.AbortJob)
		})

		r.Route("/phi", func(r chi.Router) {
			r.Post("/csv", s.handlers.CreatePHICSV)
			r.Post("/java-import", s.handlers.ImportJavaIndex)
		})

		r.Delete("/studies/{uid}", s.handlers.DeleteStudy)

		r.Get("/config", s.handlers.GetConfig)
		r.Put("/config", s.handlers.UpdateConfig)

		r.Post("/save", s.handlers.Save)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Package api exposes the HTTP surface: the versioned REST API, the
// public tracking endpoints and operational endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierd/courierd/internal/apikey"
	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/send"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
	"github.com/courierd/courierd/internal/webhook"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	store    *store.Store
	pipeline *send.Pipeline
	recorder *event.Recorder
	suppress *suppress.Service
	hooks    *webhook.Engine
	keys     *apikey.Service
	metrics  *metrics.Metrics

	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the API server with all routes configured
func NewServer(st *store.Store, pipeline *send.Pipeline, rec *event.Recorder, sup *suppress.Service, hooks *webhook.Engine, keys *apikey.Service, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		pipeline:  pipeline,
		recorder:  rec,
		suppress:  sup,
		hooks:     hooks,
		keys:      keys,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Public endpoints. Tracking must never fail outward.
	s.router.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		s.router.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	}
	s.router.Get(s.cfg.Tracking.PixelPath+"/{token}", s.handleOpenPixel)
	s.router.Get(s.cfg.Tracking.ClickPath+"/{token}", s.handleClickRedirect)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/send", s.handleSend)
		r.Post("/send/batch", s.handleSendBatch)

		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/messages/{id}/events", s.handleMessageEvents)

		r.Post("/events", s.handleIngestEvent)
		r.Get("/stats", s.handleStats)

		r.Get("/suppressions", s.handleListSuppressions)
		r.Post("/suppressions", s.handleCreateSuppression)
		r.Post("/suppressions/check", s.handleCheckSuppressions)
		r.Delete("/suppressions/{email}", s.handleDeleteSuppression)

		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks", s.handleCreateWebhook)
		r.Get("/webhooks/{id}", s.handleGetWebhook)
		r.Put("/webhooks/{id}", s.handleUpdateWebhook)
		r.Patch("/webhooks/{id}", s.handleUpdateWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
		r.Post("/webhooks/{id}/rotate-secret", s.handleRotateWebhookSecret)
		r.Post("/webhooks/{id}/test", s.handleTestWebhook)
		r.Get("/webhooks/{id}/attempts", s.handleWebhookAttempts)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleCreateTemplate)
		r.Post("/templates/preview", s.handlePreviewTemplate)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Delete("/templates/{id}", s.handleDeleteTemplate)
	})
}

// Handler returns the configured router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("starting HTTP API server", "addr", s.cfg.API.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

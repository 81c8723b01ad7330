package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Esekyi/mailSage/internal/config"
	"github.com/Esekyi/mailSage/internal/engine"
	"github.com/Esekyi/mailSage/internal/models"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Engine is the job coordinator surface the API depends on
type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*models.Job, error)
	Control(ctx context.Context, jobID string, action engine.Action) error
}

// Accounts resolves API keys to caller identities
type Accounts interface {
	Lookup(key string) (engine.Account, bool)
}

// StaticAccounts is an Accounts backed by the configured key list
type StaticAccounts map[string]engine.Account

// NewStaticAccounts builds the account lookup from configuration
func NewStaticAccounts(keys []config.APIKeyConfig) StaticAccounts {
	accounts := make(StaticAccounts, len(keys))
	for _, k := range keys {
		accounts[k.Key] = engine.Account{
			APIKeyID:      k.ID,
			OwnerID:       k.OwnerID,
			RatePerMinute: k.RatePerMinute,
		}
	}
	return accounts
}

func (a StaticAccounts) Lookup(key string) (engine.Account, bool) {
	acc, ok := a[key]
	return acc, ok
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     Engine
	accounts   Accounts
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. metricsHandler is mounted at
// metricsPath when non-nil.
func NewServer(eng Engine, accounts Accounts, cfg *config.ServerConfig, logger *slog.Logger, metricsPath string, metricsHandler http.Handler) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		accounts:  accounts,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes(metricsPath, metricsHandler)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(metricsPath string, metricsHandler http.Handler) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if metricsHandler != nil {
		s.router.Handle(metricsPath, metricsHandler)
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/emails/send", s.handleSend)
		r.Post("/emails/batch", s.handleSendBatch)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/pause", s.handleControl(engine.ActionPause))
		r.Post("/jobs/{id}/resume", s.handleControl(engine.ActionResume))
		r.Post("/jobs/{id}/stop", s.handleControl(engine.ActionStop))
	})
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
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

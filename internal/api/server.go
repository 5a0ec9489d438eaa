package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"apex-engine/internal/config"
)

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer wires the router. metricsHandler serves /metrics; pass nil to
// disable the endpoint.
func NewServer(cfg config.APIConfig, provider EngineProvider, control Controller, trades TradeReader, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	h := NewHandlers(provider, control, trades, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Get("/api/state", h.State)
	r.Get("/api/positions", h.Positions)
	r.Get("/api/trades", h.Trades)
	r.Get("/api/pnl", h.PnL)
	r.Post("/api/kill", h.Kill)
	r.Post("/api/pause", h.Pause)
	r.Post("/api/resume", h.Resume)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("api server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("api server stopping")
	return s.server.Shutdown(ctx)
}

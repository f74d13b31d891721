package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/api/middleware"
	"github.com/eldtechnologies/hubd/internal/auth"
	"github.com/eldtechnologies/hubd/internal/config"
	"github.com/eldtechnologies/hubd/internal/handlers"
	"github.com/eldtechnologies/hubd/internal/hub"
	"github.com/eldtechnologies/hubd/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, logger zerolog.Logger, h *hub.Hub, st store.MessageStore, validator auth.TokenValidator) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS for the HTTP surface; WebSocket origin policy lives in the upgrader.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	hd := handlers.NewHandler(h, st, validator, logger)
	upgrader := handlers.NewUpgrader(cfg.AllowedOrigins)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", hd.Health)
	r.Get("/channels", hd.ListChannels)
	r.Get("/ws", hd.ServeWS(upgrader))

	return r
}

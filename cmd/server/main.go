package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/api"
	"github.com/eldtechnologies/hubd/internal/auth"
	"github.com/eldtechnologies/hubd/internal/config"
	"github.com/eldtechnologies/hubd/internal/hub"
	"github.com/eldtechnologies/hubd/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize SQLite store
	st, err := store.NewSQLiteStore(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("sqlite open failed")
	}
	logger.Info().Str("path", cfg.DBPath).Msg("sqlite store ready")

	// Token validation; development falls back to a generated secret so the
	// sign CLI output in the logs can be used against a local broker.
	secret := cfg.TokenSecret
	if secret == "" {
		secret = "hubd-dev-secret"
		logger.Warn().Msg("TOKEN_SECRET not set, using development secret")
	}
	validator, err := auth.NewHMACValidator(secret, 2*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("token validator init failed")
	}

	// Broker core
	h := hub.New(st, logger, hubOptions(cfg))

	// Create router
	router := api.NewRouter(cfg, logger, h, st, validator)

	// Bind the listener up front: an empty port means let the OS pick one,
	// and the chosen address must be logged before clients can connect.
	addr := ":" + cfg.Port
	if cfg.Port == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("listen failed")
	}

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", listener.Addr().String()).
			Str("env", cfg.Env).
			Msg("hubd listening")

		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain live connections first so their leave events persist while the
	// store is still open. The HTTP server can only finish its own shutdown
	// once the blocking WebSocket handlers have returned.
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	st.Close()

	logger.Info().Msg("broker stopped")
}

func hubOptions(cfg *config.Config) hub.Options {
	opts := hub.DefaultOptions()
	if cfg.MaxFrameBytes > 0 {
		opts.MaxFrameBytes = cfg.MaxFrameBytes
	}
	return opts
}

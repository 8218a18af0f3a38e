// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/followup-core/internal/app"
	"github.com/capitalize-ai/followup-core/internal/config"
	"github.com/capitalize-ai/followup-core/internal/handler"
	"github.com/capitalize-ai/followup-core/internal/middleware"
	"github.com/capitalize-ai/followup-core/internal/orchestrator"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "followup-core-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// The API only appends and replays; replay needs the handler chains.
	orch := orchestrator.New(a.Events, log)
	orchestrator.RegisterCoreHandlers(orch, a.Memory, a.Engine, nil, a.Store.States, a.Store.Leads, log)
	orch.Seal()

	healthHandler := handler.NewHealthHandler(a.Bus)
	webhookHandler := handler.NewWebhookHandler(a.Registry, a.Resolver, a.Events, log)
	leadHandler := handler.NewLeadHandler(a.Store.Leads, a.Memory, log)
	eventHandler := handler.NewEventHandler(orch, log)
	sequenceHandler := handler.NewSequenceHandler(a.Engine, a.Store, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/webhooks/{channel}", webhookHandler.Receive)

		r.Route("/leads/{leadID}", func(r chi.Router) {
			r.Get("/", leadHandler.Get)
			r.Get("/context", leadHandler.Context)
			r.Post("/enroll", sequenceHandler.Enroll)

			r.With(middleware.RequireScope("gdpr:wipe")).Delete("/", leadHandler.Wipe)
		})

		r.Route("/sequence-states/{stateID}", func(r chi.Router) {
			r.Post("/pause", sequenceHandler.Pause)
			r.Post("/resume", sequenceHandler.Resume)
			r.Post("/stop", sequenceHandler.Stop)
		})

		r.With(middleware.RequireScope("events:replay")).Post("/events/replay", eventHandler.Replay)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

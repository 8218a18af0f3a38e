// Package main is the entry point for the dispatch worker: it consumes the
// event stream and runs the scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/capitalize-ai/followup-core/internal/app"
	"github.com/capitalize-ai/followup-core/internal/config"
	"github.com/capitalize-ai/followup-core/internal/orchestrator"
	"github.com/capitalize-ai/followup-core/internal/scheduler"
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

	log.Info("starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "followup-core-worker", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	orch := orchestrator.New(a.Events, log)

	dispatcher := scheduler.New(a.Store, a.Registry, a.KV, a.Events, a.Engine, a.Store,
		a.Clock, scheduler.Params{
			TickInterval:    cfg.TickInterval,
			QuietHoursStart: cfg.QuietHoursStart,
			QuietHoursEnd:   cfg.QuietHoursEnd,
			InFlightTTL:     cfg.InFlightTTL,
			BatchLimit:      100,
			DedupRetention:  cfg.DedupRetentionWindow,
		}, log)

	orchestrator.RegisterCoreHandlers(orch, a.Memory, a.Engine, dispatcher, a.Store.States, a.Store.Leads, log)
	orch.Seal()

	errCh := make(chan error, 2)

	go func() {
		log.Info("event consumer started")
		errCh <- a.EventBus.Consume(ctx, orch.ProcessEvent)
	}()
	go func() {
		log.Info("scheduler started", "tick_interval", cfg.TickInterval)
		errCh <- dispatcher.Run(ctx)
	}()

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}

	log.Info("worker stopped")
}

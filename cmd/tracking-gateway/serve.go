package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/consumer"
	"github.com/helicontrade/tracking/internal/enricher"
	"github.com/helicontrade/tracking/internal/handler"
	"github.com/helicontrade/tracking/internal/logging"
	"github.com/helicontrade/tracking/internal/metrics"
	"github.com/helicontrade/tracking/internal/ratelimit"
	"github.com/helicontrade/tracking/internal/tracking"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP collector and the Kafka relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	log.Info().Msg("Starting tracking gateway...")

	m := metrics.New()

	svc := tracking.New(cfg.Tracking, tracking.WithMetrics(m))
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	err := svc.Initialize(initCtx)
	cancelInit()
	if err != nil {
		return fmt.Errorf("initialize tracking: %w", err)
	}

	eventEnricher := enricher.New(cfg.GeoIP.DatabasePath)
	defer eventEnricher.Close()

	limiter := ratelimit.New(cfg.Redis, cfg.RateLimit)
	defer limiter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := consumer.NewKafkaConsumer(cfg.Consumer, svc)
	relayDone := make(chan struct{})
	if relay != nil {
		go func() {
			defer close(relayDone)
			relay.Start(ctx)
		}()
	} else {
		close(relayDone)
	}

	httpHandler := handler.NewHTTPHandler(svc, limiter, eventEnricher)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(handler.CORSMiddleware)
	r.Use(handler.Middleware(svc, eventEnricher, cfg.Server))

	r.Get("/health", httpHandler.HealthCheck)
	r.Handle("/metrics", m.Handler())
	r.Post("/v1/events", httpHandler.HandleEvents)
	r.Post("/v1/identify", httpHandler.HandleIdentify)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("HTTP server failed")
		stop()
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := relay.Close(); err != nil {
		log.Error().Err(err).Msg("Kafka relay close failed")
	}
	<-relayDone

	if err := svc.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracking service did not flush cleanly")
	}
	log.Info().Interface("stats", svc.Stats()).Msg("Tracking gateway stopped")
	return runErr
}

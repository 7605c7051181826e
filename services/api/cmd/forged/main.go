package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forged/pkg/bus"
	"forged/pkg/config"
	"forged/pkg/render"
	"forged/pkg/telemetry"
	"forged/services/api"
	"forged/services/notify"
	"forged/services/pipeline"
	"forged/services/publish"
	"forged/services/stage"
	"forged/services/synth"
)

func main() {
	if err := run("forged"); err != nil {
		fmt.Fprintf(os.Stderr, "forged: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(serviceName, cfg.Log.Level, cfg.Log.Format, os.Stdout)

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	outbound := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	synthesizer, err := synth.New(synth.Config{
		URL:         cfg.LLM.APIURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, renderer, &http.Client{Transport: outbound.Transport, Timeout: cfg.LLM.Timeout}, logger)
	if err != nil {
		return fmt.Errorf("init synthesizer: %w", err)
	}

	store, err := stage.New(cfg.StagingDir, renderer, logger)
	if err != nil {
		return fmt.Errorf("init staging: %w", err)
	}

	hosting, err := publish.NewGitHub(publish.GitHubOptions{
		Token:      cfg.GitHub.Token,
		BaseURL:    cfg.GitHub.APIURL,
		RPS:        cfg.GitHub.RPS,
		Burst:      cfg.GitHub.Burst,
		HTTPClient: outbound,
	}, logger)
	if err != nil {
		return fmt.Errorf("init github: %w", err)
	}
	publisher, err := publish.New(hosting, publish.ExecGit{}, publish.Options{
		Username:    cfg.GitHub.Username,
		Token:       cfg.GitHub.Token,
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	dispatcher := notify.New(notify.Options{
		BaseDelay:   cfg.Notify.BaseDelay,
		MaxAttempts: cfg.Notify.MaxAttempts,
		Jitter:      cfg.Notify.Jitter,
		Client:      &http.Client{Transport: outbound.Transport, Timeout: cfg.Notify.Timeout},
		Observer:    metrics.ObserveAttempt,
	}, logger)

	opts := pipeline.Options{
		Secret:             cfg.SubmissionSecret,
		SynthesisTimeout:   cfg.Steps.Synthesis,
		PublicationTimeout: cfg.Steps.Publication,
		Metrics:            metrics,
	}
	var checks []api.Check
	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer eventBus.Close()
		opts.Events = eventBus
		checks = append(checks, api.Check{Name: "bus", Probe: func(context.Context) error { return eventBus.Ready() }})
	} else {
		logger.Info().Msg("NATS_URL not set, lifecycle events disabled")
	}

	orchestrator, err := pipeline.New(synthesizer, store, publisher, dispatcher, opts, logger)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	handlers, err := api.New(orchestrator, api.Config{
		StrictStatusCodes: cfg.StrictStatusCodes,
		RequestTimeout:    cfg.RequestTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitPerMin:   cfg.RateLimitPerMin,
		Middleware:        middleware,
		Metrics:           promhttp.Handler(),
		Checks:            checks,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	router, err := handlers.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("staging_dir", store.Root()).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

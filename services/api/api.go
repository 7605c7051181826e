// Package api exposes the task submission endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"forged/services/pipeline"
)

const defaultRequestTimeout = 15 * time.Minute

// Runner executes one submission.
type Runner interface {
	Handle(ctx context.Context, req pipeline.TaskRequest) pipeline.Result
}

// Check reports whether a dependency is ready to serve traffic.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// StrictStatusCodes maps failures to 4xx/5xx instead of answering every request with 200.
	StrictStatusCodes bool
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	RateLimitPerMin   int
	// Middleware wraps every route, typically telemetry.
	Middleware func(http.Handler) http.Handler
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Checks  []Check
}

// API wires the pipeline and configuration for HTTP handlers.
type API struct {
	runner Runner
	config Config
	logger zerolog.Logger
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(runner Runner, cfg Config, logger zerolog.Logger) (*API, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		runner: runner,
		config: cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}, nil
}

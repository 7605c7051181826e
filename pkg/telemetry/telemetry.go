package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the service logger. format "console" selects a human readable writer,
// anything else emits JSON lines.
func NewLogger(serviceName, level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
}

// Init configures OpenTelemetry tracing and propagation for a service and returns a shutdown
// hook plus an HTTP middleware that traces and logs every request. An empty endpoint keeps the
// global no-op tracer provider.
func Init(ctx context.Context, serviceName, endpoint string, logger zerolog.Logger) (func(context.Context) error, func(http.Handler) http.Handler, error) {
	if serviceName == "" {
		return nil, nil, errors.New("telemetry: service name is required")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(context.Context) error { return nil }

	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		shutdown = tracerProvider.Shutdown
	} else {
		logger.Debug().Msg("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
	}

	middleware := func(next http.Handler) http.Handler {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Str("trace_id", TraceID(r.Context())).
				Msg("request")
		})

		return otelhttp.NewHandler(handler, serviceName)
	}

	return shutdown, middleware, nil
}

// TraceID returns the hex trace id carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}

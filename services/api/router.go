package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	if a.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.config.Metrics)
	}

	r.Group(func(r chi.Router) {
		if a.config.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMin, time.Minute))
		}
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Post("/generate-app/", a.handleGenerate)
		r.Post("/generate-app", a.handleGenerate)
		r.Post("/v1/tasks", a.handleGenerate)
	})

	return r, nil
}

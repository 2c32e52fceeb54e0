package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// Progress streams are mounted outside the timeout group: an SSE response
// stays open for the life of the job.
func BuildRouter(cfg config.Config, srv *httpserver.Server, evalStream, remStream *httpserver.Streamer) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(tr chi.Router) {
		tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		// API responses are JSON only; the static SPA below is exempt.
		tr.Use(httpserver.SecurityHeaders)

		// Rate limit mutating endpoints; the daily git limit is enforced
		// separately inside the evaluate handler.
		tr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/evaluate", srv.EvaluateHandler())
			wr.Post("/v1/evaluate/batch", srv.BatchSubmitHandler())
			if cfg.EnableRemediation {
				wr.Post("/v1/remediate", srv.RemediateHandler())
			}
		})

		tr.Get("/v1/evaluate/{id}", srv.JobHandler())
		tr.Delete("/v1/evaluate/{id}", srv.CancelHandler())
		tr.Get("/v1/evaluate/batch/{id}", srv.BatchStatusHandler())
		if cfg.EnableRemediation {
			tr.Get("/v1/remediate/{id}", srv.RemediationJobHandler())
		}
		tr.Get("/v1/config", srv.ConfigHandler())

		tr.Get("/healthz", srv.HealthzHandler())
		tr.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
		tr.Get("/readyz", srv.ReadyzHandler())
	})

	r.Get("/v1/evaluate/{id}/progress", evalStream.Handler())
	if cfg.EnableRemediation && remStream != nil {
		r.Get("/v1/remediate/{id}/progress", remStream.Handler())
	}

	r.NotFound(httpserver.StaticHandler(cfg.StaticDirs))

	return r
}

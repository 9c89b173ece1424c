// Package app wires the HTTP router, readiness probes, and background
// sweepers of the survey pipeline server.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fieldworks/surveyd/internal/adapter/httpserver"
	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means every origin.
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
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints carry a per-IP limit; completion has an additional
	// per-interviewer token bucket inside the handler.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		wr.Post("/v1/sessions/{surveyId}/start", srv.StartSessionHandler())
		wr.Put("/v1/sessions/{sessionId}/responses", srv.UpdateResponseHandler())
		wr.Put("/v1/sessions/{sessionId}/navigate", srv.NavigateHandler())
		wr.Put("/v1/sessions/{sessionId}/reach", srv.ReachHandler())
		wr.Put("/v1/sessions/{sessionId}/pause", srv.PauseHandler())
		wr.Put("/v1/sessions/{sessionId}/resume", srv.ResumeHandler())
		wr.Put("/v1/sessions/{sessionId}/abandon", srv.AbandonHandler())
		wr.Post("/v1/sessions/{sessionId}/complete", srv.CompleteHandler())
		wr.Post("/v1/sessions/{sessionId}/complete-cati", srv.CompleteCATIHandler())

		wr.Post("/v1/audio/upload", srv.AudioUploadHandler())

		wr.Post("/v1/reviews/{responseId}/release", srv.ReviewReleaseHandler())
		wr.Post("/v1/reviews/submit", srv.ReviewSubmitHandler())

		wr.Post("/v1/cati/dial", srv.DialHandler())
		wr.Post("/v1/cati/agents", srv.RegisterAgentHandler())
	})

	// Read-only endpoints
	r.Get("/v1/sessions/{sessionId}", srv.GetSessionHandler())
	r.Get("/v1/responses/{id}/audio-signed-url", srv.AudioSignedURLHandler())
	r.Get("/v1/reviews/next", srv.ReviewNextHandler())
	r.Get("/v1/cati/surveys/{surveyId}/next-set", srv.NextSetHandler())

	// Providers deliver webhooks as GET or POST depending on vendor.
	r.HandleFunc("/v1/cati/webhook", srv.CATIWebhookHandler())

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completions_total",
			Help: "Completed interview submissions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	BatchesClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qc_batches_closed_total",
			Help: "QC batches that reached configured size and were processed",
		},
	)
	SamplesDrawnTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qc_samples_drawn_total",
			Help: "Responses marked as batch samples",
		},
	)
	LeasesGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "review_leases_granted_total",
			Help: "Review leases granted to reviewers",
		},
	)
	LeaseContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "review_lease_contention_total",
			Help: "Claim attempts lost to a racing reviewer",
		},
	)
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_verifications_total",
			Help: "Review verdicts by outcome",
		},
		[]string{"verdict"},
	)
	DuplicatesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicates_detected_total",
			Help: "Responses reclassified as duplicates, by mode",
		},
		[]string{"mode"},
	)
	TelephonyCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telephony_calls_total",
			Help: "Outbound calls by provider and result",
		},
		[]string{"provider", "result"},
	)
	EnrollEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_events_total",
			Help: "Batch enroll events by stage",
		},
		[]string{"stage"},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CompletionsTotal)
	prometheus.MustRegister(BatchesClosedTotal)
	prometheus.MustRegister(SamplesDrawnTotal)
	prometheus.MustRegister(LeasesGrantedTotal)
	prometheus.MustRegister(LeaseContentionTotal)
	prometheus.MustRegister(VerificationsTotal)
	prometheus.MustRegister(DuplicatesDetectedTotal)
	prometheus.MustRegister(TelephonyCallsTotal)
	prometheus.MustRegister(EnrollEventsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

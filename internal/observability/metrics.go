package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reviewsTotal    *prometheus.CounterVec
	reopenedTotal   prometheus.Counter
	viewCache       *prometheus.CounterVec
	lockFallbacks   prometheus.Counter
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timeledger_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timeledger_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timeledger_reviews_total",
		Help: "Jumlah keputusan review timesheet per tier, keputusan dan hasil.",
	}, []string{"tier", "decision", "outcome"})
	reopened := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timeledger_project_weeks_reopened_total",
		Help: "Jumlah project-week yang dibuka kembali karena anggota baru.",
	})
	viewCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timeledger_billing_view_builds_total",
		Help: "Jumlah pembangunan view billing per jenis view.",
	}, []string{"view"})
	lockFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timeledger_projectweek_lock_fallbacks_total",
		Help: "Jumlah lock project-week yang jatuh ke mutex lokal karena redis gagal.",
	})
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requests, duration, reviews, reopened, viewCache, lockFallbacks,
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		reviewsTotal:    reviews,
		reopenedTotal:   reopened,
		viewCache:       viewCache,
		lockFallbacks:   lockFallbacks,
	}
}

// ObserveReview mencatat satu keputusan review.
func (m *Metrics) ObserveReview(tier, decision string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.reviewsTotal.WithLabelValues(tier, decision, outcome).Inc()
}

// ObserveReopen mencatat project-week yang dibuka kembali.
func (m *Metrics) ObserveReopen() {
	if m == nil {
		return
	}
	m.reopenedTotal.Inc()
}

// ObserveViewBuild mencatat view billing yang dihitung ulang (cache miss).
func (m *Metrics) ObserveViewBuild(view string) {
	if m == nil {
		return
	}
	m.viewCache.WithLabelValues(view).Inc()
}

// ObserveLockFallback mencatat lock redis yang gagal dan diganti mutex lokal.
func (m *Metrics) ObserveLockFallback() {
	if m == nil {
		return
	}
	m.lockFallbacks.Inc()
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

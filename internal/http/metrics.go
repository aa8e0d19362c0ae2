package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type routerMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
	streams       *prometheus.GaugeVec
}

// register adopts collectors already registered by an earlier Router in the
// same process.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.metrics = &routerMetrics{
			requests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orbitec",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Count of processed HTTP requests",
			}, []string{"method", "route", "status"})),
			latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "orbitec",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers",
				Buckets:   histogramBuckets,
			}, []string{"method", "route", "status"})),
			rateLimitHits: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orbitec",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Number of rate-limited responses",
			}, []string{"route"})),
			streams: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "orbitec",
				Subsystem: "api",
				Name:      "streams_active",
				Help:      "Open live channel subscriptions by transport",
			}, []string{"transport"})),
		}
	})
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder, ok := w.(*statusRecorder)
		if !ok {
			recorder = &statusRecorder{ResponseWriter: w}
		}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordRequestMetrics(req.Method, route, status, time.Since(start))
	}
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requests.With(labels).Inc()
	r.metrics.latency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route string) {
	if r.metrics == nil {
		return
	}
	r.metrics.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}

// trackStream counts an open subscription until the returned func is called.
func (r *Router) trackStream(transport string) func() {
	if r.metrics == nil {
		return func() {}
	}
	g := r.metrics.streams.With(prometheus.Labels{"transport": transport})
	g.Inc()
	return g.Dec
}
